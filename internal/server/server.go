// Package server exposes the bot's HTTP surface: health, Prometheus
// metrics, signal intake and position inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/ports"
)

// signalHandler is the slice of the decision pipeline the server needs.
type signalHandler interface {
	HandleSignal(ctx context.Context, signal domain.AnalysisSignal) (*domain.Position, error)
}

// Server serves the HTTP API. Signals POSTed to /api/signals flow into
// the decision pipeline exactly as in-process analysis results would.
type Server struct {
	pipeline   signalHandler
	repo       ports.PositionRepository
	logger     ports.Logger
	httpServer *http.Server
}

// Config holds configuration for the HTTP server.
type Config struct {
	Addr     string
	Pipeline signalHandler
	Repo     ports.PositionRepository
	Logger   ports.Logger
}

// New creates the HTTP server bound to cfg.Addr.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" || cfg.Pipeline == nil || cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("addr, pipeline, repo and logger are required for HTTP server")
	}

	s := &Server{
		pipeline: cfg.Pipeline,
		repo:     cfg.Repo,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/signals", s.handleSignals)
	mux.HandleFunc("/api/positions", s.handlePositions)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start begins serving in the background. The returned error covers
// bind failures only; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind HTTP server on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": s.httpServer.Addr})
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), err, "HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(context.Background(), "Failed to encode HTTP response", map[string]interface{}{"error": err.Error()})
	}
}

type signalRequest struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Probability int    `json:"probability"`
	TargetPrice int64  `json:"target_price"`
	StopPrice   int64  `json:"stop_price"`
}

// POST /api/signals — feed one analysis signal into the pipeline.
// Returns 201 with the created position, or 200 when the signal was
// dropped by the probability gate.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid signal payload: %v", err), http.StatusBadRequest)
		return
	}

	pos, err := s.pipeline.HandleSignal(r.Context(), domain.AnalysisSignal{
		Symbol:      req.Symbol,
		Name:        req.Name,
		Probability: req.Probability,
		TargetPrice: req.TargetPrice,
		StopPrice:   req.StopPrice,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if pos == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": false})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"accepted":    true,
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"status":      pos.Status,
	})
}

type positionResponse struct {
	ID           int64      `json:"id"`
	Symbol       string     `json:"symbol"`
	Name         string     `json:"name"`
	Quantity     int64      `json:"quantity"`
	AvgPrice     int64      `json:"avg_price"`
	TargetPrice  int64      `json:"target_price"`
	StopPrice    int64      `json:"stop_price"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	FilledAt     *time.Time `json:"filled_at,omitempty"`
	LiquidatedAt *time.Time `json:"liquidated_at,omitempty"`
}

func toPositionResponse(pos *domain.Position) positionResponse {
	resp := positionResponse{
		ID:          pos.ID,
		Symbol:      pos.Symbol,
		Name:        pos.Name,
		Quantity:    pos.Quantity,
		AvgPrice:    pos.AvgPrice,
		TargetPrice: pos.TargetPrice,
		StopPrice:   pos.StopPrice,
		Status:      string(pos.Status),
		CreatedAt:   pos.CreatedAt,
	}
	if !pos.FilledAt.IsZero() {
		filledAt := pos.FilledAt
		resp.FilledAt = &filledAt
	}
	if !pos.LiquidatedAt.IsZero() {
		liquidatedAt := pos.LiquidatedAt
		resp.LiquidatedAt = &liquidatedAt
	}
	return resp
}

// GET /api/positions — list every position, or one by ?id=.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if rawID := r.URL.Query().Get("id"); rawID != "" {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			http.Error(w, "invalid position id", http.StatusBadRequest)
			return
		}
		pos, err := s.repo.FindByID(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if pos == nil {
			http.Error(w, "position not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, toPositionResponse(pos))
		return
	}

	positions, err := s.repo.ListAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, pos := range positions {
		out = append(out, toPositionResponse(pos))
	}
	s.writeJSON(w, http.StatusOK, out)
}
