package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kisTradeBot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockPipeline struct {
	accepted *domain.Position
	err      error
	signals  []domain.AnalysisSignal
}

func (m *mockPipeline) HandleSignal(ctx context.Context, signal domain.AnalysisSignal) (*domain.Position, error) {
	m.signals = append(m.signals, signal)
	return m.accepted, m.err
}

type mockRepo struct {
	positions []*domain.Position
}

func (m *mockRepo) CreatePending(ctx context.Context, pos *domain.Position) (int64, error) {
	return 0, nil
}
func (m *mockRepo) ListPending(ctx context.Context) ([]*domain.Position, error) { return nil, nil }
func (m *mockRepo) ListOpen(ctx context.Context) ([]*domain.Position, error)    { return nil, nil }
func (m *mockRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.PositionStatus) error {
	return nil
}
func (m *mockRepo) RecordFill(ctx context.Context, id int64, quantity, avgPrice int64) error {
	return nil
}
func (m *mockRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	for _, pos := range m.positions {
		if pos.ID == id {
			return pos, nil
		}
	}
	return nil, nil
}
func (m *mockRepo) ListAll(ctx context.Context) ([]*domain.Position, error) {
	return m.positions, nil
}

func newTestServer(t *testing.T, p *mockPipeline, repo *mockRepo) *httptest.Server {
	t.Helper()
	s, err := New(Config{Addr: "127.0.0.1:0", Pipeline: p, Repo: repo, Logger: &mockLogger{}})
	require.NoError(t, err)
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &mockPipeline{}, &mockRepo{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostSignalAccepted(t *testing.T) {
	p := &mockPipeline{accepted: &domain.Position{
		ID: 7, Symbol: "005930", Status: domain.StatusPending,
	}}
	srv := newTestServer(t, p, &mockRepo{})

	body := `{"symbol":"005930","name":"Samsung Electronics","probability":85,"target_price":52000,"stop_price":49000}`
	resp, err := http.Post(srv.URL+"/api/signals", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, float64(7), out["position_id"])

	require.Len(t, p.signals, 1)
	assert.Equal(t, 85, p.signals[0].Probability)
	assert.Equal(t, int64(52_000), p.signals[0].TargetPrice)
}

func TestPostSignalDropped(t *testing.T) {
	srv := newTestServer(t, &mockPipeline{accepted: nil}, &mockRepo{})

	body := `{"symbol":"005930","probability":10}`
	resp, err := http.Post(srv.URL+"/api/signals", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, false, out["accepted"])
}

func TestPostSignalRejectsBadPayload(t *testing.T) {
	srv := newTestServer(t, &mockPipeline{}, &mockRepo{})

	resp, err := http.Post(srv.URL+"/api/signals", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalsRejectsGet(t *testing.T) {
	srv := newTestServer(t, &mockPipeline{}, &mockRepo{})

	resp, err := http.Get(srv.URL + "/api/signals")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListPositions(t *testing.T) {
	repo := &mockRepo{positions: []*domain.Position{
		{ID: 1, Symbol: "005930", Status: domain.StatusOpen, Quantity: 3, AvgPrice: 300_000,
			CreatedAt: time.Now(), FilledAt: time.Now()},
		{ID: 2, Symbol: "000660", Status: domain.StatusPending, CreatedAt: time.Now()},
	}}
	srv := newTestServer(t, &mockPipeline{}, repo)

	resp, err := http.Get(srv.URL + "/api/positions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, "005930", out[0]["symbol"])
	assert.Equal(t, "open", out[0]["status"])
	assert.NotNil(t, out[0]["filled_at"])
	_, hasFilledAt := out[1]["filled_at"]
	assert.False(t, hasFilledAt, "zero fill time must be omitted")
}

func TestGetPositionByID(t *testing.T) {
	repo := &mockRepo{positions: []*domain.Position{
		{ID: 1, Symbol: "005930", Status: domain.StatusOpen, CreatedAt: time.Now()},
	}}
	srv := newTestServer(t, &mockPipeline{}, repo)

	resp, err := http.Get(srv.URL + "/api/positions?id=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, float64(1), out["id"])

	resp, err = http.Get(srv.URL + "/api/positions?id=42")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
