// Package pipeline turns analysis signals into pending positions.
package pipeline

import (
	"context"
	"fmt"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/ports"
)

// Pipeline gates incoming analysis signals on a probability threshold
// and registers the survivors as pending positions for the lifecycle
// manager to pick up.
type Pipeline struct {
	repo      ports.PositionRepository
	logger    ports.Logger
	threshold int
}

func New(repo ports.PositionRepository, logger ports.Logger, threshold int) (*Pipeline, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for pipeline")
	}
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("threshold must be between 0 and 100, got %d", threshold)
	}
	return &Pipeline{repo: repo, logger: logger, threshold: threshold}, nil
}

// HandleSignal registers a pending position for the signal when its
// probability meets the threshold; below-threshold signals are dropped.
// The returned position is nil when the signal was dropped.
func (p *Pipeline) HandleSignal(ctx context.Context, signal domain.AnalysisSignal) (*domain.Position, error) {
	if signal.Symbol == "" {
		return nil, fmt.Errorf("signal has no symbol")
	}
	if signal.Probability < p.threshold {
		p.logger.Debug(ctx, "Signal below threshold, dropped", map[string]interface{}{
			"symbol":      signal.Symbol,
			"probability": signal.Probability,
			"threshold":   p.threshold,
		})
		return nil, nil
	}

	pos, err := p.CreatePendingPosition(ctx, signal.Symbol, signal.Name, signal.TargetPrice, signal.StopPrice)
	if err != nil {
		return nil, err
	}

	p.logger.Info(ctx, "Signal accepted, pending position created", map[string]interface{}{
		"positionID":  pos.ID,
		"symbol":      signal.Symbol,
		"name":        signal.Name,
		"probability": signal.Probability,
	})
	return pos, nil
}

// CreatePendingPosition registers a pending position directly, without
// the probability gate.
func (p *Pipeline) CreatePendingPosition(ctx context.Context, symbol, name string, targetPrice, stopPrice int64) (*domain.Position, error) {
	pos := &domain.Position{
		Symbol:      symbol,
		Name:        name,
		TargetPrice: targetPrice,
		StopPrice:   stopPrice,
		Status:      domain.StatusPending,
	}
	id, err := p.repo.CreatePending(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending position for %s: %w", symbol, err)
	}
	pos.ID = id
	return pos, nil
}
