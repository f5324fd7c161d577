package executor

import (
	"context"
	"fmt"
	"time"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/metrics"
	"kisTradeBot/internal/ports"
)

// Brokerage is the slice of the brokerage service the manager needs.
type Brokerage interface {
	CurrentPrice(ctx context.Context, symbol string) (int64, error)
	Buy(ctx context.Context, symbol string, quantity int64) (string, error)
	Sell(ctx context.Context, symbol string, quantity int64) (string, error)
}

// Manager drives every position through its lifecycle on a periodic
// cycle: pending positions are bought, open positions are re-priced
// against the take-profit and stop-loss thresholds, and everything
// still open at the daily cutoff is liquidated unconditionally.
//
// Exactly one manager must be active per position set; the status-gated
// repository updates keep repeated cycles idempotent but do not lease
// positions across concurrent managers.
type Manager struct {
	cfg      Config
	repo     ports.PositionRepository
	broker   Brokerage
	notifier ports.Notifier // optional
	logger   ports.Logger
	loc      *time.Location
	now      func() time.Time

	// Date (in market-local time) for which force liquidation already
	// ran; cycles on that date past the cutoff do nothing.
	forcedDay string
}

// Config holds the trading parameters of the lifecycle manager.
type Config struct {
	BudgetPerPosition int64   // Won spent per buy order
	TakeProfitPercent float64 // sell at or above this profit rate
	StopLossPercent   float64 // sell at or below the negative of this rate
	MarketOpenHour    int
	MarketOpenMinute  int
	MarketCloseHour   int
	MarketCloseMinute int
	ForceCloseHour    int
	ForceCloseMinute  int
	PollInterval      time.Duration
	Timezone          string // market-local timezone, defaults to Asia/Seoul
}

// New creates a position lifecycle manager. The notifier may be nil.
func New(cfg Config, repo ports.PositionRepository, broker Brokerage, notifier ports.Notifier, logger ports.Logger) (*Manager, error) {
	if repo == nil || broker == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for lifecycle manager")
	}
	if cfg.BudgetPerPosition <= 0 {
		return nil, fmt.Errorf("configuration BudgetPerPosition must be positive")
	}
	if cfg.TakeProfitPercent <= 0 {
		return nil, fmt.Errorf("configuration TakeProfitPercent must be positive")
	}
	if cfg.StopLossPercent <= 0 {
		return nil, fmt.Errorf("configuration StopLossPercent must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("configuration PollInterval must be positive")
	}

	tz := cfg.Timezone
	if tz == "" {
		tz = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid market timezone %q: %w", tz, err)
	}

	return &Manager{
		cfg:      cfg,
		repo:     repo,
		broker:   broker,
		notifier: notifier,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// Run executes cycles at the configured interval until ctx is
// cancelled. The first cycle runs immediately.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info(ctx, "Position lifecycle manager started", map[string]interface{}{
		"interval":   m.cfg.PollInterval.String(),
		"takeProfit": m.cfg.TakeProfitPercent,
		"stopLoss":   m.cfg.StopLossPercent,
		"forceClose": fmt.Sprintf("%02d:%02d", m.cfg.ForceCloseHour, m.cfg.ForceCloseMinute),
	})

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Position lifecycle manager stopped")
			return nil
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle performs one pass of the state machine driver. Failures are
// contained per position; nothing escapes the cycle.
func (m *Manager) runCycle(ctx context.Context) {
	now := m.now().In(m.loc)

	if !m.marketOpen(now) {
		m.logger.Debug(ctx, "Market closed, skipping cycle")
		return
	}

	if m.pastCutoff(now) {
		day := now.Format("2006-01-02")
		if m.forcedDay == day {
			// Already liquidated today; idle until the next trading day.
			return
		}
		m.logger.Info(ctx, "Force liquidation cutoff reached, selling all open positions")
		m.forceLiquidateAll(ctx)
		m.forcedDay = day
		return
	}

	m.processPendingBuys(ctx)
	m.monitorOpenPositions(ctx)
}

// marketOpen reports whether now falls inside trading hours on a weekday.
func (m *Manager) marketOpen(now time.Time) bool {
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	openAt := m.cfg.MarketOpenHour*60 + m.cfg.MarketOpenMinute
	closeAt := m.cfg.MarketCloseHour*60 + m.cfg.MarketCloseMinute
	return minute >= openAt && minute <= closeAt
}

// pastCutoff reports whether now is at or past the force-liquidation time.
func (m *Manager) pastCutoff(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	return minute >= m.cfg.ForceCloseHour*60+m.cfg.ForceCloseMinute
}

// --- Buy pass ---

func (m *Manager) processPendingBuys(ctx context.Context) {
	pending, err := m.repo.ListPending(ctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		m.logger.Error(ctx, err, "Failed to list pending positions")
		return
	}
	if len(pending) == 0 {
		return
	}
	m.logger.Info(ctx, "Processing pending positions", map[string]interface{}{"count": len(pending)})

	for _, pos := range pending {
		if err := m.executeBuy(ctx, pos); err != nil {
			metrics.CycleErrors.Inc()
			m.logger.Error(ctx, err, "Buy failed, position rolled back to pending", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
			})
		}
	}
}

// executeBuy drives one position pending -> buying -> open. Any failure
// rolls back to pending so a later cycle retries.
func (m *Manager) executeBuy(ctx context.Context, pos *domain.Position) error {
	if err := m.repo.UpdateStatus(ctx, pos.ID, domain.StatusPending, domain.StatusBuying); err != nil {
		return fmt.Errorf("cannot start buy: %w", err)
	}

	rollback := func() {
		if err := m.repo.UpdateStatus(ctx, pos.ID, domain.StatusBuying, domain.StatusPending); err != nil {
			m.logger.Error(ctx, err, "Failed to roll back position to pending", map[string]interface{}{"positionID": pos.ID})
		}
	}

	price, err := m.broker.CurrentPrice(ctx, pos.Symbol)
	if err != nil {
		rollback()
		return fmt.Errorf("quote failed: %w", err)
	}

	quantity := m.cfg.BudgetPerPosition / price
	if quantity <= 0 {
		rollback()
		return fmt.Errorf("price %d exceeds budget %d for %s: %w", price, m.cfg.BudgetPerPosition, pos.Symbol, ports.ErrBudgetExceeded)
	}

	orderID, err := m.broker.Buy(ctx, pos.Symbol, quantity)
	if err != nil {
		rollback()
		return fmt.Errorf("buy order failed: %w", err)
	}

	// Fill price approximated by the latest quote; the coordinator
	// cache makes this a cheap re-read within the same minute.
	fillPrice, err := m.broker.CurrentPrice(ctx, pos.Symbol)
	if err != nil {
		rollback()
		return fmt.Errorf("fill quote failed after order %s: %w", orderID, err)
	}

	if err := m.repo.RecordFill(ctx, pos.ID, quantity, fillPrice); err != nil {
		rollback()
		return fmt.Errorf("failed to record fill of order %s: %w", orderID, err)
	}

	pos.Quantity = quantity
	pos.AvgPrice = fillPrice
	pos.Status = domain.StatusOpen

	m.logger.Info(ctx, "Buy completed", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"name":       pos.Name,
		"quantity":   quantity,
		"avgPrice":   fillPrice,
		"total":      quantity * fillPrice,
		"orderID":    orderID,
	})
	m.notifyBuy(ctx, pos)
	return nil
}

// --- Sell pass ---

func (m *Manager) monitorOpenPositions(ctx context.Context) {
	open, err := m.repo.ListOpen(ctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		m.logger.Error(ctx, err, "Failed to list open positions")
		return
	}

	for _, pos := range open {
		if err := m.checkSellConditions(ctx, pos); err != nil {
			metrics.CycleErrors.Inc()
			m.logger.Error(ctx, err, "Sell check failed", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
			})
		}
	}
}

// checkSellConditions re-prices one open position and sells when the
// profit rate crosses either threshold.
func (m *Manager) checkSellConditions(ctx context.Context, pos *domain.Position) error {
	price, err := m.broker.CurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("quote failed: %w", err)
	}

	rate := pos.ProfitRate(price)
	m.logger.Debug(ctx, "Re-priced open position", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"avgPrice":   pos.AvgPrice,
		"current":    price,
		"profitRate": fmt.Sprintf("%+.2f%%", rate),
	})

	switch {
	case rate >= m.cfg.TakeProfitPercent:
		return m.executeSell(ctx, pos, price, domain.SellReasonTakeProfit)
	case rate <= -m.cfg.StopLossPercent:
		return m.executeSell(ctx, pos, price, domain.SellReasonStopLoss)
	}
	return nil
}

// executeSell drives one position open -> selling -> liquidated. Any
// failure rolls back to open so a later cycle retries.
func (m *Manager) executeSell(ctx context.Context, pos *domain.Position, price int64, reason domain.SellReason) error {
	m.logger.Info(ctx, "Selling position", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"reason":     reason,
		"price":      price,
	})

	if err := m.repo.UpdateStatus(ctx, pos.ID, domain.StatusOpen, domain.StatusSelling); err != nil {
		return fmt.Errorf("cannot start sell: %w", err)
	}

	rollback := func() {
		if err := m.repo.UpdateStatus(ctx, pos.ID, domain.StatusSelling, domain.StatusOpen); err != nil {
			m.logger.Error(ctx, err, "Failed to roll back position to open", map[string]interface{}{"positionID": pos.ID})
		}
	}

	orderID, err := m.broker.Sell(ctx, pos.Symbol, pos.Quantity)
	if err != nil {
		rollback()
		return fmt.Errorf("sell order failed: %w", err)
	}

	if err := m.repo.UpdateStatus(ctx, pos.ID, domain.StatusSelling, domain.StatusLiquidated); err != nil {
		// The order went out, so the next cycle may attempt a second
		// sell. Leaving the row in selling would strand it forever
		// (nothing ever lists selling positions), so roll back anyway.
		m.logger.Error(ctx, err, "Sell order placed but status update failed, rolling back to open", map[string]interface{}{
			"positionID": pos.ID,
			"symbol":     pos.Symbol,
			"orderID":    orderID,
		})
		rollback()
		return fmt.Errorf("order %s placed but status update failed: %w", orderID, err)
	}

	pos.Status = domain.StatusLiquidated
	m.logger.Info(ctx, "Sell completed", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"reason":     reason,
		"quantity":   pos.Quantity,
		"avgPrice":   pos.AvgPrice,
		"exitPrice":  price,
		"profit":     (price - pos.AvgPrice) * pos.Quantity,
		"orderID":    orderID,
	})
	m.notifySell(ctx, pos, price, reason)
	return nil
}

// --- Force liquidation ---

// forceLiquidateAll sells every open position regardless of profit
// rate. A position whose sell fails stays open until the next trading
// day: runCycle latches the day after this single pass.
func (m *Manager) forceLiquidateAll(ctx context.Context) {
	open, err := m.repo.ListOpen(ctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		m.logger.Error(ctx, err, "Failed to list open positions for force liquidation")
		return
	}
	if len(open) == 0 {
		m.logger.Info(ctx, "No open positions to force liquidate")
		return
	}
	m.logger.Info(ctx, "Force liquidating open positions", map[string]interface{}{"count": len(open)})

	for _, pos := range open {
		price, err := m.broker.CurrentPrice(ctx, pos.Symbol)
		if err != nil {
			metrics.CycleErrors.Inc()
			m.logger.Error(ctx, err, "Quote failed during force liquidation, position stays open", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
			})
			continue
		}
		if err := m.executeSell(ctx, pos, price, domain.SellReasonForceClose); err != nil {
			metrics.CycleErrors.Inc()
			m.logger.Error(ctx, err, "Force liquidation failed for position", map[string]interface{}{
				"positionID": pos.ID,
				"symbol":     pos.Symbol,
			})
		}
	}
}

// --- Notifications ---

func (m *Manager) notifyBuy(ctx context.Context, pos *domain.Position) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyBuy(ctx, pos); err != nil {
		m.logger.Warn(ctx, "Buy notification failed", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) notifySell(ctx context.Context, pos *domain.Position, exitPrice int64, reason domain.SellReason) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifySell(ctx, pos, exitPrice, reason); err != nil {
		m.logger.Warn(ctx, "Sell notification failed", map[string]interface{}{"error": err.Error()})
	}
}
