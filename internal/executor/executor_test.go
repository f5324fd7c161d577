package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockRepo struct {
	positions map[int64]*domain.Position
	nextID    int64

	listPendingErr error
	listOpenErr    error
	fillErr        error
	// updateErr fails a specific transition, keyed "from->to".
	updateErr map[string]error

	listCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{positions: map[int64]*domain.Position{}, nextID: 1}
}

func (m *mockRepo) add(pos *domain.Position) *domain.Position {
	pos.ID = m.nextID
	m.nextID++
	m.positions[pos.ID] = pos
	return pos
}

func (m *mockRepo) CreatePending(ctx context.Context, pos *domain.Position) (int64, error) {
	pos.Status = domain.StatusPending
	return m.add(pos).ID, nil
}

func (m *mockRepo) ListPending(ctx context.Context) ([]*domain.Position, error) {
	m.listCalls++
	if m.listPendingErr != nil {
		return nil, m.listPendingErr
	}
	return m.listByStatus(domain.StatusPending), nil
}

func (m *mockRepo) ListOpen(ctx context.Context) ([]*domain.Position, error) {
	m.listCalls++
	if m.listOpenErr != nil {
		return nil, m.listOpenErr
	}
	return m.listByStatus(domain.StatusOpen), nil
}

func (m *mockRepo) listByStatus(status domain.PositionStatus) []*domain.Position {
	var out []*domain.Position
	for id := int64(1); id < m.nextID; id++ {
		if pos, ok := m.positions[id]; ok && pos.Status == status {
			out = append(out, pos)
		}
	}
	return out
}

func (m *mockRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.PositionStatus) error {
	if err := m.updateErr[fmt.Sprintf("%s->%s", from, to)]; err != nil {
		return err
	}
	pos, ok := m.positions[id]
	if !ok {
		return ports.ErrNotFound
	}
	if pos.Status != from {
		return ports.ErrConflict
	}
	if !domain.CanTransition(from, to) {
		return ports.ErrInvalidTransition
	}
	pos.Status = to
	return nil
}

func (m *mockRepo) RecordFill(ctx context.Context, id int64, quantity, avgPrice int64) error {
	if m.fillErr != nil {
		return m.fillErr
	}
	pos, ok := m.positions[id]
	if !ok {
		return ports.ErrNotFound
	}
	if pos.Status != domain.StatusBuying {
		return ports.ErrConflict
	}
	pos.Quantity = quantity
	pos.AvgPrice = avgPrice
	pos.Status = domain.StatusOpen
	return nil
}

func (m *mockRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return m.positions[id], nil
}

func (m *mockRepo) ListAll(ctx context.Context) ([]*domain.Position, error) {
	var out []*domain.Position
	for id := m.nextID - 1; id >= 1; id-- {
		if pos, ok := m.positions[id]; ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

type order struct {
	side     domain.OrderSide
	symbol   string
	quantity int64
}

type mockBrokerage struct {
	prices   map[string]int64
	priceErr error
	buyErr   error
	sellErr  error
	orders   []order
}

func (m *mockBrokerage) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	price, ok := m.prices[symbol]
	if !ok {
		return 0, ports.ErrInvalidQuote
	}
	return price, nil
}

func (m *mockBrokerage) Buy(ctx context.Context, symbol string, quantity int64) (string, error) {
	if m.buyErr != nil {
		return "", m.buyErr
	}
	m.orders = append(m.orders, order{side: domain.Buy, symbol: symbol, quantity: quantity})
	return "ORD0001", nil
}

func (m *mockBrokerage) Sell(ctx context.Context, symbol string, quantity int64) (string, error) {
	if m.sellErr != nil {
		return "", m.sellErr
	}
	m.orders = append(m.orders, order{side: domain.Sell, symbol: symbol, quantity: quantity})
	return "ORD0002", nil
}

type mockNotifier struct {
	buys  []*domain.Position
	sells []domain.SellReason
}

func (m *mockNotifier) NotifyBuy(ctx context.Context, pos *domain.Position) error {
	m.buys = append(m.buys, pos)
	return nil
}

func (m *mockNotifier) NotifySell(ctx context.Context, pos *domain.Position, exitPrice int64, reason domain.SellReason) error {
	m.sells = append(m.sells, reason)
	return nil
}

func testConfig() Config {
	return Config{
		BudgetPerPosition: 1_000_000,
		TakeProfitPercent: 2.0,
		StopLossPercent:   1.0,
		MarketOpenHour:    9,
		MarketOpenMinute:  0,
		MarketCloseHour:   15,
		MarketCloseMinute: 30,
		ForceCloseHour:    15,
		ForceCloseMinute:  20,
		PollInterval:      time.Second,
		Timezone:          "Asia/Seoul",
	}
}

// seoul returns a clock pinned to the given market-local time.
// 2025-01-02 is a Thursday.
func seoul(t *testing.T, hour, min int) func() time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	at := time.Date(2025, 1, 2, hour, min, 0, 0, loc)
	return func() time.Time { return at }
}

func newTestManager(t *testing.T, repo *mockRepo, broker *mockBrokerage, notifier ports.Notifier) *Manager {
	t.Helper()
	m, err := New(testConfig(), repo, broker, notifier, &mockLogger{})
	require.NoError(t, err)
	m.now = seoul(t, 10, 0)
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	repo := newMockRepo()
	broker := &mockBrokerage{}

	cfg := testConfig()
	cfg.BudgetPerPosition = 0
	_, err := New(cfg, repo, broker, nil, &mockLogger{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Timezone = "Mars/Olympus"
	_, err = New(cfg, repo, broker, nil, &mockLogger{})
	assert.Error(t, err)

	_, err = New(testConfig(), nil, broker, nil, &mockLogger{})
	assert.Error(t, err)
}

func TestBuyFillsPendingPosition(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{Symbol: "005930", Name: "Samsung Electronics", Status: domain.StatusPending})
	broker := &mockBrokerage{prices: map[string]int64{"005930": 300_000}}
	notifier := &mockNotifier{}
	m := newTestManager(t, repo, broker, notifier)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, int64(3), pos.Quantity, "1,000,000 budget at 300,000 buys 3 shares")
	assert.Equal(t, int64(300_000), pos.AvgPrice)
	require.Len(t, broker.orders, 1)
	assert.Equal(t, domain.Buy, broker.orders[0].side)
	assert.Equal(t, int64(3), broker.orders[0].quantity)
	require.Len(t, notifier.buys, 1)
}

func TestBuyAbortsWhenPriceExceedsBudget(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{Symbol: "999999", Status: domain.StatusPending})
	broker := &mockBrokerage{prices: map[string]int64{"999999": 1_200_000}}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusPending, pos.Status, "unaffordable position must roll back to pending")
	assert.Empty(t, broker.orders, "no order may reach the exchange")
}

func TestBuyOrderFailureRollsBack(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	broker := &mockBrokerage{
		prices: map[string]int64{"005930": 300_000},
		buyErr: errors.New("order rejected"),
	}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusPending, pos.Status)
	assert.Empty(t, broker.orders)
}

func TestBuyQuoteFailureRollsBack(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	broker := &mockBrokerage{priceErr: errors.New("exchange down")}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusPending, pos.Status)
}

func TestBuyFillRecordFailureRollsBack(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	repo.fillErr = errors.New("database locked")
	broker := &mockBrokerage{prices: map[string]int64{"005930": 300_000}}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusPending, pos.Status)
}

func TestBuyClaimFailureLeavesPositionAlone(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	repo.updateErr = map[string]error{"pending->buying": errors.New("database locked")}
	broker := &mockBrokerage{prices: map[string]int64{"005930": 300_000}}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusPending, pos.Status)
	assert.Empty(t, broker.orders, "an unclaimed position must not be quoted or bought")
}

func TestCycleSurvivesRepositoryListFailures(t *testing.T) {
	repo := newMockRepo()
	repo.listPendingErr = errors.New("database locked")
	repo.listOpenErr = errors.New("database locked")
	broker := &mockBrokerage{}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())
	assert.Empty(t, broker.orders)
}

func TestSellOnTakeProfit(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	// +2.4% against a 2.0% target.
	broker := &mockBrokerage{prices: map[string]int64{"005930": 51_200}}
	notifier := &mockNotifier{}
	m := newTestManager(t, repo, broker, notifier)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusLiquidated, pos.Status)
	require.Len(t, broker.orders, 1)
	assert.Equal(t, domain.Sell, broker.orders[0].side)
	assert.Equal(t, int64(10), broker.orders[0].quantity)
	require.Len(t, notifier.sells, 1)
	assert.Equal(t, domain.SellReasonTakeProfit, notifier.sells[0])
}

func TestSellOnStopLoss(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	// -1.2% against a 1.0% stop.
	broker := &mockBrokerage{prices: map[string]int64{"005930": 49_400}}
	notifier := &mockNotifier{}
	m := newTestManager(t, repo, broker, notifier)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusLiquidated, pos.Status)
	require.Len(t, notifier.sells, 1)
	assert.Equal(t, domain.SellReasonStopLoss, notifier.sells[0])
}

func TestHoldInsideThresholds(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	// +1.0%, below the 2.0% target and above the -1.0% stop.
	broker := &mockBrokerage{prices: map[string]int64{"005930": 50_500}}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Empty(t, broker.orders)
}

func TestSellOrderFailureRollsBackToOpen(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	broker := &mockBrokerage{
		prices:  map[string]int64{"005930": 51_200},
		sellErr: errors.New("order rejected"),
	}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusOpen, pos.Status, "failed sell must roll back for the next cycle")
}

func TestSellStatusUpdateFailureRollsBackToOpen(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	repo.updateErr = map[string]error{"selling->liquidated": errors.New("database locked")}
	broker := &mockBrokerage{prices: map[string]int64{"005930": 51_200}}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	require.Len(t, broker.orders, 1, "the sell order itself went through")
	assert.Equal(t, domain.StatusOpen, pos.Status, "position must not be stranded in selling")

	// Once the store recovers, the next cycle finds the position open
	// again and completes the sell.
	repo.updateErr = nil
	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusLiquidated, pos.Status)
	assert.Len(t, broker.orders, 2)
}

func TestForceLiquidationAtCutoff(t *testing.T) {
	repo := newMockRepo()
	pos := repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	pending := repo.add(&domain.Position{Symbol: "000660", Status: domain.StatusPending})
	// +0.5%, inside both thresholds; cutoff sells regardless.
	broker := &mockBrokerage{prices: map[string]int64{"005930": 50_250}}
	notifier := &mockNotifier{}
	m := newTestManager(t, repo, broker, notifier)
	m.now = seoul(t, 15, 25)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusLiquidated, pos.Status)
	require.Len(t, notifier.sells, 1)
	assert.Equal(t, domain.SellReasonForceClose, notifier.sells[0])
	assert.Equal(t, domain.StatusPending, pending.Status, "no buys after the cutoff")
}

func TestForceLiquidationRunsOncePerDay(t *testing.T) {
	repo := newMockRepo()
	repo.add(&domain.Position{
		Symbol: "005930", Status: domain.StatusOpen, Quantity: 10, AvgPrice: 50_000,
	})
	broker := &mockBrokerage{prices: map[string]int64{"005930": 50_250}}
	m := newTestManager(t, repo, broker, nil)
	m.now = seoul(t, 15, 25)

	m.runCycle(context.Background())
	callsAfterFirst := repo.listCalls

	m.runCycle(context.Background())
	assert.Equal(t, callsAfterFirst, repo.listCalls, "cycles after the daily liquidation must idle")
}

func TestCycleSkipsOutsideMarketHours(t *testing.T) {
	repo := newMockRepo()
	repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	broker := &mockBrokerage{prices: map[string]int64{"005930": 300_000}}
	m := newTestManager(t, repo, broker, nil)

	m.now = seoul(t, 8, 59)
	m.runCycle(context.Background())
	assert.Zero(t, repo.listCalls, "before open")

	m.now = seoul(t, 15, 31)
	m.runCycle(context.Background())
	assert.Zero(t, repo.listCalls, "after close")
}

func TestCycleSkipsWeekends(t *testing.T) {
	repo := newMockRepo()
	repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	broker := &mockBrokerage{prices: map[string]int64{"005930": 300_000}}
	m := newTestManager(t, repo, broker, nil)

	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	// 2025-01-04 is a Saturday.
	m.now = func() time.Time { return time.Date(2025, 1, 4, 10, 0, 0, 0, loc) }

	m.runCycle(context.Background())
	assert.Zero(t, repo.listCalls)
	assert.Empty(t, broker.orders)
}

func TestCycleIsolatesPerPositionFailures(t *testing.T) {
	repo := newMockRepo()
	bad := repo.add(&domain.Position{Symbol: "999999", Status: domain.StatusPending})
	good := repo.add(&domain.Position{Symbol: "005930", Status: domain.StatusPending})
	broker := &mockBrokerage{prices: map[string]int64{
		"999999": 1_200_000,
		"005930": 300_000,
	}}
	m := newTestManager(t, repo, broker, nil)

	m.runCycle(context.Background())

	assert.Equal(t, domain.StatusPending, bad.Status)
	assert.Equal(t, domain.StatusOpen, good.Status, "one failing position must not block the rest")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	repo := newMockRepo()
	broker := &mockBrokerage{}
	m := newTestManager(t, repo, broker, nil)
	m.now = seoul(t, 8, 0) // keep cycles idle

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
