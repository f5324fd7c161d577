package ports

import (
	"context"
	"time"

	"kisTradeBot/internal/domain"
)

// BrokerageAPI defines the raw operations the brokerage HTTP API
// exposes. Implementations carry the app credentials; the bearer token
// is passed per call because it is shared across processes.
type BrokerageAPI interface {
	// IssueToken requests a fresh OAuth2 access token and returns it
	// together with its time to live.
	IssueToken(ctx context.Context) (token string, expiresIn time.Duration, err error)
	// CurrentPrice retrieves the latest traded price for a symbol in won.
	CurrentPrice(ctx context.Context, token, symbol string) (int64, error)
	// DailyPrices retrieves up to `days` most recent daily bars, newest first.
	DailyPrices(ctx context.Context, token, symbol string, days int) ([]domain.DailyPrice, error)
	// PlaceOrder submits a market order and returns the brokerage order ID.
	PlaceOrder(ctx context.Context, token, symbol string, side domain.OrderSide, quantity int64) (orderID string, err error)
}

// Notifier pushes trade events to an external channel (telegram in
// production). Failures are logged by callers, never propagated into
// the trading path.
type Notifier interface {
	NotifyBuy(ctx context.Context, pos *domain.Position) error
	NotifySell(ctx context.Context, pos *domain.Position, exitPrice int64, reason domain.SellReason) error
}
