package brokerage

import (
	"context"
	"fmt"
	"time"

	"kisTradeBot/internal/coordinator"
	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/metrics"
	"kisTradeBot/internal/ports"
)

// tokenSource hands out a currently-valid shared token.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// submitter is the slice of the request coordinator the service needs.
type submitter interface {
	Submit(ctx context.Context, key string, op coordinator.Operation) (interface{}, error)
}

// Service is the high-level brokerage surface the rest of the bot
// talks to. Quote reads go through the request coordinator so
// concurrent callers share cached results and outbound calls stay
// rate-limited; orders go straight to the API, never queued or cached.
type Service struct {
	api    ports.BrokerageAPI
	tokens tokenSource
	coord  submitter
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the brokerage service.
type Config struct {
	API         ports.BrokerageAPI
	Tokens      tokenSource
	Coordinator submitter
	Logger      ports.Logger
}

// New creates a brokerage service.
func New(cfg Config) (*Service, error) {
	if cfg.API == nil || cfg.Tokens == nil || cfg.Coordinator == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for brokerage service")
	}
	return &Service{
		api:    cfg.API,
		tokens: cfg.Tokens,
		coord:  cfg.Coordinator,
		logger: cfg.Logger,
		now:    time.Now,
	}, nil
}

// CurrentPrice returns the latest traded price for a symbol in won.
// Results are cached per minute bucket.
func (s *Service) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	key := domain.CurrentPriceKey(symbol, s.now())
	value, err := s.coord.Submit(ctx, key, func(ctx context.Context) (interface{}, error) {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		price, err := s.api.CurrentPrice(ctx, token, symbol)
		if err != nil {
			return nil, err
		}
		if price <= 0 {
			return nil, fmt.Errorf("symbol %s quoted at %d: %w", symbol, price, ports.ErrInvalidQuote)
		}
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	price, ok := value.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected cached value %T for key %s", value, key)
	}
	return price, nil
}

// DailyPrices returns up to `days` most recent daily bars, newest
// first. Results are cached per trading day.
func (s *Service) DailyPrices(ctx context.Context, symbol string, days int) ([]domain.DailyPrice, error) {
	key := domain.DailyPricesKey(symbol, s.now())
	value, err := s.coord.Submit(ctx, key, func(ctx context.Context) (interface{}, error) {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		return s.api.DailyPrices(ctx, token, symbol, days)
	})
	if err != nil {
		return nil, err
	}
	bars, ok := value.([]domain.DailyPrice)
	if !ok {
		return nil, fmt.Errorf("unexpected cached value %T for key %s", value, key)
	}
	return bars, nil
}

// Buy places a market buy order and returns the brokerage order ID.
func (s *Service) Buy(ctx context.Context, symbol string, quantity int64) (string, error) {
	return s.placeOrder(ctx, symbol, domain.Buy, quantity)
}

// Sell places a market sell order and returns the brokerage order ID.
func (s *Service) Sell(ctx context.Context, symbol string, quantity int64) (string, error) {
	return s.placeOrder(ctx, symbol, domain.Sell, quantity)
}

func (s *Service) placeOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity int64) (string, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot place %s order for %s without a token: %w", side, symbol, err)
	}
	orderID, err := s.api.PlaceOrder(ctx, token, symbol, side, quantity)
	if err != nil {
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues(string(side)).Inc()
	return orderID, nil
}
