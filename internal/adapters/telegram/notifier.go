package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"kisTradeBot/internal/domain"
	"kisTradeBot/internal/ports"
)

// Notifier sends trade notifications through the Telegram Bot API.
// When constructed without credentials it is disabled and every call
// becomes a no-op, so callers never need to special-case it.
type Notifier struct {
	botToken   string
	chatID     string
	enabled    bool
	httpClient *http.Client
	logger     ports.Logger
}

// Config holds configuration for the telegram notifier.
type Config struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration // defaults to 10s
	Logger   ports.Logger
}

// New creates a telegram notifier. Empty credentials disable it.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for telegram notifier")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		enabled:    cfg.BotToken != "" && cfg.ChatID != "",
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

// NotifyBuy reports a completed buy fill.
func (n *Notifier) NotifyBuy(ctx context.Context, pos *domain.Position) error {
	text := fmt.Sprintf(
		"[BUY] %s(%s)\nquantity: %d\navg price: %d won\ntotal: %d won",
		pos.Name, pos.Symbol, pos.Quantity, pos.AvgPrice, pos.Quantity*pos.AvgPrice,
	)
	return n.send(ctx, text)
}

// NotifySell reports a completed liquidation with its reason and result.
func (n *Notifier) NotifySell(ctx context.Context, pos *domain.Position, exitPrice int64, reason domain.SellReason) error {
	profit := (exitPrice - pos.AvgPrice) * pos.Quantity
	text := fmt.Sprintf(
		"[SELL] %s(%s) - %s\nquantity: %d\nbuy: %d won -> sell: %d won\nprofit: %+d won (%+.2f%%)",
		pos.Name, pos.Symbol, reason, pos.Quantity, pos.AvgPrice, exitPrice, profit, pos.ProfitRate(exitPrice),
	)
	return n.send(ctx, text)
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if !n.enabled {
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	n.logger.Debug(ctx, "Telegram notification sent")
	return nil
}

var _ ports.Notifier = (*Notifier)(nil)
