package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"kisTradeBot/internal/metrics"
	"kisTradeBot/internal/ports"
)

const (
	defaultSafetyMargin = 5 * time.Minute
	defaultMaxAttempts  = 3
)

// tokenIssuer is the slice of the brokerage API the broker needs.
type tokenIssuer interface {
	IssueToken(ctx context.Context) (token string, expiresIn time.Duration, err error)
}

// Broker hands out a currently-valid brokerage token shared across all
// processes trading against the same account. The persistent store is
// the source of truth; a fresh token is minted only when the stored one
// is absent or inside the expiry safety margin. A process-local mutex
// prevents a refresh storm from within one process, and issuance
// contention with other processes is retried with jitter while
// re-checking the store, since the other process may have won.
type Broker struct {
	store        ports.TokenStore
	issuer       tokenIssuer
	logger       ports.Logger
	safetyMargin time.Duration
	maxAttempts  int
	instanceID   string

	mu  sync.Mutex
	now func() time.Time
}

// Config holds configuration for the credential broker.
type Config struct {
	Store        ports.TokenStore
	Issuer       tokenIssuer
	Logger       ports.Logger
	SafetyMargin time.Duration // treat tokens as expired this long before they are; defaults to 5m
	MaxAttempts  int           // issuance attempts on contention; defaults to 3
}

// New creates a credential broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil || cfg.Issuer == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("store, issuer and logger are required for credential broker")
	}
	margin := cfg.SafetyMargin
	if margin <= 0 {
		margin = defaultSafetyMargin
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Broker{
		store:        cfg.Store,
		issuer:       cfg.Issuer,
		logger:       cfg.Logger,
		safetyMargin: margin,
		maxAttempts:  attempts,
		instanceID:   uuid.NewString(),
		now:          time.Now,
	}, nil
}

// Token returns a currently-valid access token, never an expired one.
func (b *Broker) Token(ctx context.Context) (string, error) {
	if token := b.storedToken(ctx); token != "" {
		return token, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-check under the lock: another goroutine in this process may
	// have refreshed while we waited.
	if token := b.storedToken(ctx); token != "" {
		return token, nil
	}

	return b.issue(ctx)
}

// storedToken reads the shared store and returns the token only when it
// is outside the safety margin. Read failures degrade to a miss so the
// broker can still mint a token of its own.
func (b *Broker) storedToken(ctx context.Context) string {
	stored, err := b.store.ReadToken(ctx)
	if err != nil {
		b.logger.Warn(ctx, "Failed to read shared token from store", map[string]interface{}{"error": err.Error()})
		return ""
	}
	if stored == nil {
		return ""
	}
	if !b.now().Add(b.safetyMargin).Before(stored.ExpiresAt) {
		b.logger.Debug(ctx, "Stored token is expired or inside the safety margin", map[string]interface{}{"expiresAt": stored.ExpiresAt})
		return ""
	}
	return stored.AccessToken
}

// issue mints a fresh token, retrying contention with jittered delays.
// Before each retry the store is re-checked: the contention means some
// other process hit the issuance endpoint at the same moment, and it
// may have already published a usable token.
func (b *Broker) issue(ctx context.Context) (string, error) {
	bo := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := bo.Duration()
			b.logger.Info(ctx, "Retrying token issuance", map[string]interface{}{
				"attempt": attempt,
				"max":     b.maxAttempts,
				"delay":   delay.String(),
				"broker":  b.instanceID,
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}

			if token := b.storedToken(ctx); token != "" {
				b.logger.Info(ctx, "Another process issued a token, using the shared one")
				return token, nil
			}
		}

		token, ttl, err := b.issuer.IssueToken(ctx)
		if err != nil {
			lastErr = err
			if errors.Is(err, ports.ErrTokenContention) && attempt < b.maxAttempts {
				b.logger.Warn(ctx, "Token issuance contention, will retry", map[string]interface{}{"attempt": attempt})
				continue
			}
			return "", fmt.Errorf("token issuance failed: %w", err)
		}

		expiresAt := b.now().Add(ttl)
		if err := b.store.UpsertToken(ctx, token, expiresAt); err != nil {
			// The token itself is usable; losing the shared copy only
			// costs other processes a re-issue.
			b.logger.Warn(ctx, "Failed to persist shared token", map[string]interface{}{"error": err.Error()})
		}
		metrics.TokenIssuances.Inc()
		b.logger.Info(ctx, "Token issued and shared", map[string]interface{}{"expiresAt": expiresAt, "broker": b.instanceID})
		return token, nil
	}

	return "", fmt.Errorf("token issuance failed after %d attempts: %w", b.maxAttempts, lastErr)
}
