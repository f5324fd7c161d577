package ports

import (
	"context"
	"time"

	"kisTradeBot/internal/domain"
)

// PositionRepository defines the persistence interface for positions.
// Only single-row atomic updates are required; the lifecycle manager is
// the sole writer apart from CreatePending.
type PositionRepository interface {
	// CreatePending saves a new pending position and returns its ID.
	CreatePending(ctx context.Context, pos *domain.Position) (int64, error)
	// ListPending retrieves all positions awaiting a buy order.
	ListPending(ctx context.Context) ([]*domain.Position, error)
	// ListOpen retrieves all positions currently holding shares.
	ListOpen(ctx context.Context) ([]*domain.Position, error)
	// UpdateStatus moves a position from one status to another. The
	// update is guarded: it fails with ErrConflict if the stored status
	// is not `from`, and with ErrInvalidTransition if the edge is not
	// part of the state machine.
	UpdateStatus(ctx context.Context, id int64, from, to domain.PositionStatus) error
	// RecordFill stores the fill of a buy order (quantity and average
	// price) and promotes the position from buying to open.
	RecordFill(ctx context.Context, id int64, quantity, avgPrice int64) error
	// FindByID retrieves a position by ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// ListAll retrieves every position, newest first.
	ListAll(ctx context.Context) ([]*domain.Position, error)
}

// SharedToken is the singleton brokerage credential shared by every
// process trading against the same account.
type SharedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenStore persists the shared brokerage token. Writers use
// upsert-with-overwrite semantics: losing a write race is harmless
// because any valid token is as good as any other.
type TokenStore interface {
	// ReadToken returns the stored token, or nil, nil when absent.
	ReadToken(ctx context.Context) (*SharedToken, error)
	// UpsertToken inserts or replaces the singleton token record.
	UpsertToken(ctx context.Context, accessToken string, expiresAt time.Time) error
}
