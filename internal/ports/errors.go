package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers
// can branch with errors.Is without importing adapter packages.
var (
	// General errors
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Brokerage API errors
	ErrRateLimited      = errors.New("brokerage API rate limit exceeded")
	ErrTokenContention  = errors.New("token issuance rejected due to concurrent request")
	ErrInvalidQuote     = errors.New("quoted price is zero or invalid")
	ErrOrderRejected    = errors.New("brokerage rejected the order")
	ErrBudgetExceeded   = errors.New("quote price exceeds the per-position budget")
	ErrInvalidAccount   = errors.New("malformed brokerage account number")
	ErrTokenUnavailable = errors.New("no valid brokerage token available")

	// Repository errors
	ErrInvalidTransition = errors.New("illegal position status transition")
	ErrConflict          = errors.New("position was not in the expected status")
	ErrQueryFailed       = errors.New("database query failed")
)
