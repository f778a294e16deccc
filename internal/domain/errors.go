package domain

import "errors"

// Venue and request errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrUnknownVenue        = errors.New("unknown venue")
	ErrNoLiquidity         = errors.New("no liquidity")
	ErrMissingOrderID      = errors.New("missing order id")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ErrTransient marks connectivity faults to the broker, cache or store.
// Work that fails with it may be retried after a reconnect.
var ErrTransient = errors.New("transient infrastructure fault")

// ErrTaskExpired is returned for a task dequeued after its deadline.
var ErrTaskExpired = errors.New("task expired")
