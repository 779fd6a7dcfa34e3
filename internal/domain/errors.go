package domain

import "errors"

var (
	// ErrResourceCreation is returned when the factory fails to produce a
	// resource. The factory's error is attached via wrapping; the failed
	// attempt never counts against the pool's capacity.
	ErrResourceCreation = errors.New("resource creation failed")

	// ErrPoolExhausted is returned when no slot became available before the
	// caller's deadline. Retryable.
	ErrPoolExhausted = errors.New("pool exhausted: no slots available")

	// ErrUnknownResource is returned when releasing a slot the pool does not
	// track as in use. This indicates a caller bug (double release, foreign
	// handle) and has no effect on pool state.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrPoolClosed is returned for any operation attempted after shutdown.
	// Not retryable.
	ErrPoolClosed = errors.New("pool closed")

	// ErrLeaseNotFound is returned when the requested lease doesn't exist or
	// was already returned.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrExtendLimit is returned when a lease extension would exceed the
	// maximum lifetime.
	ErrExtendLimit = errors.New("lease extension limit reached")

	// ErrRateLimited is returned when the caller has exceeded their rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)
