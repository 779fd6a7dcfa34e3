package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/poolhouse/poolhouse/internal/domain"
)

// Manager defines the interface for bounded resource pool management.
type Manager interface {
	// Acquire obtains a slot, reusing an idle one when possible and
	// creating a new resource while the pool is below capacity. On a
	// saturated pool it waits FIFO behind earlier callers until a slot
	// frees or the deadline elapses. The deadline comes from ctx when it
	// carries one, otherwise from the configured acquire timeout; with
	// no deadline at all the call fails fast.
	// Returns ErrPoolExhausted on timeout, ErrPoolClosed after shutdown.
	Acquire(ctx context.Context) (*domain.Slot, error)

	// TryAcquire is Acquire without the waiting: a saturated pool fails
	// immediately with ErrPoolExhausted.
	TryAcquire(ctx context.Context) (*domain.Slot, error)

	// Release returns a held slot to the pool. The slot goes to the head
	// waiter when one is queued, otherwise back to the idle set.
	// Releasing an untracked or not-in-use slot fails with
	// ErrUnknownResource and changes nothing.
	Release(slotID string) error

	// Stats returns a point-in-time snapshot of pool state.
	Stats() domain.PoolStats

	// Shutdown closes the pool: queued waiters fail with ErrPoolClosed,
	// every resource is destroyed regardless of state, and the reaper is
	// stopped and awaited. Idempotent; concurrent callers block until
	// the first call completes.
	Shutdown() error
}

// Config holds the pool sizing and lifecycle knobs.
type Config struct {
	MinSize        int           // reap floor, never shrink below this
	MaxSize        int           // hard cap on resources, live or in construction
	AcquireTimeout time.Duration // default wait budget; 0 = fail-fast, never queue
	IdleTimeout    time.Duration // idle age at which the reaper may close a slot
	ReapInterval   time.Duration // how often the reaper sweeps

	// DegradedThreshold is the utilization percentage at or above which
	// stats report the pool as degraded. Zero means the default of 90.
	DegradedThreshold float64
}

// DefaultConfig returns sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		MinSize:           0,
		MaxSize:           10,
		AcquireTimeout:    30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		ReapInterval:      30 * time.Second,
		DegradedThreshold: 90,
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("min size must be >= 0, got %d", c.MinSize)
	}
	if c.MaxSize < 1 {
		return fmt.Errorf("max size must be >= 1, got %d", c.MaxSize)
	}
	if c.MaxSize < c.MinSize {
		return fmt.Errorf("max size %d must not be below min size %d", c.MaxSize, c.MinSize)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire timeout must be >= 0, got %s", c.AcquireTimeout)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be > 0, got %s", c.IdleTimeout)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be > 0, got %s", c.ReapInterval)
	}
	if c.DegradedThreshold < 0 {
		return fmt.Errorf("degraded threshold must be >= 0, got %v", c.DegradedThreshold)
	}
	return nil
}
