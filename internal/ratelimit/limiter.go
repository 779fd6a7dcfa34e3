// Package ratelimit bounds how often a single client may hit the acquire
// path. The memory backend keeps per-client token buckets in process; the
// valkey backend shares a fixed window across replicas.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/poolhouse/poolhouse/internal/config"
)

// Limiter decides whether a client identified by key may proceed.
type Limiter interface {
	// Allow reports whether key may proceed. Backend errors are returned
	// to the caller, which decides whether to fail open.
	Allow(ctx context.Context, key string) (bool, error)
}

// Noop allows everything. Used when rate limiting is switched off.
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) {
	return true, nil
}

var _ Limiter = Noop{}

// New builds the limiter selected by cfg.Backend.
func New(cfg *config.RateLimitConfig) (Limiter, error) {
	switch cfg.Backend {
	case "", "off":
		return Noop{}, nil
	case "memory":
		return NewMemory(cfg.RPS, cfg.Burst), nil
	case "valkey":
		return NewValkey(cfg)
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
