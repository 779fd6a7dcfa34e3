package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/valkey-io/valkey-go"

	"github.com/poolhouse/poolhouse/internal/config"
)

const keyPrefix = "ratelimit:"

// checkAndIncrementScript atomically counts a request against a fixed
// window and reports whether it fit.
// KEYS[1] = window key (ratelimit:{client})
// ARGV[1] = request limit per window
// ARGV[2] = window length in seconds
// Returns: 1 if allowed (incremented), 0 if denied (limit reached)
var checkAndIncrementScript = valkey.NewLuaScript(`
local key = KEYS[1]
local limit, window = tonumber(ARGV[1]), tonumber(ARGV[2])
local count = tonumber(redis.call('GET', key) or '0')
if count >= limit then
    return 0
end
count = redis.call('INCR', key)
if count == 1 then
    redis.call('EXPIRE', key, window)
end
return 1
`)

// Valkey implements Limiter with a fixed window shared across replicas.
// The check and the increment run as one script, so two replicas cannot
// both admit the request that crosses the limit.
type Valkey struct {
	client    valkey.Client
	perWindow int
	windowSec int
}

func NewValkey(cfg *config.RateLimitConfig) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyAddr},
		Password:    cfg.ValkeyPassword,
		SelectDB:    cfg.ValkeyDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return &Valkey{
		client:    client,
		perWindow: cfg.PerWindow,
		windowSec: int(cfg.Window.Seconds()),
	}, nil
}

func (v *Valkey) Allow(ctx context.Context, key string) (bool, error) {
	result := checkAndIncrementScript.Exec(
		ctx,
		v.client,
		[]string{keyPrefix + key},
		[]string{strconv.Itoa(v.perWindow), strconv.Itoa(v.windowSec)},
	)
	allowed, err := result.ToInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute rate limit script: %w", err)
	}
	return allowed == 1, nil
}

// Close releases the Valkey client.
func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}

var _ Limiter = (*Valkey)(nil)
