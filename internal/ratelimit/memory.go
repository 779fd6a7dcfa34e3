package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	evictInterval = time.Minute
	entryIdleTTL  = 10 * time.Minute
)

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory implements Limiter with one token bucket per key. Buckets for
// clients not seen in a while are evicted by a background loop so the
// map cannot grow without bound.
type Memory struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*memoryEntry

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func NewMemory(rps float64, burst int) *Memory {
	m := &Memory{
		rps:     rate.Limit(rps),
		burst:   burst,
		entries: make(map[string]*memoryEntry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{limiter: rate.NewLimiter(m.rps, m.burst)}
		m.entries[key] = e
	}
	e.lastSeen = time.Now()
	m.mu.Unlock()

	return e.limiter.Allow(), nil
}

func (m *Memory) evictLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictStale(time.Now().Add(-entryIdleTTL))
		}
	}
}

// evictStale drops buckets whose owner has not been seen since cutoff.
func (m *Memory) evictStale(cutoff time.Time) {
	m.mu.Lock()
	for key, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

// Close stops the eviction loop.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
	return nil
}

var _ Limiter = (*Memory)(nil)
