// Package lease tracks pool slots checked out over the HTTP API. A lease
// wraps one slot with an expiry so abandoned checkouts are reclaimed by a
// background sweeper instead of holding capacity forever.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poolhouse/poolhouse/internal/config"
	"github.com/poolhouse/poolhouse/internal/domain"
	"github.com/poolhouse/poolhouse/internal/metrics"
	"github.com/poolhouse/poolhouse/internal/pool"
	"github.com/poolhouse/poolhouse/pkg/logging"
)

// Lease couples a pool slot with an expiry. The lease ID doubles as the
// slot ID, so returning a lease releases exactly the slot it wraps.
type Lease struct {
	ID        string       `json:"id"`
	Slot      *domain.Slot `json:"slot"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Manager checks slots out of the pool as leases and reclaims them when
// they expire or are returned.
type Manager struct {
	pool    pool.Manager
	cfg     config.LeaseConfig
	logger  *logging.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	leases map[string]*Lease

	stopCh  chan struct{}
	doneCh  chan struct{}
	loopMu  sync.Mutex
	running bool
}

func NewManager(p pool.Manager, cfg config.LeaseConfig, logger *logging.Logger, m *metrics.Collector) *Manager {
	return &Manager{
		pool:    p,
		cfg:     cfg,
		logger:  logger.With("component", "lease"),
		metrics: m,
		leases:  make(map[string]*Lease),
	}
}

// Checkout acquires a slot and registers a lease for it, waiting on a
// saturated pool per the pool's deadline rules.
func (m *Manager) Checkout(ctx context.Context) (*Lease, error) {
	s, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return m.register(s), nil
}

// TryCheckout is Checkout without the waiting.
func (m *Manager) TryCheckout(ctx context.Context) (*Lease, error) {
	s, err := m.pool.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	return m.register(s), nil
}

func (m *Manager) register(s *domain.Slot) *Lease {
	now := time.Now()
	l := &Lease{
		ID:        s.ID,
		Slot:      s,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	m.leases[l.ID] = l
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.LeasesActive.Inc()
	}
	m.logger.Debug("lease checked out", "lease_id", l.ID, "expires_at", l.ExpiresAt)
	return l
}

// Get returns a snapshot of the lease with the given ID.
func (m *Manager) Get(id string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLeaseNotFound, id)
	}
	cp := *l
	return &cp, nil
}

// Extend renews the lease for d from now (the configured TTL when d is
// zero). The new expiry may never pass CreatedAt+MaxTTL; an extension
// that would is rejected with ErrExtendLimit and changes nothing.
func (m *Manager) Extend(id string, d time.Duration) (*Lease, error) {
	if d <= 0 {
		d = m.cfg.TTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLeaseNotFound, id)
	}

	newExpiry := time.Now().Add(d)
	if limit := l.CreatedAt.Add(m.cfg.MaxTTL); newExpiry.After(limit) {
		return nil, fmt.Errorf("%w: lease %s may not live past %s", domain.ErrExtendLimit, id, limit.Format(time.RFC3339))
	}

	l.ExpiresAt = newExpiry
	cp := *l
	return &cp, nil
}

// Return ends the lease and releases its slot back to the pool. The
// registry decides the single releaser: of two racing returns, exactly
// one wins and the other gets ErrLeaseNotFound.
func (m *Manager) Return(id string) error {
	m.mu.Lock()
	_, ok := m.leases[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrLeaseNotFound, id)
	}
	delete(m.leases, id)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.LeasesActive.Dec()
	}

	if err := m.pool.Release(id); err != nil {
		return fmt.Errorf("failed to release slot for lease %s: %w", id, err)
	}
	m.logger.Debug("lease returned", "lease_id", id)
	return nil
}

// Count returns the number of live leases.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Start launches the background sweeper that reclaims expired leases.
func (m *Manager) Start() error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return fmt.Errorf("lease sweeper already running")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.running = true

	go m.sweepLoop()
	return nil
}

// Stop halts the sweeper and waits for it to finish.
func (m *Manager) Stop() error {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return nil
	}
	close(m.stopCh)
	m.running = false
	m.loopMu.Unlock()

	<-m.doneCh
	return nil
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

// sweepOnce reclaims every lease expired as of now.
func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	var expired []*Lease
	for id, l := range m.leases {
		if l.ExpiresAt.Before(now) {
			delete(m.leases, id)
			expired = append(expired, l)
		}
	}
	m.mu.Unlock()

	for _, l := range expired {
		if m.metrics != nil {
			m.metrics.LeasesActive.Dec()
			m.metrics.LeasesExpiredTotal.Inc()
		}
		m.logger.Info("reclaiming expired lease",
			"lease_id", l.ID, "expired_at", l.ExpiresAt, "use_count", l.Slot.UseCount)
		if err := m.pool.Release(l.ID); err != nil {
			m.logger.Warn("failed to release slot for expired lease", "lease_id", l.ID, "error", err)
		}
	}
}
