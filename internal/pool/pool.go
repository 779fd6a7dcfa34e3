// Package pool implements a bounded, concurrency-safe resource pool with
// idle reuse, FIFO waiting, and background reaping of stale resources.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/poolhouse/poolhouse/internal/domain"
	"github.com/poolhouse/poolhouse/internal/factory"
	"github.com/poolhouse/poolhouse/internal/metrics"
	"github.com/poolhouse/poolhouse/pkg/logging"
)

// pingTimeout bounds one round of idle health checks.
const pingTimeout = 5 * time.Second

// waiter represents one blocked acquire call. Its channel carries either
// a slot (ownership hand-off, already in use) or nil (a retry token:
// capacity freed and the caller should re-attempt).
type waiter struct {
	ch chan *domain.Slot
}

// Pool is the bounded resource pool. One mutex serializes every state
// transition: the slot map, the idle list, the waiter queue and the
// counters change only under mu, so no two acquirers can ever observe
// the same slot as available.
type Pool struct {
	cfg     Config
	factory factory.Factory
	pinger  factory.Pinger // non-nil when the factory can health-check handles
	logger  *logging.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	slots    map[string]*domain.Slot // every live slot, idle or in use
	idle     []*domain.Slot          // released slots, oldest release first
	waiters  []*waiter               // blocked acquirers, FIFO
	creating int                     // factory calls in flight, reserving capacity
	closed   bool

	acquires         uint64
	releases         uint64
	timeouts         uint64
	creations        uint64
	creationFailures uint64
	reaped           uint64

	stopCh       chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
}

// New builds a pool around the given factory and starts its reaper.
// Resources are created on demand only; MinSize is a floor for the
// reaper, not a pre-warmed target.
func New(cfg Config, f factory.Factory, logger *logging.Logger, m *metrics.Collector) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.DegradedThreshold == 0 {
		cfg.DegradedThreshold = 90
	}

	p := &Pool{
		cfg:     cfg,
		factory: f,
		logger:  logger.With("component", "pool"),
		metrics: m,
		slots:   make(map[string]*domain.Slot),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if pinger, ok := f.(factory.Pinger); ok {
		p.pinger = pinger
	}

	go p.reapLoop()
	return p, nil
}

// Acquire obtains a slot. The wait deadline comes from ctx when it
// carries one, otherwise from the configured acquire timeout; with no
// deadline from either source the call fails fast on a saturated pool.
func (p *Pool) Acquire(ctx context.Context) (*domain.Slot, error) {
	_, hasDeadline := ctx.Deadline()
	if !hasDeadline && p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
		hasDeadline = true
	}
	return p.acquire(ctx, hasDeadline)
}

// TryAcquire is Acquire without the waiting: a saturated pool fails
// immediately with ErrPoolExhausted regardless of any deadline on ctx.
func (p *Pool) TryAcquire(ctx context.Context) (*domain.Slot, error) {
	return p.acquire(ctx, false)
}

func (p *Pool) acquire(ctx context.Context, wait bool) (*domain.Slot, error) {
	start := time.Now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.countAcquire("closed")
			return nil, domain.ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			deadline := errors.Is(err, context.DeadlineExceeded)
			if deadline {
				p.timeouts++
			}
			p.mu.Unlock()
			if deadline {
				p.countAcquire("timeout")
				return nil, fmt.Errorf("%w: %v", domain.ErrPoolExhausted, err)
			}
			p.countAcquire("canceled")
			return nil, err
		}

		// Fast path: most recently released slot first.
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			s.State = domain.StateInUse
			s.LastUsedAt = time.Now()
			s.UseCount++
			p.acquires++
			p.mu.Unlock()
			p.observeAcquire(start, "idle_hit")
			return s, nil
		}

		// Slow path: grow the pool while live and in-flight creations
		// stay under the cap.
		if len(p.slots)+p.creating < p.cfg.MaxSize {
			p.creating++
			p.mu.Unlock()
			s, err := p.create(ctx)
			if err != nil {
				return nil, err
			}
			p.observeAcquire(start, "created")
			return s, nil
		}

		// Saturated.
		if !wait {
			p.mu.Unlock()
			p.countAcquire("exhausted")
			return nil, domain.ErrPoolExhausted
		}

		// Blocking path: queue behind earlier callers.
		w := &waiter{ch: make(chan *domain.Slot, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case s := <-w.ch:
			if s != nil {
				p.observeAcquire(start, "handoff")
				return s, nil
			}
			// Retry token: capacity freed without a slot attached
			// (failed creation or shutdown). Re-run against current
			// pool state.
		case <-ctx.Done():
			err := ctx.Err()
			deadline := errors.Is(err, context.DeadlineExceeded)
			p.mu.Lock()
			removed := p.removeWaiterLocked(w)
			if deadline {
				p.timeouts++
			}
			p.mu.Unlock()
			if !removed {
				// A hand-off raced our departure. The sender dequeued
				// us under the lock and has already parked its value,
				// so this receive cannot block.
				if s := <-w.ch; s != nil {
					p.giveBack(s)
				}
			}
			if deadline {
				p.countAcquire("timeout")
				return nil, fmt.Errorf("%w: %v", domain.ErrPoolExhausted, err)
			}
			p.countAcquire("canceled")
			return nil, err
		}
	}
}

// create runs the factory outside the lock; capacity was reserved by the
// caller via the creating counter.
func (p *Pool) create(ctx context.Context) (*domain.Slot, error) {
	start := time.Now()
	handle, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.creationFailures++
		// The reserved capacity is free again; wake the head waiter so
		// it can retry instead of sitting out its full deadline.
		p.wakeOneLocked()
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.CreationsTotal.WithLabelValues("error").Inc()
			p.metrics.AcquiresTotal.WithLabelValues("factory_error").Inc()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrResourceCreation, err)
	}
	p.creations++
	if p.closed {
		p.mu.Unlock()
		// Shutdown won the race; the fresh resource never joins the pool.
		if derr := p.factory.Destroy(handle); derr != nil {
			p.logger.Warn("failed to destroy resource created during shutdown", "error", derr)
		}
		if p.metrics != nil {
			p.metrics.CreationsTotal.WithLabelValues("ok").Inc()
			p.metrics.AcquiresTotal.WithLabelValues("closed").Inc()
		}
		return nil, domain.ErrPoolClosed
	}
	s := domain.NewInUseSlot(handle)
	p.slots[s.ID] = s
	p.acquires++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.CreationsTotal.WithLabelValues("ok").Inc()
		p.metrics.CreateDuration.Observe(time.Since(start).Seconds())
	}
	p.logger.Debug("created resource", "slot_id", s.ID, "duration", time.Since(start))
	return s, nil
}

// Release returns a held slot to the pool.
func (p *Pool) Release(slotID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPoolClosed
	}
	s, ok := p.slots[slotID]
	if !ok {
		p.mu.Unlock()
		p.countRelease("unknown")
		return fmt.Errorf("%w: %s", domain.ErrUnknownResource, slotID)
	}
	if s.State != domain.StateInUse {
		p.mu.Unlock()
		p.countRelease("unknown")
		return fmt.Errorf("%w: slot %s is %s, not in use", domain.ErrUnknownResource, slotID, s.State)
	}
	outcome := p.releaseLocked(s)
	p.mu.Unlock()
	p.countRelease(outcome)
	return nil
}

// releaseLocked routes a freshly released slot: head waiter first,
// otherwise the idle set. mu must be held.
func (p *Pool) releaseLocked(s *domain.Slot) string {
	s.LastUsedAt = time.Now()
	p.releases++
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]
		// Ownership moves directly; the slot never passes through idle.
		s.UseCount++
		p.acquires++
		w.ch <- s
		return "handoff"
	}
	s.State = domain.StateIdle
	p.idle = append(p.idle, s)
	return "idle"
}

// giveBack re-releases a slot whose hand-off recipient gave up before
// collecting it.
func (p *Pool) giveBack(s *domain.Slot) {
	p.mu.Lock()
	if p.closed {
		// Shutdown collected the slot from the live set and destroys
		// its handle there.
		p.mu.Unlock()
		return
	}
	// The hand-off never reached its caller; undo its accounting before
	// re-routing the slot.
	s.UseCount--
	p.acquires--
	p.releases--
	outcome := p.releaseLocked(s)
	p.mu.Unlock()
	p.countRelease(outcome)
}

// wakeOneLocked releases the head waiter with no slot attached, telling
// it to re-run its acquire attempt. mu must be held.
func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	w.ch <- nil
}

// matchWaitersLocked hands idle slots to queued waiters, newest idle
// first, head waiter first. mu must be held.
func (p *Pool) matchWaitersLocked() {
	for len(p.waiters) > 0 && len(p.idle) > 0 {
		n := len(p.idle) - 1
		s := p.idle[n]
		p.idle[n] = nil
		p.idle = p.idle[:n]
		s.State = domain.StateInUse
		s.LastUsedAt = time.Now()
		s.UseCount++
		p.acquires++

		w := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]
		w.ch <- s
	}
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns a point-in-time snapshot of pool state. After shutdown
// the counts are zero while the lifetime counters keep their values.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idle)
	active := len(p.slots) - idle
	st := domain.PoolStats{
		Active:           active,
		Idle:             idle,
		Max:              p.cfg.MaxSize,
		Pending:          len(p.waiters),
		Acquires:         p.acquires,
		Releases:         p.releases,
		Timeouts:         p.timeouts,
		Creations:        p.creations,
		CreationFailures: p.creationFailures,
		Reaped:           p.reaped,
	}
	st.UtilizationPercent = float64(active) / float64(p.cfg.MaxSize) * 100
	st.Degraded = st.UtilizationPercent >= p.cfg.DegradedThreshold
	return st
}

// Shutdown closes the pool. Idempotent; concurrent callers block until
// the first call finishes.
func (p *Pool) Shutdown() error {
	p.shutdownOnce.Do(p.doShutdown)
	return nil
}

func (p *Pool) doShutdown() {
	p.mu.Lock()
	p.closed = true
	victims := make([]*domain.Slot, 0, len(p.slots))
	for _, s := range p.slots {
		s.State = domain.StateClosed
		victims = append(victims, s)
	}
	p.slots = make(map[string]*domain.Slot)
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	// Every queued acquirer wakes, re-checks state, finds the pool
	// closed, and fails with ErrPoolClosed.
	for _, w := range waiters {
		w.ch <- nil
	}

	// Stop the reaper and wait out any sweep already in flight before
	// touching the handles it may still be examining.
	close(p.stopCh)
	<-p.doneCh

	for _, s := range victims {
		p.destroySlot(s, "shutdown")
	}

	p.logger.Info("pool shut down",
		"destroyed", len(victims), "failed_waiters", len(waiters))
}

func (p *Pool) reapLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

// reapOnce closes idle slots that outlived the idle timeout, oldest
// first, never shrinking the pool below MinSize. When the factory can
// health-check handles, the surviving idle slots are then pinged and
// broken ones closed regardless of the floor.
func (p *Pool) reapOnce() {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var expired []*domain.Slot
	for len(p.idle) > 0 && len(p.slots) > p.cfg.MinSize {
		s := p.idle[0]
		// Oldest release first; everything behind it is fresher.
		if start.Sub(s.LastUsedAt) < p.cfg.IdleTimeout {
			break
		}
		p.idle[0] = nil
		p.idle = p.idle[1:]
		s.State = domain.StateClosed
		delete(p.slots, s.ID)
		expired = append(expired, s)
	}
	p.reaped += uint64(len(expired))

	// Borrow the surviving idle slots for health checks so no caller
	// can start using a handle mid-ping.
	var candidates []*domain.Slot
	if p.pinger != nil {
		candidates = p.idle
		p.idle = nil
	}
	p.mu.Unlock()

	for _, s := range expired {
		p.destroySlot(s, "idle_timeout")
	}
	if len(expired) > 0 {
		p.logger.Debug("reaped idle slots", "count", len(expired))
		if p.metrics != nil {
			p.metrics.ReapedTotal.Add(float64(len(expired)))
		}
	}

	if len(candidates) > 0 {
		p.reapUnhealthy(candidates)
	}

	if p.metrics != nil {
		p.metrics.ReapSweepDuration.Observe(time.Since(start).Seconds())
	}
}

// reapUnhealthy pings borrowed idle slots and closes those that fail,
// ignoring MinSize: a broken resource serves nobody. Healthy slots go
// back to the front of the idle list, and waiters that queued up during
// the checks are served immediately.
func (p *Pool) reapUnhealthy(candidates []*domain.Slot) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	var healthy, broken []*domain.Slot
	for _, s := range candidates {
		if err := p.pinger.Ping(ctx, s.Handle); err != nil {
			p.logger.Warn("idle resource failed health check", "slot_id", s.ID, "error", err)
			broken = append(broken, s)
			continue
		}
		healthy = append(healthy, s)
	}

	p.mu.Lock()
	if p.closed {
		// Shutdown owns every borrowed slot now; it destroys them via
		// the live set.
		p.mu.Unlock()
		return
	}
	for _, s := range broken {
		s.State = domain.StateClosed
		delete(p.slots, s.ID)
	}
	p.reaped += uint64(len(broken))
	p.idle = append(healthy, p.idle...)
	p.matchWaitersLocked()
	p.mu.Unlock()

	for _, s := range broken {
		p.destroySlot(s, "unhealthy")
	}
	if len(broken) > 0 && p.metrics != nil {
		p.metrics.ReapedTotal.Add(float64(len(broken)))
	}
}

// destroySlot tears down a slot's resource. Teardown failures are
// logged, never propagated; the slot is gone from the pool either way.
func (p *Pool) destroySlot(s *domain.Slot, reason string) {
	if err := p.factory.Destroy(s.Handle); err != nil {
		p.logger.Warn("failed to destroy resource",
			"slot_id", s.ID, "reason", reason, "error", err)
	}
}

func (p *Pool) observeAcquire(start time.Time, result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.AcquiresTotal.WithLabelValues(result).Inc()
	p.metrics.AcquireDuration.Observe(time.Since(start).Seconds())
}

func (p *Pool) countAcquire(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.AcquiresTotal.WithLabelValues(result).Inc()
}

func (p *Pool) countRelease(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ReleasesTotal.WithLabelValues(outcome).Inc()
}

// Compile-time check that Pool implements Manager
var _ Manager = (*Pool)(nil)
