package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poolhouse/poolhouse/internal/config"
	"github.com/poolhouse/poolhouse/internal/domain"
	"github.com/poolhouse/poolhouse/internal/lease"
	"github.com/poolhouse/poolhouse/internal/metrics"
	"github.com/poolhouse/poolhouse/internal/pool"
	"github.com/poolhouse/poolhouse/internal/ratelimit"
	"github.com/poolhouse/poolhouse/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockPool is a scriptable pool.Manager for handler tests.
type MockPool struct {
	mu           sync.Mutex
	nextID       int
	live         map[string]*domain.Slot
	acquireErr   error
	acquireCalls int
	tryCalls     int
	stats        domain.PoolStats
}

func NewMockPool() *MockPool {
	return &MockPool{live: make(map[string]*domain.Slot)}
}

func (m *MockPool) acquire() (*domain.Slot, error) {
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.nextID++
	s := &domain.Slot{
		ID:         fmt.Sprintf("slot-%d", m.nextID),
		State:      domain.StateInUse,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
		UseCount:   1,
	}
	m.live[s.ID] = s
	return s, nil
}

func (m *MockPool) Acquire(ctx context.Context) (*domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++
	return m.acquire()
}

func (m *MockPool) TryAcquire(ctx context.Context) (*domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tryCalls++
	return m.acquire()
}

func (m *MockPool) Release(slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[slotID]; !ok {
		return domain.ErrUnknownResource
	}
	delete(m.live, slotID)
	return nil
}

func (m *MockPool) Stats() domain.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *MockPool) Shutdown() error { return nil }

var _ pool.Manager = (*MockPool)(nil)

// testServer bundles a handler, its router and the mock pool behind it.
type testServer struct {
	cfg    *config.Config
	pool   *MockPool
	leases *lease.Manager
	router *gin.Engine
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Factory.Kind = "token"
	cfg.Lease.TTL = time.Minute
	cfg.Lease.MaxTTL = 5 * time.Minute
	cfg.Lease.SweepInterval = time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	p := NewMockPool()
	leases := lease.NewManager(p, cfg.Lease, logging.Nop(), nil)
	h := NewHandler(cfg, p, leases, ratelimit.Noop{}, metrics.NewCollector(), logging.Nop())

	return &testServer{cfg: cfg, pool: p, leases: leases, router: h.Router()}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("failed to unmarshal error response %q: %v", w.Body.String(), err)
	}
	return er
}

func TestNewHandler(t *testing.T) {
	cfg := &config.Config{}
	p := NewMockPool()
	leases := lease.NewManager(p, cfg.Lease, logging.Nop(), nil)

	h := NewHandler(cfg, p, leases, ratelimit.Noop{}, nil, logging.Nop())

	if h == nil {
		t.Fatal("NewHandler returned nil")
	}
	if h.cfg != cfg {
		t.Error("NewHandler did not set config correctly")
	}
	if h.Router() == nil {
		t.Fatal("Router returned nil")
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Factory.Kind = "docker"
	})

	w := ts.do("GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", response["status"])
	}
	if response["factory"] != "docker" {
		t.Errorf("expected factory 'docker', got %q", response["factory"])
	}
	if response["leases"] != float64(0) {
		t.Errorf("expected 0 leases, got %v", response["leases"])
	}
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pool.mu.Lock()
	ts.pool.stats = domain.PoolStats{Active: 9, Max: 10, UtilizationPercent: 90, Degraded: true}
	ts.pool.mu.Unlock()

	w := ts.do("GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d even when degraded, got %d", http.StatusOK, w.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["status"] != "degraded" {
		t.Errorf("expected status 'degraded', got %q", response["status"])
	}
}

func TestCheckoutLease(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do("POST", "/api/v1/leases", nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	var resp struct {
		ID   string `json:"id"`
		Slot struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"slot"`
		ExpiresAt   time.Time `json:"expires_at"`
		ExpiresInMs int64     `json:"expires_in_ms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.ID == "" {
		t.Error("expected a lease ID")
	}
	if resp.Slot.ID != resp.ID {
		t.Errorf("lease ID %q should match slot ID %q", resp.ID, resp.Slot.ID)
	}
	if resp.Slot.State != string(domain.StateInUse) {
		t.Errorf("expected slot state %q, got %q", domain.StateInUse, resp.Slot.State)
	}
	if resp.ExpiresInMs <= 0 || resp.ExpiresInMs > time.Minute.Milliseconds() {
		t.Errorf("expires_in_ms = %d, want within (0, %d]", resp.ExpiresInMs, time.Minute.Milliseconds())
	}
}

func TestCheckoutLease_PoolExhausted(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pool.mu.Lock()
	ts.pool.acquireErr = fmt.Errorf("%w: no capacity", domain.ErrPoolExhausted)
	ts.pool.mu.Unlock()

	w := ts.do("POST", "/api/v1/leases", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on exhaustion")
	}
	if er := decodeError(t, w); er.Code != "POOL_EXHAUSTED" {
		t.Errorf("expected code POOL_EXHAUSTED, got %q", er.Code)
	}
}

func TestCheckoutLease_PoolClosed(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pool.mu.Lock()
	ts.pool.acquireErr = domain.ErrPoolClosed
	ts.pool.mu.Unlock()

	w := ts.do("POST", "/api/v1/leases", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if er := decodeError(t, w); er.Code != "POOL_CLOSED" {
		t.Errorf("expected code POOL_CLOSED, got %q", er.Code)
	}
}

func TestCheckoutLease_CreationFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pool.mu.Lock()
	ts.pool.acquireErr = fmt.Errorf("%w: dial tcp: connection refused", domain.ErrResourceCreation)
	ts.pool.mu.Unlock()

	w := ts.do("POST", "/api/v1/leases", nil)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected status %d, got %d", http.StatusBadGateway, w.Code)
	}
	if er := decodeError(t, w); er.Code != "RESOURCE_CREATION_FAILED" {
		t.Errorf("expected code RESOURCE_CREATION_FAILED, got %q", er.Code)
	}
}

func TestCheckoutLease_TimeoutParam(t *testing.T) {
	t.Run("zero uses fail-fast path", func(t *testing.T) {
		ts := newTestServer(t, nil)

		w := ts.do("POST", "/api/v1/leases?timeout_ms=0", nil)

		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d", http.StatusCreated, w.Code)
		}
		ts.pool.mu.Lock()
		tries, acquires := ts.pool.tryCalls, ts.pool.acquireCalls
		ts.pool.mu.Unlock()
		if tries != 1 || acquires != 0 {
			t.Errorf("expected 1 TryAcquire and 0 Acquire calls, got %d and %d", tries, acquires)
		}
	})

	t.Run("positive uses waiting path", func(t *testing.T) {
		ts := newTestServer(t, nil)

		w := ts.do("POST", "/api/v1/leases?timeout_ms=500", nil)

		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d", http.StatusCreated, w.Code)
		}
		ts.pool.mu.Lock()
		tries, acquires := ts.pool.tryCalls, ts.pool.acquireCalls
		ts.pool.mu.Unlock()
		if tries != 0 || acquires != 1 {
			t.Errorf("expected 0 TryAcquire and 1 Acquire calls, got %d and %d", tries, acquires)
		}
	})

	t.Run("malformed rejected", func(t *testing.T) {
		ts := newTestServer(t, nil)

		for _, raw := range []string{"abc", "-5", "1.5"} {
			w := ts.do("POST", "/api/v1/leases?timeout_ms="+raw, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("timeout_ms=%s: expected status %d, got %d", raw, http.StatusBadRequest, w.Code)
			}
		}
	})
}

func TestGetLease(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.do("POST", "/api/v1/leases", nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d", created.Code)
	}
	var l lease.Lease
	if err := json.Unmarshal(created.Body.Bytes(), &l); err != nil {
		t.Fatalf("failed to unmarshal lease: %v", err)
	}

	w := ts.do("GET", "/api/v1/leases/"+l.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = ts.do("GET", "/api/v1/leases/no-such-lease", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d for unknown lease, got %d", http.StatusNotFound, w.Code)
	}
	if er := decodeError(t, w); er.Code != "LEASE_NOT_FOUND" {
		t.Errorf("expected code LEASE_NOT_FOUND, got %q", er.Code)
	}
}

func TestExtendLease(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Lease.TTL = time.Minute
		cfg.Lease.MaxTTL = 2 * time.Minute
	})

	created := ts.do("POST", "/api/v1/leases", nil)
	var l lease.Lease
	if err := json.Unmarshal(created.Body.Bytes(), &l); err != nil {
		t.Fatalf("failed to unmarshal lease: %v", err)
	}

	t.Run("renew with explicit ttl", func(t *testing.T) {
		w := ts.do("POST", "/api/v1/leases/"+l.ID+"/extend", []byte(`{"ttl_ms": 90000}`))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}
		var renewed lease.Lease
		if err := json.Unmarshal(w.Body.Bytes(), &renewed); err != nil {
			t.Fatalf("failed to unmarshal lease: %v", err)
		}
		if !renewed.ExpiresAt.After(l.ExpiresAt) {
			t.Errorf("expected expiry to move forward: %v -> %v", l.ExpiresAt, renewed.ExpiresAt)
		}
	})

	t.Run("empty body renews with default ttl", func(t *testing.T) {
		w := ts.do("POST", "/api/v1/leases/"+l.ID+"/extend", nil)
		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}
	})

	t.Run("beyond max ttl conflicts", func(t *testing.T) {
		w := ts.do("POST", "/api/v1/leases/"+l.ID+"/extend", []byte(`{"ttl_ms": 600000}`))
		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
		}
		if er := decodeError(t, w); er.Code != "EXTEND_LIMIT" {
			t.Errorf("expected code EXTEND_LIMIT, got %q", er.Code)
		}
	})

	t.Run("negative ttl rejected", func(t *testing.T) {
		w := ts.do("POST", "/api/v1/leases/"+l.ID+"/extend", []byte(`{"ttl_ms": -1}`))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		w := ts.do("POST", "/api/v1/leases/"+l.ID+"/extend", []byte(`{"ttl_ms": "soon"}`))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("unknown lease", func(t *testing.T) {
		w := ts.do("POST", "/api/v1/leases/no-such-lease/extend", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})
}

func TestReturnLease(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.do("POST", "/api/v1/leases", nil)
	var l lease.Lease
	if err := json.Unmarshal(created.Body.Bytes(), &l); err != nil {
		t.Fatalf("failed to unmarshal lease: %v", err)
	}

	w := ts.do("DELETE", "/api/v1/leases/"+l.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d: %s", http.StatusNoContent, w.Code, w.Body.String())
	}

	// Second return must not be able to free the slot again.
	w = ts.do("DELETE", "/api/v1/leases/"+l.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d on double return, got %d", http.StatusNotFound, w.Code)
	}

	ts.pool.mu.Lock()
	remaining := len(ts.pool.live)
	ts.pool.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected slot released back to pool, %d still live", remaining)
	}
}

func TestPoolStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pool.mu.Lock()
	ts.pool.stats = domain.PoolStats{
		Active:             3,
		Idle:               2,
		Max:                10,
		UtilizationPercent: 30,
		Acquires:           17,
	}
	ts.pool.mu.Unlock()

	w := ts.do("GET", "/api/v1/pool/stats", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var st domain.PoolStats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to unmarshal stats: %v", err)
	}
	if st.Active != 3 || st.Idle != 2 || st.Max != 10 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if st.Acquires != 17 {
		t.Errorf("expected 17 acquires, got %d", st.Acquires)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do("GET", "/metrics", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "poolhouse_") {
		t.Error("expected metrics output to contain poolhouse_ series")
	}
}

func TestAPIKeyRequiredForV1(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.APIKey = "sekrit"
	})

	// Health stays open for probes.
	if w := ts.do("GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("expected open health endpoint, got %d", w.Code)
	}

	w := ts.do("GET", "/api/v1/pool/stats", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d without key, got %d", http.StatusUnauthorized, w.Code)
	}

	wr := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/pool/stats", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ts.router.ServeHTTP(wr, req)
	if wr.Code != http.StatusOK {
		t.Errorf("expected status %d with key, got %d", http.StatusOK, wr.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do("GET", "/nonexistent", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d for nonexistent route, got %d", http.StatusNotFound, w.Code)
	}
}
