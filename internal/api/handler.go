// Package api exposes the pool over HTTP: lease checkout and return,
// pool statistics, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
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

// ErrorResponse is the JSON body for all error replies.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ExtendRequest is the optional body for lease extension.
type ExtendRequest struct {
	TTLMs int64 `json:"ttl_ms"`
}

// LeaseResponse is a lease plus the remaining time, precomputed so
// clients need not parse timestamps to schedule a renewal.
type LeaseResponse struct {
	*lease.Lease
	ExpiresInMs int64 `json:"expires_in_ms"`
}

func leaseResponse(l *lease.Lease) LeaseResponse {
	return LeaseResponse{Lease: l, ExpiresInMs: time.Until(l.ExpiresAt).Milliseconds()}
}

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	cfg     *config.Config
	pool    pool.Manager
	leases  *lease.Manager
	limiter ratelimit.Limiter
	metrics *metrics.Collector
	logger  *logging.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	cfg *config.Config,
	p pool.Manager,
	leases *lease.Manager,
	limiter ratelimit.Limiter,
	m *metrics.Collector,
	logger *logging.Logger,
) *Handler {
	return &Handler{
		cfg:     cfg,
		pool:    p,
		leases:  leases,
		limiter: limiter,
		metrics: m,
		logger:  logger.With("component", "api"),
	}
}

// Router returns the configured Gin router.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(h.logger))
	r.Use(Metrics(h.metrics))

	// Health and metrics stay outside authentication so probes and
	// scrapers need no credentials.
	r.GET("/health", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1", APIKeyAuth(h.cfg.Server.APIKey))
	{
		leases := v1.Group("/leases")
		{
			// Only checkout is rate limited; it is the path that can
			// consume pool capacity.
			leases.POST("", RateLimit(h.limiter, h.metrics, h.logger), h.checkoutLease)
			leases.GET("/:id", h.getLease)
			leases.POST("/:id/extend", h.extendLease)
			leases.DELETE("/:id", h.returnLease)
		}

		v1.GET("/pool/stats", h.poolStats)
	}

	return r
}

// health reports liveness plus a coarse pool picture. Status flips to
// degraded when utilization crosses the configured threshold; the HTTP
// status stays 200 because degraded is advisory, not an outage.
func (h *Handler) health(c *gin.Context) {
	st := h.pool.Stats()
	status := "ok"
	if st.Degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"factory": h.cfg.Factory.Kind,
		"leases":  h.leases.Count(),
	})
}

// checkoutLease checks one slot out of the pool as a fresh lease.
// The wait budget comes from the timeout_ms query parameter: absent
// means the pool's configured default, zero means fail fast.
func (h *Handler) checkoutLease(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		l   *lease.Lease
		err error
	)
	if raw, ok := c.GetQuery("timeout_ms"); ok {
		ms, perr := strconv.Atoi(raw)
		if perr != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "timeout_ms must be a non-negative integer",
				Code:  "BAD_REQUEST",
			})
			return
		}
		if ms == 0 {
			l, err = h.leases.TryCheckout(ctx)
		} else {
			waitCtx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
			defer cancel()
			l, err = h.leases.Checkout(waitCtx)
		}
	} else {
		l, err = h.leases.Checkout(ctx)
	}
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, leaseResponse(l))
}

// getLease returns the current state of a lease.
func (h *Handler) getLease(c *gin.Context) {
	l, err := h.leases.Get(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, leaseResponse(l))
}

// extendLease renews a lease, subject to the maximum TTL.
func (h *Handler) extendLease(c *gin.Context) {
	var req ExtendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "invalid request body: " + err.Error(),
				Code:  "BAD_REQUEST",
			})
			return
		}
	}
	if req.TTLMs < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "ttl_ms must be non-negative",
			Code:  "BAD_REQUEST",
		})
		return
	}

	l, err := h.leases.Extend(c.Param("id"), time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, leaseResponse(l))
}

// returnLease ends a lease and frees its slot.
func (h *Handler) returnLease(c *gin.Context) {
	if err := h.leases.Return(c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// poolStats returns current pool statistics.
func (h *Handler) poolStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Stats())
}

// renderError maps domain errors onto HTTP statuses. Exhaustion and
// closure both answer 503 but with distinct codes, so clients can tell
// retry-with-backoff from give-up.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrPoolExhausted):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "POOL_EXHAUSTED"})
	case errors.Is(err, domain.ErrPoolClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "POOL_CLOSED"})
	case errors.Is(err, domain.ErrResourceCreation):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "RESOURCE_CREATION_FAILED"})
	case errors.Is(err, domain.ErrLeaseNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "LEASE_NOT_FOUND"})
	case errors.Is(err, domain.ErrExtendLimit):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "EXTEND_LIMIT"})
	case errors.Is(err, domain.ErrUnknownResource):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_RESOURCE"})
	default:
		h.logger.Error("unhandled error in API handler", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}
}
