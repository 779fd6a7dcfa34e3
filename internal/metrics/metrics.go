// Package metrics provides Prometheus instrumentation for the pool server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions by expected operation speed.
var (
	// Fast operations (reap sweeps, in-process bookkeeping)
	fastBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0}

	// Medium operations (acquire end-to-end, HTTP requests)
	mediumBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

	// Slow operations (resource creation - dialing, container startup)
	slowBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300}
)

// Collector holds all Prometheus metrics for the pool server.
type Collector struct {
	// Gauges - current pool state
	PoolActive      prometheus.Gauge
	PoolIdle        prometheus.Gauge
	PoolMax         prometheus.Gauge
	PoolPending     prometheus.Gauge
	PoolUtilization prometheus.Gauge
	PoolDegraded    prometheus.Gauge
	LeasesActive    prometheus.Gauge

	// Counters - cumulative events
	AcquiresTotal      *prometheus.CounterVec
	ReleasesTotal      *prometheus.CounterVec
	CreationsTotal     *prometheus.CounterVec
	ReapedTotal        prometheus.Counter
	LeasesExpiredTotal prometheus.Counter
	RateLimitHitsTotal prometheus.Counter

	// Histograms - latency distributions
	AcquireDuration     prometheus.Histogram
	CreateDuration      prometheus.Histogram
	ReapSweepDuration   prometheus.Histogram
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		// Gauges
		PoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Subsystem: "pool",
			Name:      "active_slots",
			Help:      "Number of slots currently held by callers",
		}),
		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Subsystem: "pool",
			Name:      "idle_slots",
			Help:      "Number of slots parked and ready to hand out",
		}),
		PoolMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Subsystem: "pool",
			Name:      "max_slots",
			Help:      "Configured pool capacity",
		}),
		PoolPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Subsystem: "pool",
			Name:      "pending_waiters",
			Help:      "Number of callers blocked waiting for a slot",
		}),
		PoolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Subsystem: "pool",
			Name:      "utilization_percent",
			Help:      "Active slots as a percentage of capacity",
		}),
		PoolDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Subsystem: "pool",
			Name:      "degraded",
			Help:      "Whether utilization is at or above the degraded threshold (1=yes, 0=no)",
		}),
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poolhouse",
			Name:      "leases_active",
			Help:      "Number of leases currently registered",
		}),

		// Counters
		AcquiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poolhouse",
			Name:      "acquires_total",
			Help:      "Total number of slot acquisition attempts",
		}, []string{"result"}),
		ReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poolhouse",
			Name:      "releases_total",
			Help:      "Total number of slot releases",
		}, []string{"outcome"}),
		CreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poolhouse",
			Name:      "creations_total",
			Help:      "Total number of resource creation attempts",
		}, []string{"result"}),
		ReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poolhouse",
			Name:      "reaped_total",
			Help:      "Total number of idle slots closed by the reaper",
		}),
		LeasesExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poolhouse",
			Name:      "leases_expired_total",
			Help:      "Total number of leases reclaimed after TTL expiry",
		}),
		RateLimitHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poolhouse",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit rejections",
		}),

		// Histograms
		AcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poolhouse",
			Name:      "acquire_duration_seconds",
			Help:      "End-to-end slot acquisition latency in seconds",
			Buckets:   mediumBuckets,
		}),
		CreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poolhouse",
			Name:      "create_duration_seconds",
			Help:      "Resource creation latency in seconds",
			Buckets:   slowBuckets,
		}),
		ReapSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poolhouse",
			Name:      "reap_sweep_duration_seconds",
			Help:      "Duration of one reaper sweep in seconds",
			Buckets:   fastBuckets,
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poolhouse",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   mediumBuckets,
		}, []string{"method", "path", "status"}),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		// Gauges
		c.PoolActive,
		c.PoolIdle,
		c.PoolMax,
		c.PoolPending,
		c.PoolUtilization,
		c.PoolDegraded,
		c.LeasesActive,
		// Counters
		c.AcquiresTotal,
		c.ReleasesTotal,
		c.CreationsTotal,
		c.ReapedTotal,
		c.LeasesExpiredTotal,
		c.RateLimitHitsTotal,
		// Histograms
		c.AcquireDuration,
		c.CreateDuration,
		c.ReapSweepDuration,
		c.HTTPRequestDuration,
	)

	return c
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
