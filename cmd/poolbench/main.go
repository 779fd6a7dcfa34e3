// Command poolbench drives a running poolhouse server with concurrent
// checkout/hold/return traffic and reports throughput, outcome counts and
// checkout latency percentiles.
//
// Usage:
//
//	poolbench [flags]
//
// Example:
//
//	poolbench --server=http://localhost:8080 --workers=20 --duration=30s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/poolhouse/poolhouse/internal/client"
	"github.com/poolhouse/poolhouse/internal/domain"
)

type config struct {
	// Target
	serverURL string
	apiKey    string

	// Load shape
	workers   int
	duration  time.Duration
	holdMin   time.Duration
	holdMax   time.Duration
	timeoutMs int // per-checkout wait budget; negative means server default
	extendPct int

	// Output
	reportEvery time.Duration
}

// results aggregates outcome counts across workers.
type results struct {
	checkouts   atomic.Uint64
	returns     atomic.Uint64
	extends     atomic.Uint64
	exhausted   atomic.Uint64
	rateLimited atomic.Uint64
	failures    atomic.Uint64
}

// latencies collects checkout latency samples for percentile reporting.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) record(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

// percentile returns the p-th percentile of the recorded samples.
func (l *latencies) percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

func (l *latencies) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}

func main() {
	cfg := parseFlags()

	log.SetFlags(log.Ltime)
	log.Printf("poolhouse bench")
	log.Printf("===============")

	c := client.New(cfg.serverURL, cfg.apiKey)

	// Make sure the server is reachable before unleashing workers.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	health, err := c.Health(pingCtx)
	cancelPing()
	if err != nil {
		log.Fatalf("Server not reachable at %s: %v", cfg.serverURL, err)
	}
	log.Printf("Target: %s (factory=%s, status=%s)", cfg.serverURL, health.Factory, health.Status)
	log.Printf("Load: %d workers for %v, hold %v..%v", cfg.workers, cfg.duration, cfg.holdMin, cfg.holdMax)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := &results{}
	lat := &latencies{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, id, c, cfg, res, lat)
		}(i)
	}

	// Periodic progress reports while the workers run.
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(cfg.reportEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("  progress: checkouts=%d returns=%d exhausted=%d rate_limited=%d failures=%d",
					res.checkouts.Load(), res.returns.Load(),
					res.exhausted.Load(), res.rateLimited.Load(), res.failures.Load())
			}
		}
	}()

	wg.Wait()
	<-reportDone
	elapsed := time.Since(start)

	report(c, cfg, res, lat, elapsed)
}

func parseFlags() *config {
	cfg := &config{}

	// Target
	flag.StringVar(&cfg.serverURL, "server", "http://localhost:8080", "Base URL of the poolhouse server")
	flag.StringVar(&cfg.apiKey, "api-key", "", "API key, if the server requires one")

	// Load shape
	flag.IntVar(&cfg.workers, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&cfg.duration, "duration", 30*time.Second, "How long to run")
	flag.DurationVar(&cfg.holdMin, "hold-min", 50*time.Millisecond, "Minimum lease hold time")
	flag.DurationVar(&cfg.holdMax, "hold-max", 250*time.Millisecond, "Maximum lease hold time")
	flag.IntVar(&cfg.timeoutMs, "timeout-ms", -1, "Checkout wait budget in ms (0 = fail fast, negative = server default)")
	flag.IntVar(&cfg.extendPct, "extend-pct", 10, "Percent of held leases that get one extension")

	// Output
	flag.DurationVar(&cfg.reportEvery, "report-every", 5*time.Second, "Progress report interval")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Drives a poolhouse server with checkout/hold/return traffic.\n\n")
		fmt.Fprintf(os.Stderr, "Each worker loops: check out a lease, hold it for a random time,\n")
		fmt.Fprintf(os.Stderr, "occasionally extend it, then return it. Exhaustion and rate\n")
		fmt.Fprintf(os.Stderr, "limiting are counted separately from hard failures.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if cfg.workers < 1 {
		log.Fatalf("--workers must be at least 1")
	}
	if cfg.holdMax < cfg.holdMin {
		log.Fatalf("--hold-max must not be below --hold-min")
	}
	return cfg
}

func runWorker(ctx context.Context, id int, c *client.Client, cfg *config, res *results, lat *latencies) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for ctx.Err() == nil {
		start := time.Now()
		var (
			l   *client.Lease
			err error
		)
		if cfg.timeoutMs >= 0 {
			l, err = c.CheckoutWait(ctx, time.Duration(cfg.timeoutMs)*time.Millisecond)
		} else {
			l, err = c.Checkout(ctx)
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, domain.ErrPoolExhausted):
				res.exhausted.Add(1)
			case errors.Is(err, domain.ErrRateLimited):
				res.rateLimited.Add(1)
			default:
				res.failures.Add(1)
			}
			// Back off briefly so a saturated pool is not hammered in a
			// tight loop.
			sleepCtx(ctx, time.Duration(50+rng.Intn(100))*time.Millisecond)
			continue
		}
		res.checkouts.Add(1)
		lat.record(time.Since(start))

		hold := cfg.holdMin
		if cfg.holdMax > cfg.holdMin {
			hold += time.Duration(rng.Int63n(int64(cfg.holdMax - cfg.holdMin)))
		}
		sleepCtx(ctx, hold)

		if rng.Intn(100) < cfg.extendPct {
			if _, err := c.Extend(context.Background(), l.ID, 0); err == nil {
				res.extends.Add(1)
			}
		}

		// Return on a fresh context: a lease held at shutdown must still
		// go back, or the bench would leak slots until the TTL sweeper
		// catches them.
		if err := c.Return(context.Background(), l.ID); err != nil {
			res.failures.Add(1)
		} else {
			res.returns.Add(1)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func report(c *client.Client, cfg *config, res *results, lat *latencies, elapsed time.Duration) {
	checkouts := res.checkouts.Load()

	log.Printf("")
	log.Printf("Results after %v:", elapsed.Round(time.Millisecond))
	log.Printf("  Checkouts:    %d (%.1f/s)", checkouts, float64(checkouts)/elapsed.Seconds())
	log.Printf("  Returns:      %d", res.returns.Load())
	log.Printf("  Extensions:   %d", res.extends.Load())
	log.Printf("  Exhausted:    %d", res.exhausted.Load())
	log.Printf("  Rate limited: %d", res.rateLimited.Load())
	log.Printf("  Failures:     %d", res.failures.Load())

	if lat.count() > 0 {
		log.Printf("  Checkout latency: p50=%v p95=%v p99=%v",
			lat.percentile(50).Round(time.Microsecond),
			lat.percentile(95).Round(time.Microsecond),
			lat.percentile(99).Round(time.Microsecond))
	}

	// Server-side view, so client and pool numbers can be compared.
	statsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st, err := c.Stats(statsCtx); err == nil {
		log.Printf("")
		log.Printf("Server pool stats:")
		log.Printf("  Active: %d  Idle: %d  Max: %d  Pending: %d", st.Active, st.Idle, st.Max, st.Pending)
		log.Printf("  Acquires: %d  Releases: %d  Timeouts: %d", st.Acquires, st.Releases, st.Timeouts)
		log.Printf("  Creations: %d  CreationFailures: %d  Reaped: %d", st.Creations, st.CreationFailures, st.Reaped)
	} else {
		log.Printf("Warning: could not fetch server stats: %v", err)
	}
}
