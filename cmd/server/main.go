package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/poolhouse/poolhouse/internal/api"
	"github.com/poolhouse/poolhouse/internal/config"
	"github.com/poolhouse/poolhouse/internal/factory"
	"github.com/poolhouse/poolhouse/internal/lease"
	"github.com/poolhouse/poolhouse/internal/metrics"
	"github.com/poolhouse/poolhouse/internal/pool"
	"github.com/poolhouse/poolhouse/internal/ratelimit"
	"github.com/poolhouse/poolhouse/pkg/logging"
)

func main() {
	// Load .env file if present (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()

	// Initialize structured logger
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector()

	logger.Info("Starting poolhouse", "factory", cfg.Factory.Kind, "max_size", cfg.Pool.MaxSize)

	// Create the resource factory
	f, err := factory.New(&cfg.Factory, logger)
	if err != nil {
		logger.Fatal("Failed to create resource factory", "error", err)
	}
	if closer, ok := f.(io.Closer); ok {
		defer closer.Close()
	}

	// Create the pool
	poolCfg := pool.Config{
		MinSize:           cfg.Pool.MinSize,
		MaxSize:           cfg.Pool.MaxSize,
		AcquireTimeout:    cfg.Pool.AcquireTimeout,
		IdleTimeout:       cfg.Pool.IdleTimeout,
		ReapInterval:      cfg.Pool.ReapInterval,
		DegradedThreshold: cfg.Pool.DegradedThreshold,
	}
	p, err := pool.New(poolCfg, f, logger, metricsCollector)
	if err != nil {
		logger.Fatal("Failed to create pool", "error", err)
	}

	// Create the rate limiter
	limiter, err := ratelimit.New(&cfg.RateLimit)
	if err != nil {
		logger.Fatal("Failed to create rate limiter", "error", err)
	}
	if closer, ok := limiter.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("Rate limiting configured", "backend", cfg.RateLimit.Backend)

	// Create the lease manager and start its expiry sweeper
	leases := lease.NewManager(p, cfg.Lease, logger, metricsCollector)
	if err := leases.Start(); err != nil {
		logger.Fatal("Failed to start lease sweeper", "error", err)
	}

	// Start metrics gauge updater
	gaugeStop := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Recovered from panic in metrics updater",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeStop:
				return
			case <-ticker.C:
				stats := p.Stats()
				metricsCollector.PoolActive.Set(float64(stats.Active))
				metricsCollector.PoolIdle.Set(float64(stats.Idle))
				metricsCollector.PoolMax.Set(float64(stats.Max))
				metricsCollector.PoolPending.Set(float64(stats.Pending))
				metricsCollector.PoolUtilization.Set(stats.UtilizationPercent)
				if stats.Degraded {
					metricsCollector.PoolDegraded.Set(1)
				} else {
					metricsCollector.PoolDegraded.Set(0)
				}
			}
		}
	}()
	defer close(gaugeStop)

	// Create API handler
	handler := api.NewHandler(cfg, p, leases, limiter, metricsCollector, logger)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Channel to receive server errors from goroutine
	serverErrCh := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			serverErrCh <- err
		}
	}()

	// Wait for interrupt signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case err := <-serverErrCh:
		logger.Error("Server failed, initiating shutdown", "error", err)
	}

	logger.Info("Shutting down server")

	// Stop taking requests first, then tear down in dependency order:
	// sweeper before pool so it stops releasing leases mid-drain, pool
	// last so every slot's resource is destroyed through the factory.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	if err := leases.Stop(); err != nil {
		logger.Error("Lease sweeper stop failed", "error", err)
	}

	if err := p.Shutdown(); err != nil {
		logger.Error("Pool shutdown reported errors", "error", err)
	}

	logger.Info("Server stopped")
}
