package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/hcoin-appointments/cmd/mainconfig"
	"github.com/wolfman30/hcoin-appointments/internal/api/router"
	"github.com/wolfman30/hcoin-appointments/internal/app/bootstrap"
	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	appconfig "github.com/wolfman30/hcoin-appointments/internal/config"
	"github.com/wolfman30/hcoin-appointments/internal/identity"
	"github.com/wolfman30/hcoin-appointments/internal/refunds"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting hcoin-appointments API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients, err := mainconfig.AWSClients(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	metricsHandler, registry := setupMetrics()
	rt, err := bootstrap.Build(ctx, cfg, logger, registry, clients)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	background := startBackground(ctx, rt)

	r := router.New(&router.Config{
		Logger:             logger,
		Appointments:       appointments.NewHandler(rt.Coordinator, identity.RequestProvider{}, logger),
		WalletJWTSecret:    cfg.WalletJWTSecret,
		MetricsHandler:     metricsHandler,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		HealthChecks:       rt.HealthChecks(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LedgerCallTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	waitWithTimeout(background, 30*time.Second, logger)
	logger.Info("server stopped")
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), registry
}

// startBackground runs the refund dispatcher and the stale-request sweep. With
// an in-memory queue the refund worker runs in-process too.
func startBackground(ctx context.Context, rt *bootstrap.Runtime) *sync.WaitGroup {
	var wg sync.WaitGroup

	dispatcher := rt.RefundDispatcher()
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runExpiry(ctx, rt.Coordinator, rt.Config.ExpireInterval, rt.Logger)
	}()

	if _, inline := rt.RefundQueue.(*refunds.MemoryQueue); inline {
		worker := rt.RefundWorker()
		worker.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Wait()
		}()
		rt.Logger.Info("inline refund worker started", "workers", rt.Config.WorkerCount)
	}
	return &wg
}

type expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	ReconcileSettlements(ctx context.Context, now time.Time) (int, error)
}

func runExpiry(ctx context.Context, coord expirer, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := coord.ReconcileSettlements(ctx, now); err != nil {
				logger.Warn("settlement reconciliation failed", "error", err)
			} else if n > 0 {
				logger.Info("reconciled settlements of cancelled appointments", "count", n)
			}
			n, err := coord.ExpireStale(ctx, now)
			if err != nil {
				logger.Warn("expire stale appointments failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale appointment requests", "count", n)
			}
		}
	}
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Error("background workers did not stop in time")
	}
}
