// Command storeworker starts the storage worker: the sole writer of the
// result store. It consumes lifecycle events from the bus, applies idempotent
// transitions, sweeps stuck evaluations, and purges expired records.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalmesh/evalmesh/internal/adapter/bus/kafka"
	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/adapter/repo/postgres"
	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/worker/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "storeworker")
	slog.SetDefault(logger)
	observability.InitMetrics()
	go serveMetrics(cfg.MetricsPort)

	shutdownTracer, err := observability.SetupTracing(cfg, "storeworker")
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := &postgres.EvaluationRepo{Pool: pool}

	bus, err := kafka.New(ctx, cfg.KafkaBrokers)
	if err != nil {
		slog.Error("bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	// Out-of-band maintenance: stuck-evaluation sweeps publish failed events
	// through the bus so the transitions flow the normal path, and retention
	// purges delete terminal records past the configured age.
	sweeper := storage.NewSweeper(store, bus, cfg.StuckEvalMaxAge)
	go sweeper.Run(ctx, time.Minute)
	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("retention cleanup started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	w := storage.New(store, cfg.OutputPreviewBytes)
	slog.Info("storage worker starting")
	if err := w.Run(ctx, bus); err != nil && ctx.Err() == nil {
		slog.Error("storage worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("storage worker stopped")
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
