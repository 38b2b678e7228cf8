// Command dispatcher starts the dispatch worker: it leases tasks from the
// broker, runs them as isolated sandbox jobs, and publishes lifecycle events.
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/evalmesh/evalmesh/internal/adapter/broker/redisq"
	"github.com/evalmesh/evalmesh/internal/adapter/bus/kafka"
	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/adapter/repo/postgres"
	"github.com/evalmesh/evalmesh/internal/adapter/substrate/docker"
	"github.com/evalmesh/evalmesh/internal/adapter/substrate/inproc"
	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/domain"
	"github.com/evalmesh/evalmesh/internal/worker/dispatch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "dispatcher")
	slog.SetDefault(logger)
	observability.InitMetrics()
	go serveMetrics(cfg.MetricsPort)

	shutdownTracer, err := observability.SetupTracing(cfg, "dispatcher")
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	runtimes, err := config.LoadRuntimes(cfg.RuntimesFile)
	if err != nil {
		slog.Error("runtimes manifest load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := &postgres.EvaluationRepo{Pool: pool}

	ro, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(ro)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	broker := redisq.New(rdb, redisq.Options{
		Visibility:        cfg.LeaseVisibility(),
		MaxRetries:        cfg.MaxRetries,
		DeadLetterKey:     cfg.DeadLetterChannel,
		BackoffInitial:    cfg.RetryInitialDelay,
		BackoffMax:        cfg.RetryMaxDelay,
		BackoffMultiplier: cfg.RetryMultiplier,
		BackoffJitter:     cfg.RetryJitter,
	})

	bus, err := kafka.New(ctx, cfg.KafkaBrokers)
	if err != nil {
		slog.Error("bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	substrate, err := buildSubstrate(ctx, cfg, runtimes)
	if err != nil {
		slog.Error("substrate init failed", slog.String("driver", cfg.SandboxDriver), slog.Any("error", err))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	w := dispatch.New(broker, bus, substrate, store, dispatch.Options{
		WorkerID:            workerID,
		Slots:               cfg.WorkerSlots,
		MaxRetries:          cfg.MaxRetries,
		WatchdogGrace:       cfg.WatchdogGrace,
		LeaseExtendInterval: cfg.LeaseExtendInterval,
		LeaseVisibility:     cfg.LeaseVisibility(),
		Profile: domain.SandboxProfile{
			Name:        cfg.SandboxProfile,
			CPUMilli:    cfg.SandboxCPUMilli,
			MemoryBytes: cfg.SandboxMemoryMB << 20,
			PidsLimit:   cfg.SandboxPidsLimit,
		},
	})

	// The reaper requeues expired leases and promotes delayed retries; any
	// dispatcher instance may run it, the scripts are safe concurrently.
	go broker.RunReaper(ctx, 10*time.Second)

	slog.Info("dispatch worker starting",
		slog.String("worker_id", workerID),
		slog.Int("slots", cfg.WorkerSlots),
		slog.String("sandbox_driver", cfg.SandboxDriver))
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("dispatch worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatch worker stopped")
}

func buildSubstrate(ctx context.Context, cfg config.Config, runtimes config.Runtimes) (domain.Substrate, error) {
	switch cfg.SandboxDriver {
	case "docker":
		return docker.New(ctx, runtimes)
	case "inproc":
		return inproc.New(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox driver %q", cfg.SandboxDriver)
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
