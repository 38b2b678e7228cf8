// Command gateway starts the submission gateway: REST API, SSE event stream,
// and the initial queued event + broker enqueue for every accepted
// submission.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalmesh/evalmesh/internal/adapter/broker/redisq"
	"github.com/evalmesh/evalmesh/internal/adapter/bus/kafka"
	httpserver "github.com/evalmesh/evalmesh/internal/adapter/httpserver"
	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/adapter/repo/postgres"
	"github.com/evalmesh/evalmesh/internal/app"
	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "gateway")
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg, "gateway")
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

	ctx := context.Background()

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

	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(store, bus, broker, runtimes, cfg),
		usecase.NewStatusService(store),
		usecase.NewCancelService(store, bus, broker),
		bus,
	)

	ready := app.NewReadiness().
		Add("db", pool.Ping).
		Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }).
		Add("bus", bus.Ping)

	handler := app.BuildRouter(cfg, srv, ready)

	// WriteTimeout stays unset: /events is a long-lived SSE stream and a
	// server-wide write deadline would cut it. The router applies a 30s
	// timeout to every non-streaming route instead.
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
