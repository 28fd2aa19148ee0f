package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/apexpay/payrun/internal/app/intake"
	"github.com/apexpay/payrun/internal/app/processor"
	"github.com/apexpay/payrun/internal/app/publisher"
	"github.com/apexpay/payrun/internal/app/relay"
	"github.com/apexpay/payrun/internal/app/sweeper"
	"github.com/apexpay/payrun/internal/bootstrap"
	"github.com/apexpay/payrun/internal/postgres"
	"github.com/apexpay/payrun/internal/provider"
	"github.com/apexpay/payrun/internal/redisbroker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "payrun-worker", "payrun")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// --- Repositories ---
	outboxRepo := postgres.NewOutboxRepository(app.Pool)
	batchRepo := postgres.NewBatchRepository(app.Pool)
	paycheckRepo := postgres.NewPaycheckRepository(app.Pool)
	txManager := postgres.NewTxManager(app.Pool)
	providerFactory := provider.NewFactory()
	streamPublisher := redisbroker.NewStreamPublisher(app.Redis)

	// --- Application services ---
	pub := publisher.New(outboxRepo, app.Metrics)

	intakeSvc := intake.New(batchRepo, paycheckRepo, pub, txManager)

	procCfg := app.Config.Processor
	proc := processor.New(batchRepo, paycheckRepo, pub, providerFactory, txManager, processor.Config{
		BatchSize:         procCfg.BatchSize,
		MaxBatchesPerTick: procCfg.MaxBatchesPerTick,
		LockOwner:         lockOwner(procCfg.LockOwner, app.Config.InstanceID, "processor"),
		LockTTL:           procCfg.LockTTL,
		ProviderName:      procCfg.ProviderName,
	}, app.Logger, app.Metrics)

	relayCfg := app.Config.Relay
	rel := relay.New(outboxRepo, streamPublisher, relay.Config{
		BatchSize:          relayCfg.BatchSize,
		LockOwner:          lockOwner(relayCfg.LockOwner, app.Config.InstanceID, "relay"),
		LockTTL:            relayCfg.LockTTL,
		RetryBase:          relayCfg.RetryBase,
		RetryMax:           relayCfg.RetryMax,
		MaxPublishAttempts: relayCfg.MaxPublishAttempts,
	}, app.Logger, app.Metrics)

	sweepCfg := app.Config.Sweeper
	swp := sweeper.New(batchRepo, paycheckRepo, pub, txManager, sweeper.Config{
		RetryBase:          sweepCfg.RetryBase,
		RetryMax:           sweepCfg.RetryMax,
		MaxBatchAttempts:   sweepCfg.MaxBatchAttempts,
		MaxPaymentAttempts: sweepCfg.MaxPaymentAttempts,
		LockOwner:          lockOwner("", app.Config.InstanceID, "sweeper"),
		LockTTL:            sweepCfg.LockTTL,
	}, app.Logger, app.Metrics)

	// --- Payment intake consumer ---
	consumer := redisbroker.NewIntakeConsumer(app.Redis, app.Config.InstanceID, intakeSvc, app.Logger)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group (may already exist)")
	}

	// Signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Payment intake (reads requested payments from Redis Streams).
	g.Go(func() error {
		return consumer.Run(gCtx)
	})

	// 2. Batch processor tick.
	if procCfg.Enabled {
		g.Go(func() error {
			return runLoop(gCtx, procCfg.TickInterval, "processor", app, func(ctx context.Context, now time.Time) error {
				return proc.TickOnce(ctx, now)
			})
		})
	}

	// 3. Outbox relay tick.
	g.Go(func() error {
		return runLoop(gCtx, relayCfg.TickInterval, "relay", app, func(ctx context.Context, now time.Time) error {
			_, err := rel.RelayOnce(ctx, now)
			return err
		})
	})

	// 4. Stuck-batch sweeper tick.
	if sweepCfg.Enabled {
		g.Go(func() error {
			return runLoop(gCtx, sweepCfg.TickInterval, "sweeper", app, func(ctx context.Context, now time.Time) error {
				return swp.SweepOnce(ctx, now)
			})
		})
	}

	// 5. Ops HTTP server (health and metrics).
	g.Go(func() error {
		return runOpsServer(gCtx, app)
	})

	// 6. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	app.Logger.Info().Str("instance", app.Config.InstanceID).Msg("Worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// runLoop ticks fn at the given interval until the context ends. Errors
// are logged, not fatal; the next tick retries.
func runLoop(ctx context.Context, interval time.Duration, name string, app *bootstrap.App, fn func(context.Context, time.Time) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		start := time.Now()
		if err := fn(ctx, start); err != nil {
			app.Logger.Error().Err(err).Str("loop", name).Msg("Tick failed")
		}
		app.Metrics.TickDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func runOpsServer(ctx context.Context, app *bootstrap.App) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := app.Pool.Ping(req.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if app.Config.Observability.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", fmt.Sprintf("%d", app.Config.Observability.MetricsPort)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	app.Logger.Info().Int("port", app.Config.Observability.MetricsPort).Msg("Ops server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func lockOwner(configured, instanceID, loop string) string {
	if configured != "" {
		return configured
	}
	return instanceID + "-" + loop
}
