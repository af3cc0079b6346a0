package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/todo-platform/eventcore/internal/broker"
	"github.com/todo-platform/eventcore/internal/deadletter"
	"github.com/todo-platform/eventcore/internal/idempotency"
	"github.com/todo-platform/eventcore/internal/platform/dbpool"
	"github.com/todo-platform/eventcore/internal/platform/env"
	"github.com/todo-platform/eventcore/internal/platform/health"
	"github.com/todo-platform/eventcore/internal/platform/logging"
	"github.com/todo-platform/eventcore/internal/platform/natsutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.FromEnv("deadletter-api", env.String("LOG_MODE", ""))
	defer logger.Sync()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	apiAddr := env.String("DEADLETTER_ADDR", env.DefaultDeadLetterAddr)
	healthAddr := env.String("HEALTH_ADDR", ":8096")

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		logger.Fatal("open database pool", zap.Error(err))
	}
	defer pool.Close()

	dlqStore := deadletter.NewStore(pool)
	idemStore := idempotency.NewStore(pool, nil, logger)
	if err := waitForPostgres(ctx, pool, 30*time.Second, logger,
		dlqStore.EnsureSchema, idemStore.EnsureSchema); err != nil {
		logger.Fatal("postgres not ready", zap.Error(err))
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		logger.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	bus := broker.NewBus(client.JS)
	handler := deadletter.NewHandler(dlqStore, idemStore, bus, logger)

	apiServer := &http.Server{
		Addr:              apiAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ready := func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if !client.Conn.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dead-letter api listening", zap.String("addr", apiAddr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return health.NewServer(healthAddr, ready, logger).Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("dead-letter api exited", zap.Error(err))
	}
}

func waitForPostgres(
	ctx context.Context,
	pool *pgxpool.Pool,
	timeout time.Duration,
	logger *zap.Logger,
	schemas ...func(context.Context) error,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		for _, ensure := range schemas {
			if lastErr != nil {
				break
			}
			lastErr = ensure(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		logger.Info("waiting for postgres readiness", zap.Error(lastErr))
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
