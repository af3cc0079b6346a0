package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/todo-platform/eventcore/internal/app/recurring"
	"github.com/todo-platform/eventcore/internal/broker"
	"github.com/todo-platform/eventcore/internal/consumer"
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

	logger := logging.FromEnv("recurring-consumer", env.String("LOG_MODE", ""))
	defer logger.Sync()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	taskAPIURL := env.String("TASK_API_URL", "http://localhost:8080")
	healthAddr := env.String("HEALTH_ADDR", ":8092")
	part := broker.Partition{
		Index: env.Int("WORKER_INDEX", 0),
		Count: env.Int("WORKER_COUNT", 1),
	}

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		logger.Fatal("open database pool", zap.Error(err))
	}
	defer pool.Close()

	repo := recurring.NewRepository(pool)
	dlqStore := deadletter.NewStore(pool)
	idemStore := idempotency.NewStore(pool, newCache(logger), logger)
	if err := waitForPostgres(ctx, pool, 30*time.Second, logger,
		repo.EnsureSchema, idemStore.EnsureSchema, dlqStore.EnsureSchema); err != nil {
		logger.Fatal("postgres not ready", zap.Error(err))
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		logger.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	bus := broker.NewBus(client.JS)
	sub, err := bus.Subscribe(recurring.GroupName, part)
	if err != nil {
		logger.Fatal("subscribe", zap.Error(err))
	}

	tasks := recurring.NewTaskClient(taskAPIURL)
	service := recurring.NewService(repo, tasks, idemStore, logger)

	runtime := consumer.NewRuntime(recurring.GroupName, service, sub, idemStore, dlqStore, logger)
	runtime.WorkerLabel = part.String()
	// Spawning goes through the task API; give it room beyond the client
	// timeout.
	runtime.HandlerTimeout = env.Duration("HANDLER_TIMEOUT", 10*time.Second)

	sweeper := recurring.NewSweeper(repo, bus, logger)
	sweeper.Schedule = env.String("SWEEP_SCHEDULE", sweeper.Schedule)

	lagReady := broker.LagReadiness(sub, uint64(env.Int("READY_MAX_LAG", 1000)))
	ready := func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if !client.Conn.IsConnected() {
			return errors.New("nats disconnected")
		}
		return lagReady(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runtime.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return health.NewServer(healthAddr, ready, logger).Run(gctx) })

	logger.Info("recurring consumer running", zap.String("partition", part.String()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("recurring consumer exited", zap.Error(err))
	}
}

func newCache(logger *zap.Logger) *idempotency.Cache {
	addr := env.String("REDIS_ADDR", "")
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return idempotency.NewCache(rdb, env.Duration("IDEMPOTENCY_CACHE_TTL", 24*time.Hour), logger)
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
