package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/alert-dispatch/internal/config"
	"github.com/kursadbilgin/alert-dispatch/internal/dedup"
	"github.com/kursadbilgin/alert-dispatch/internal/handler"
	"github.com/kursadbilgin/alert-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/alert-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/alert-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/alert-dispatch/internal/observability"
	"github.com/kursadbilgin/alert-dispatch/internal/provider"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"github.com/kursadbilgin/alert-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"github.com/kursadbilgin/alert-dispatch/internal/service"
	"github.com/kursadbilgin/alert-dispatch/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	rabbitPrefetch   = 32
	retryScanLimit   = 100
	dedupSweepPeriod = time.Minute
)

func main() {
	// A missing .env file is fine outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("alert-dispatch exited with error", zap.Error(err))
	}
	logger.Info("alert-dispatch stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	healthChecks := []handler.HealthCheck{handler.PostgresCheck(sqlDB)}

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
		healthChecks = append(healthChecks, handler.RedisCheck(rdb))
	}

	g, gctx := errgroup.WithContext(ctx)

	var deduplicator dedup.Deduplicator
	lease := dedup.ClaimLease(cfg.DispatchTimeout())
	switch cfg.DedupBackend {
	case config.DedupBackendRedis:
		deduplicator, err = infraredis.NewRedisDeduplicator(rdb, lease)
		if err != nil {
			return fmt.Errorf("redis deduplicator init failed: %w", err)
		}
	default:
		memoryDedup := dedup.NewMemoryDeduplicator(lease, 0)
		janitor, err := service.NewDedupJanitor(memoryDedup, dedupSweepPeriod, logger)
		if err != nil {
			return fmt.Errorf("dedup janitor init failed: %w", err)
		}
		g.Go(func() error { return janitor.Start(gctx) })
		deduplicator = memoryDedup
	}

	var limiter ratelimit.RateLimiter
	if rdb != nil {
		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			return fmt.Errorf("redis rate limiter init failed: %w", err)
		}
	} else {
		limiter = ratelimit.NewTokenBucket(cfg.RateLimitPerSec)
	}

	var (
		publisher   queue.Publisher
		consumer    queue.Consumer
		dlqMirror   service.DeadLetterPublisher
		closeQueues func()
	)
	switch cfg.QueueBackend {
	case config.QueueBackendRabbitMQ:
		client, err := queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.Topics())
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		rabbitPublisher := queue.NewRabbitMQPublisher(client, cfg.IntakePublishTimeout())
		rabbitConsumer := queue.NewRabbitMQConsumer(client, rabbitPrefetch, logger)
		publisher, consumer, dlqMirror = rabbitPublisher, rabbitConsumer, rabbitPublisher
		closeQueues = func() {
			_ = rabbitConsumer.Close()
			_ = rabbitPublisher.Close()
			_ = client.Close()
		}
		healthChecks = append(healthChecks, handler.RabbitMQCheck(client.Healthy))
	default:
		memoryQueue := queue.NewMemoryQueue(cfg.QueueCapacity, logger)
		publisher, consumer = memoryQueue, memoryQueue
		closeQueues = func() { _ = memoryQueue.Close() }
	}
	defer closeQueues()

	pushProvider, err := provider.Setup(func() (provider.Provider, error) {
		push, err := provider.NewPushProvider(cfg.PushEndpoint, cfg.PushAuthToken)
		if err != nil {
			return nil, err
		}
		return provider.NewBreakerProvider(push, cfg.BreakerFailures, cfg.BreakerOpenTimeout()), nil
	})
	if err != nil {
		return fmt.Errorf("push provider init failed: %w", err)
	}

	eventRepo := repository.NewGormEventRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	deadLetterRepo := repository.NewGormDeadLetterRepo(db)

	sink, err := service.NewMirroredDeadLetterSink(deadLetterRepo, dlqMirror, logger)
	if err != nil {
		return err
	}

	scheduler, err := service.NewRetryScheduler(
		eventRepo,
		attemptRepo,
		deadLetterRepo,
		sink,
		publisher,
		service.NewBackoffPolicy(cfg.BaseBackoff(), cfg.BackoffCap()),
		cfg.MaxAttempts,
		logger,
	)
	if err != nil {
		return err
	}
	scheduler.SetMetrics(metrics)
	defer scheduler.Stop()

	dispatcher, err := service.NewDispatcher(
		deduplicator,
		eventRepo,
		attemptRepo,
		pushProvider,
		limiter,
		cfg.DispatchTimeout(),
		cfg.DedupTTL(),
		logger,
	)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	intake, err := service.NewIntakeService(eventRepo, attemptRepo, publisher, scheduler, cfg.Topics(), logger)
	if err != nil {
		return err
	}
	intake.SetMetrics(metrics)

	worker, err := service.NewWorkerService(consumer, dispatcher, scheduler, cfg.Topics(), cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}

	scanner, err := service.NewRetryScanner(
		eventRepo,
		publisher,
		cfg.RetryScanInterval(),
		cfg.RetryScanGrace(),
		cfg.RetryScanGrace()+lease,
		retryScanLimit,
		logger,
	)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, healthChecks...)
	if err := handler.RegisterEventRoutes(app, intake); err != nil {
		return err
	}
	if err := handler.RegisterDeadLetterRoutes(app, deadLetterRepo, scheduler); err != nil {
		return err
	}

	g.Go(func() error { return worker.Start(gctx) })
	g.Go(func() error { return scanner.Start(gctx) })
	g.Go(func() error {
		logger.Info("alert-dispatch api started",
			zap.Int("port", cfg.APIPort),
			zap.String("queueBackend", cfg.QueueBackend),
			zap.String("dedupBackend", cfg.DedupBackend),
			zap.Strings("topics", cfg.Topics()),
		)
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		intake.Close()
		scheduler.Stop()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	return g.Wait()
}
