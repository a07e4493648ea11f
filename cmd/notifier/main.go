package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/quickclean-notifier/internal/composer"
	"github.com/kursadbilgin/quickclean-notifier/internal/config"
	"github.com/kursadbilgin/quickclean-notifier/internal/handler"
	"github.com/kursadbilgin/quickclean-notifier/internal/infra/mongodb"
	"github.com/kursadbilgin/quickclean-notifier/internal/infra/postgresql"
	"github.com/kursadbilgin/quickclean-notifier/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/quickclean-notifier/internal/infra/redis"
	"github.com/kursadbilgin/quickclean-notifier/internal/observability"
	"github.com/kursadbilgin/quickclean-notifier/internal/provider"
	"github.com/kursadbilgin/quickclean-notifier/internal/queue"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"github.com/kursadbilgin/quickclean-notifier/internal/service"
	"github.com/kursadbilgin/quickclean-notifier/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout   = 30 * time.Second
	shutdownTimeout  = 15 * time.Second
	consumerPrefetch = 10
)

type store struct {
	records  repository.RecordRepository
	attempts repository.AttemptRepository
	check    handler.HealthCheck
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, startupTimeout)
	defer cancelStartup()

	st, err := openStore(startupCtx, cfg)
	if err != nil {
		logger.Fatal("store initialization failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.close()

	checks := map[string]handler.HealthCheck{}
	if st.check != nil {
		checks[cfg.StoreDriver] = st.check
	}

	transportProvider, err := newProvider(cfg)
	if err != nil {
		logger.Fatal("email transport initialization failed", zap.String("transport", cfg.EmailTransport), zap.Error(err))
	}

	metrics := observability.NewMetrics()

	engineCfg := service.EngineConfig{
		MaxRetries:      cfg.EmailMaxRetries,
		RetryInterval:   cfg.RetryInterval(),
		RateLimitBucket: cfg.EmailTransport,
	}
	engine, err := service.NewEngine(st.records, transportProvider, engineCfg, logger)
	if err != nil {
		logger.Fatal("delivery engine initialization failed", zap.Error(err))
	}
	engine.SetAttemptRepository(st.attempts)
	engine.SetMetrics(metrics)

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(startupCtx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
		engine.SetRateLimiter(limiter)
		checks["redis"] = infraredis.Healthcheck(rdb)
	}

	var rabbit *queue.RabbitMQ
	if cfg.RabbitMQURL != "" {
		rabbit, err = queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		defer rabbit.Close() //nolint:errcheck

		engine.SetDeadLetterPublisher(queue.NewRabbitMQPublisher(rabbit))
		checks["rabbitmq"] = rabbit.Healthcheck
	}

	c, err := composer.New(composer.Config{AppName: cfg.SenderName, FrontendURL: cfg.FrontendURL})
	if err != nil {
		logger.Fatal("template composer initialization failed", zap.Error(err))
	}

	notifier, err := service.NewNotifier(c, engine, st.records, engineCfg, logger)
	if err != nil {
		logger.Fatal("notifier initialization failed", zap.Error(err))
	}

	scheduler, err := service.NewRetryScheduler(st.records, engine, service.Options{
		Interval:          cfg.RetryInterval(),
		BatchSize:         cfg.RetryBatchSize,
		InterAttemptDelay: cfg.InterAttemptDelay(),
	}, logger)
	if err != nil {
		logger.Fatal("retry scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "quickclean-notifier",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, checks)
	if err := handler.RegisterNotificationRoutes(app, notifier); err != nil {
		logger.Fatal("notification routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterEmailLogRoutes(app, st.records, st.attempts, scheduler); err != nil {
		logger.Fatal("email log routes registration failed", zap.Error(err))
	}

	cancelStartup()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("quickclean notifier api started", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return fmt.Errorf("retry scheduler: %w", err)
		}
		return nil
	})

	if rabbit != nil {
		consumer := queue.NewRabbitMQConsumer(rabbit, consumerPrefetch, logger)
		g.Go(func() error {
			return consumer.Consume(gctx, queue.EventsQueue, eventHandler(notifier, logger))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		scheduler.Stop()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("notifier exited with error", zap.Error(err))
		return
	}
	logger.Info("notifier stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
		return &store{
			records:  repository.NewGormRecordRepo(db),
			attempts: repository.NewGormAttemptRepo(db),
			check:    postgresql.Healthcheck(db),
			close:    func() { _ = sqlDB.Close() },
		}, nil

	case config.StoreDriverMongo:
		db, err := mongodb.NewMongo(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase)
		if err != nil {
			return nil, err
		}
		records := repository.NewMongoRecordRepo(db)
		attempts := repository.NewMongoAttemptRepo(db)
		if err := errors.Join(records.EnsureIndexes(ctx), attempts.EnsureIndexes(ctx)); err != nil {
			_ = db.Client().Disconnect(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("mongo index setup failed: %w", err)
		}
		return &store{
			records:  records,
			attempts: attempts,
			check:    mongodb.Healthcheck(db),
			close: func() {
				disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = db.Client().Disconnect(disconnectCtx)
			},
		}, nil

	case config.StoreDriverMemory:
		return &store{
			records:  repository.NewMemoryRecordRepo(),
			attempts: repository.NewMemoryAttemptRepo(),
			close:    func() {},
		}, nil
	}

	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	sender := provider.Sender{
		Email:   cfg.SenderEmail,
		Name:    cfg.SenderName,
		ReplyTo: cfg.ReplyToEmail,
	}

	switch cfg.EmailTransport {
	case config.TransportSendGrid:
		return provider.NewSendGridProvider(cfg.SendGridBaseURL, cfg.SendGridAPIKey, sender)
	case config.TransportPostmark:
		return provider.NewPostmarkProvider(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, sender)
	}

	return nil, fmt.Errorf("unsupported email transport %q", cfg.EmailTransport)
}

// eventHandler turns broker events into notifications. Decode and
// composition errors wrap domain.ErrValidation, so the consumer dead-letters
// those events. Delivery failures are acked because the notifier already
// records them for retry.
func eventHandler(notifier *service.Notifier, logger *zap.Logger) queue.EventHandler {
	return func(ctx context.Context, msg queue.EventMessage) error {
		data, err := msg.TemplateData()
		if err != nil {
			return err
		}

		result, err := notifier.Notify(ctx, msg.Kind, msg.Recipient, msg.Related(), data)
		if err != nil {
			return err
		}

		fields := []zap.Field{
			zap.String("eventId", msg.EventID),
			zap.String("kind", msg.Kind.String()),
			zap.String("status", result.Status.String()),
		}
		if result.Record != nil {
			fields = append(fields, zap.String("recordId", result.Record.ID))
		}
		observability.WithContextLogger(logger, ctx).Info("event notification processed", fields...)
		return nil
	}
}
