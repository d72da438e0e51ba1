package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/handler"
	"github.com/courierhq/notification-delivery/internal/metrics"
	"github.com/courierhq/notification-delivery/internal/middleware"
	"github.com/courierhq/notification-delivery/internal/plugin"
	"github.com/courierhq/notification-delivery/internal/repository/postgres"
	"github.com/courierhq/notification-delivery/internal/repository/redis"
	"github.com/courierhq/notification-delivery/internal/service"
	"github.com/courierhq/notification-delivery/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.App.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting notification delivery worker",
		"env", cfg.App.Env,
		"worker_id", cfg.Worker.ID,
		"port", cfg.Server.Port,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store.
	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		return err
	}
	logger.Info("migrations applied")

	// Coordination store.
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// One bus producer per process, shared by every publishing component.
	producer := bus.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger)
	defer producer.Close()

	// Plugin registry: channel → provider bindings from the document.
	registry, err := plugin.Load(ctx, cfg.Worker.PluginsPath, domain.RateLimitConfig{
		MaxTokens:    cfg.RateLimit.MaxTokens,
		RefillPerSec: cfg.RateLimit.RefillPerSec,
	}, logger)
	if err != nil {
		return err
	}
	defer registry.Shutdown(context.Background())

	// Repositories and coordination-store facilities.
	notificationRepo := postgres.NewNotificationRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)
	alertRepo := postgres.NewAlertRepository(db)
	delayedQueue := redis.NewDelayedQueue(redisClient, cfg.Delayed.ClaimTTL)
	idemRegistry := redis.NewIdempotencyRegistry(redisClient, cfg.Idempotency.ProcessingTTL, cfg.Idempotency.RecordTTL)
	rateLimiter := redis.NewRateLimiter(redisClient, registry)

	// Metrics on a dedicated registry.
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	// Services.
	intake := service.NewIntakeService(notificationRepo, registry, logger)
	dispatcher := service.NewWebhookDispatcher(cfg.Webhook, logger)

	// Workers.
	outboxPoller := worker.NewOutboxPoller(outboxRepo, producer, cfg.Outbox, cfg.Worker.ID, m, logger)
	delayedConsumer := worker.NewDelayedConsumer(
		bus.NewConsumer(cfg.Kafka.Brokers, domain.TopicDelayed, domain.GroupDelayed, logger),
		delayedQueue, m, logger,
	)
	delayedPoller := worker.NewDelayedPoller(delayedQueue, producer, notificationRepo, cfg.Delayed, cfg.Worker.ID, m, logger)
	statusConsumer := worker.NewStatusConsumer(
		bus.NewConsumer(cfg.Kafka.Brokers, domain.TopicStatus, domain.GroupStatus, logger),
		notificationRepo, dispatcher, m, logger,
	)
	recoveryCron := worker.NewRecoveryCron(
		notificationRepo, alertRepo, idemRegistry, producer,
		[]worker.HealthChecker{db, redisClient},
		cfg.Recovery, cfg.Processor.MaxRetryCount, cfg.Worker.ID, m, logger,
	)

	processors := make([]*worker.ChannelProcessor, 0, len(registry.Channels()))
	for _, channel := range registry.Channels() {
		provider, err := registry.ProviderFor(channel)
		if err != nil {
			return err
		}
		processors = append(processors, worker.NewChannelProcessor(
			channel, provider,
			bus.NewConsumer(cfg.Kafka.Brokers, channel.Topic(), channel.ConsumerGroup(), logger),
			producer, notificationRepo, idemRegistry, rateLimiter, delayedQueue,
			cfg.Processor, cfg.Worker.ID, m, logger,
		))
	}

	outboxPoller.Start(ctx)
	delayedConsumer.Start(ctx)
	delayedPoller.Start(ctx)
	statusConsumer.Start(ctx)
	recoveryCron.Start(ctx)
	for _, p := range processors {
		p.Start(ctx)
	}

	// Ops HTTP surface.
	server := newOpsServer(cfg, logger, db, redisClient, producer, registry, delayedQueue, intake, promRegistry, map[string]handler.RunStater{
		"outbox_poller":    outboxPoller,
		"delayed_consumer": delayedConsumer,
		"delayed_poller":   delayedPoller,
		"status_consumer":  statusConsumer,
		"recovery_cron":    recoveryCron,
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for a signal or a server failure.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutdown signal received", "signal", s.String())
	case err := <-serverErr:
		logger.Error("ops server failed", "error", err)
	}

	// Ordered shutdown: stop taking ops traffic, drain workers, then close
	// the shared producer and the stores (deferred above).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}

	for _, p := range processors {
		p.Stop()
	}
	recoveryCron.Stop()
	statusConsumer.Stop()
	delayedPoller.Stop()
	delayedConsumer.Stop()
	outboxPoller.Stop()

	logger.Info("worker stopped")
	return nil
}

func newOpsServer(
	cfg *config.Config,
	logger *slog.Logger,
	db *postgres.DB,
	redisClient *redis.Client,
	producer *bus.Producer,
	registry *plugin.Registry,
	queue domain.DelayedQueue,
	intake *service.IntakeService,
	promRegistry *prometheus.Registry,
	workers map[string]handler.RunStater,
) *http.Server {
	health := handler.NewHealthHandler()
	health.AddChecker("postgres", db)
	health.AddChecker("redis", redisClient)
	health.AddChecker("kafka", producer)
	health.AddChecker("providers", healthCheckFunc(registry.HealthCheck))

	metricsHandler := handler.NewMetricsHandler(promRegistry, queue, workers)
	operator := handler.NewOperatorHandler(intake)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))

	r.Get("/health", health.Health)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metricsHandler.Handler())
	r.Get("/metrics/realtime", metricsHandler.Realtime)
	r.Post("/notifications/{id}/retry", operator.Retry)

	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// healthCheckFunc adapts a bare function to the handler.HealthChecker
// interface.
type healthCheckFunc func(ctx context.Context) error

func (f healthCheckFunc) Health(ctx context.Context) error {
	return f(ctx)
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}
