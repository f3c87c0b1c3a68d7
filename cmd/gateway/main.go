package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/api"
	"github.com/lalithlochan/stencil/internal/audit"
	"github.com/lalithlochan/stencil/internal/circuitbreaker"
	"github.com/lalithlochan/stencil/internal/config"
	"github.com/lalithlochan/stencil/internal/db"
	"github.com/lalithlochan/stencil/internal/lifecycle"
	"github.com/lalithlochan/stencil/internal/metrics"
	"github.com/lalithlochan/stencil/internal/observ"
	"github.com/lalithlochan/stencil/internal/provider"
	"github.com/lalithlochan/stencil/internal/redis"
	"github.com/lalithlochan/stencil/internal/retry"
	"github.com/lalithlochan/stencil/internal/sns"
	"github.com/lalithlochan/stencil/internal/sqs"
	"github.com/lalithlochan/stencil/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stencil gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency, the API rate limit and the shared provider
	// throttle. All three degrade gracefully without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and shared rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var providerLimiter provider.Limiter = provider.NewLocalLimiter(float64(cfg.ProviderRateLimit), cfg.ProviderBurst)
	if redisClient != nil {
		defer redisClient.Close()
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
		providerLimiter = provider.NewSharedLimiter(redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.ProviderRateLimit,
			Window: time.Second,
			Prefix: "provider",
		}), "calls", logger)
	}

	// Provider API, wrapped in per-operation circuit breakers
	var backend provider.API
	if cfg.ProviderBaseURL != "" {
		backend = provider.NewClient(provider.Config{
			BaseURL:  cfg.ProviderBaseURL,
			APIToken: cfg.ProviderAPIToken,
			Timeout:  cfg.ProviderTimeout,
		}, providerLimiter, logger)
	} else {
		logger.Warn("PROVIDER_BASE_URL not set, using logging provider")
		backend = provider.NewLogProvider(logger)
	}

	breakerDefaults := circuitbreaker.DefaultConfig("")
	breakerDefaults.MaxFailures = cfg.BreakerMaxFailures
	breakerDefaults.RecoveryTimeout = cfg.BreakerResetTimeout
	breakers := circuitbreaker.NewRegistry(breakerDefaults, logger)
	protected := circuitbreaker.NewProtectedProvider(backend, breakers, logger)

	executor := retry.NewExecutor(retry.Options{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialDelay:      cfg.RetryInitialDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		BackoffMultiplier: cfg.RetryMultiplier,
	}, logger)

	// Audit events go to SNS when a topic is configured
	var sink audit.Sink = audit.NewLogSink(logger)
	if cfg.AuditTopicARN != "" {
		var publisher *sns.Publisher
		if cfg.AWSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.AuditTopicARN, cfg.AWSEndpoint, cfg.AWSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.AuditTopicARN, cfg.AWSRegion)
		}
		if err != nil {
			logger.Warn("sns publisher unavailable, audit events will be logged only", zap.Error(err))
		} else {
			sink = audit.NewSNSSink(publisher)
		}
	}
	auditor := audit.NewDispatcher(sink, cfg.AuditTimeout, logger)

	// Reconcile queue
	lcConfig := lifecycle.Config{}
	var queue worker.Queue
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:       cfg.AWSRegion,
			QueueURL:     cfg.SQSQueueURL,
			Endpoint:     cfg.AWSEndpoint,
			DelaySeconds: int32(cfg.SQSDelaySeconds),
		}
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, reconciliation falls back to polling", zap.Error(err))
		} else {
			lcConfig.Queue = producer
		}
		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable", zap.Error(err))
		} else {
			queue = consumer
		}
	}

	templates := lifecycle.NewService(repo, protected, executor, auditor, lcConfig, logger)

	w := worker.New(repo, templates, queue, executor, worker.Config{
		PollInterval: cfg.ReconcileInterval,
		BatchSize:    cfg.ReconcileBatchSize,
		MinAge:       cfg.ReconcileMinAge,
		Concurrency:  cfg.ReconcileConcurrency,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Run(workerCtx); err != nil {
			logger.Error("reconciler stopped", zap.Error(err))
		}
	}()

	logger.Info("reconciler started",
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Bool("queue_enabled", queue != nil),
	)

	// Pool gauge
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				metrics.SetDBConnections(database.AcquiredConns())
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, templates, breakers, idempotencyService, cfg.IdempotencyTTL)
	} else {
		handler = api.NewHandler(logger, templates, breakers)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))
		handler.Routes(r, cfg.CallbackToken)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		<-workerDone

		if err := auditor.Wait(ctx); err != nil {
			logger.Warn("audit events still in flight at shutdown", zap.Error(err))
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
