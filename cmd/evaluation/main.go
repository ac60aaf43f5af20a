package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/directory"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/dispatch"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/embedding"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/eventbus"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/hardening"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/inference"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/policyeval"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/ratelimit"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	newPublisherFn  = func(cfg config.Config) (eventbus.Publisher, error) {
		return eventbus.NewKafkaPublisher(eventbus.PublisherConfig{
			KafkaConfig: eventbus.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic},
			Retry: retry.Policy{
				Attempts:  cfg.Kafka.PublishRetries,
				BaseDelay: cfg.Kafka.PublishBackoff,
				MaxDelay:  16 * cfg.Kafka.PublishBackoff,
			},
		})
	}
	listenFn = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		logFatalf("evaluation: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("evaluation")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Service, cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := hardening.FromConfig(cfg, false)
	opts.SecureUpstreams = []hardening.EnvRequirement{
		{Name: "POLICY_SVC_URL", Value: cfg.Directory.URL},
		{Name: "EMBEDDING_URL", Value: cfg.Embedding.URL},
		{Name: "MODEL_SVC_URL", Value: cfg.Inference.URL},
	}
	opts.RequiredServiceSecrets = []hardening.EnvRequirement{{Name: "OPENAI_API_KEY", Value: cfg.Embedding.APIKey}}
	if err := hardening.ValidateProduction(opts); err != nil {
		return err
	}

	shutdownTelemetry, err := initTelemetryFn(ctx, cfg.Service, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	redisClient := openRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	reg := metrics.NewRegistry()
	d, cleanup, err := buildDispatcher(ctx, cfg, logger, reg, redisClient)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &Server{
		Evaluator:          d,
		Metrics:            reg,
		Logger:             logger,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		Limiter:            ratelimit.NewRedis(redisClient, time.Minute, "guardrails:rl:", logger),
		RateLimit:          cfg.HTTP.RateLimitPerMinute,
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("evaluation service listening", zap.String("addr", cfg.Addr))
	return serve(ctx, server, cfg.HTTP.ShutdownTimeout)
}

// serve runs the server until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, drain time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listenFn(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// openRedis returns nil when Redis is off or unreachable; every consumer of
// the client has a process-local fallback.
func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	client, err := store.NewRedis(ctx, store.RedisOptionsFrom(cfg.Redis))
	if err != nil {
		logger.Warn("redis unavailable, caches and rate limits are process-local", zap.Error(err))
		return nil
	}
	return client
}

func buildDispatcher(ctx context.Context, cfg config.Config, logger *zap.Logger, reg *metrics.Registry, redisClient *redis.Client) (*dispatch.Dispatcher, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	httpClient := telemetry.InstrumentClient(&http.Client{})

	dir, err := newDirectory(cfg, httpClient)
	if err != nil {
		return nil, nil, err
	}

	var shared store.Cache
	if redisClient != nil {
		shared = store.Prefixed(store.NewRedisCache(redisClient), "guardrails:embedding:")
	}

	embedder := embedding.NewCachedProvider(
		embedding.NewClient(embedding.ClientOptions{
			URL:     cfg.Embedding.URL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.Timeout,
			HTTP:    httpClient,
		}),
		embedding.NewLRU(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL),
		embedding.CacheOptions{
			Namespace: cfg.Embedding.Model,
			Shared:    shared,
			SharedTTL: cfg.Embedding.CacheTTL,
			Logger:    logger,
		},
	)
	backend := inference.NewClient(inference.ClientOptions{
		URL:     cfg.Inference.URL,
		Timeout: cfg.Inference.Timeout,
		HTTP:    httpClient,
	})
	registry := policyeval.NewRegistry(
		policyeval.NewRuleHandler(),
		policyeval.NewSemanticHandler(embedder, cfg.Embedding.Threshold, logger),
		policyeval.NewInferenceHandler(backend, logger),
	)

	publisher, err := newPublisherFn(cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("decision publisher: %w", err)
	}
	closers = append(closers, func() { _ = publisher.Close() })

	d, err := dispatch.New(dispatch.Options{
		Directory:        dir,
		Registry:         registry,
		Publisher:        publisher,
		DirectoryTimeout: cfg.Directory.Timeout,
		HandlerTimeout:   cfg.Handlers.Timeout,
		MaxConcurrency:   cfg.Handlers.MaxConcurrency,
		Logger:           logger,
		Metrics:          reg,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return d, cleanup, nil
}

func newDirectory(cfg config.Config, httpClient *http.Client) (directory.Directory, error) {
	if cfg.Directory.File != "" {
		return directory.LoadStatic(cfg.Directory.File)
	}
	return directory.NewClient(directory.ClientOptions{
		URL:     cfg.Directory.URL,
		Timeout: cfg.Directory.Timeout,
		Retry: retry.Policy{
			Attempts:  cfg.Directory.Retries + 1,
			BaseDelay: cfg.Directory.RetryDelay,
			MaxDelay:  8 * cfg.Directory.RetryDelay,
		},
		HTTP: httpClient,
	})
}
