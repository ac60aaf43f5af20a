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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/audit"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/auditchain"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/eventbus"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/hardening"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/stream"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/telemetry"
)

// chainStore is what the audit service needs from a backend: chain writes
// plus lookups for the records endpoint.
type chainStore interface {
	auditchain.Store
	recordFinder
}

// chainLocker is implemented by stores that several replicas can reach.
type chainLocker interface {
	LockChain(ctx context.Context, chainID string) (func(), error)
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	newSourceFn     = func(cfg config.Config) (eventbus.Consumer, error) {
		return eventbus.NewKafkaConsumer(eventbus.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
	}
	openStoreFn = openStore
	listenFn    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		logFatalf("audit: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("audit")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Service, cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(hardening.FromConfig(cfg, cfg.Audit.Store == "postgres")); err != nil {
		return err
	}
	shutdownTelemetry, err := initTelemetryFn(ctx, cfg.Service, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	st, closeStore, err := openStoreFn(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	unlock, err := lockChain(ctx, st, cfg.Audit.ChainID)
	if err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	defer unlock()

	chain, err := auditchain.Open(ctx, st, cfg.Audit.ChainID)
	if err != nil {
		return fmt.Errorf("open audit chain: %w", err)
	}
	source, err := newSourceFn(cfg)
	if err != nil {
		return fmt.Errorf("decision stream: %w", err)
	}
	defer func() { _ = source.Close() }()

	dedup, closeDedup := openDedup(ctx, cfg, logger)
	defer closeDedup()

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	consumer, err := auditchain.NewConsumer(auditchain.ConsumerOptions{
		Source:   source,
		Chain:    chain,
		Dedup:    dedup,
		DedupTTL: cfg.Audit.DedupTTL,
		Sinks:    []auditchain.Sink{hub},
		Logger:   logger,
		Metrics:  reg,
	})
	if err != nil {
		return err
	}

	srv := &Server{
		Chain:              chain,
		Records:            st,
		Hub:                hub,
		Metrics:            reg,
		Logger:             logger,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		WSAllowedOrigins:   cfg.HTTP.WSAllowedOrigins,
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("audit service listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Audit.Store))
	return runAll(ctx, consumer, server, cfg.HTTP.ShutdownTimeout)
}

// runAll keeps the consumer and the HTTP server alive together; whichever
// stops first with an error takes the other down.
func runAll(ctx context.Context, consumer *auditchain.Consumer, server *http.Server, drain time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := consumer.Run(gctx); err != nil {
			return fmt.Errorf("audit consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := listenFn(server)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// lockChain makes this process the single writer of chainID before its
// checkpoint is read; a standby replica waits here.
func lockChain(ctx context.Context, st chainStore, chainID string) (func(), error) {
	l, ok := st.(chainLocker)
	if !ok {
		return func() {}, nil
	}
	return l.LockChain(ctx, chainID)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (chainStore, func(), error) {
	switch cfg.Audit.Store {
	case "memory":
		return auditchain.NewMemoryStore(), func() {}, nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, store.PostgresOptions{
			URL:        cfg.Database.URL,
			RequireTLS: cfg.Database.RequireTLS,
			MaxConns:   int32(cfg.Database.MaxConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: %w", err)
		}
		st := audit.NewPostgresStore(pool)
		st.Locks = audit.NewChainLock(pool, time.Second, logger)
		return st, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown AUDIT_STORE %q", cfg.Audit.Store)
	}
}

// openDedup prefers the shared Redis set so a restarted consumer still
// recognizes redelivered events.
func openDedup(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Cache, func()) {
	if !cfg.Redis.Enabled {
		return store.NewMemoryCache(), func() {}
	}
	client, err := store.NewRedis(ctx, store.RedisOptionsFrom(cfg.Redis))
	if err != nil {
		logger.Warn("redis unavailable, dedup is process-local", zap.Error(err))
		return store.NewMemoryCache(), func() {}
	}
	return store.Prefixed(store.NewCache(ctx, client, logger), "guardrails:"), func() { _ = client.Close() }
}
