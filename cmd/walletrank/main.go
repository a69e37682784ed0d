package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/chainrep/walletrank/internal/audit"
	"github.com/chainrep/walletrank/internal/config"
	"github.com/chainrep/walletrank/internal/dedup"
	"github.com/chainrep/walletrank/internal/logging"
	"github.com/chainrep/walletrank/internal/pipeline"
	"github.com/chainrep/walletrank/pkg/scoring"
)

func main() {
	// Load configuration (YAML overrides fall back to env)
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, js, err := pipeline.Connect(ctx, cfg.NatsURL, cfg.ServiceName, cfg.ConnectMaxAttempts, cfg.ConnectBackoff, logger)
	if err != nil {
		logger.Error("broker unreachable", "error", err)
		return
	}
	defer nc.Close()

	for _, spec := range []pipeline.StreamSpec{
		{
			Name:       cfg.InputStream,
			Subjects:   []string{cfg.InputSubject},
			Duplicates: cfg.DedupWindow,
		},
		{
			Name:       cfg.OutcomeStream,
			Subjects:   []string{cfg.SuccessSubject, cfg.FailureSubject},
			Duplicates: cfg.DedupWindow,
		},
	} {
		if err := pipeline.EnsureStream(js, spec, logger); err != nil {
			logger.Error("stream setup failed", "stream", spec.Name, "error", err)
			return
		}
	}

	registry := dedup.NewRegistry(newRedisClient(cfg.RedisURL), cfg.DedupTTL, logger)
	defer registry.Close()
	if err := registry.Ping(ctx); err != nil {
		logger.Warn("Redis unreachable, dedup falls back to the stream duplicate window", "error", err)
	}

	store, err := buildAuditStore(cfg, logger)
	if err != nil {
		logger.Error("audit store setup failed", "backend", cfg.Audit.Backend, "error", err)
		return
	}
	if store != nil {
		defer store.Close()
	}

	engine, err := scoring.NewLinearEngine(cfg.Weights)
	if err != nil {
		logger.Error("invalid scoring weights", "error", err)
		return
	}

	source, err := pipeline.NewJetStreamSource(js, cfg.InputStream, cfg.InputSubject, cfg.ConsumerGroup, cfg.FetchBatch, cfg.AckWait, logger)
	if err != nil {
		logger.Error("input consumer setup failed", "error", err)
		return
	}

	router := pipeline.NewRouter(
		pipeline.NewJetStreamPublisher(js),
		registry,
		store,
		pipeline.RouterConfig{
			SuccessSubject: cfg.SuccessSubject,
			FailureSubject: cfg.FailureSubject,
			MaxAttempts:    cfg.PublishMaxAttempts,
			Backoff:        cfg.PublishBackoff,
			PublishTimeout: cfg.PublishTimeout,
		},
		logger,
	)

	orch := pipeline.NewOrchestrator(source, engine, router, pipeline.Options{
		Workers:         cfg.Workers,
		RedeliveryDelay: cfg.RedeliveryDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	logger.Info("starting scoring pipeline",
		"input", cfg.InputSubject,
		"consumer_group", cfg.ConsumerGroup,
		"workers", cfg.Workers,
		"audit_backend", cfg.Audit.Backend,
	)

	if err := orch.Run(ctx); err != nil {
		logger.Error("pipeline stopped", "error", err)
		return
	}
	logger.Info("pipeline stopped")
}

func newRedisClient(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	return redis.NewClient(opt)
}

// buildAuditStore assembles the configured audit backend behind the
// async writer. A nil store means auditing is off.
func buildAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	var base audit.Store

	switch cfg.Audit.Backend {
	case "off", "":
		return nil, nil
	case "duckdb":
		store, err := audit.NewDuckDBStore(cfg.Audit.DuckDBPath)
		if err != nil {
			return nil, err
		}
		base = store
	case "arrow":
		store, err := audit.NewArrowStore(audit.ArrowStoreConfig{
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			Minio: audit.MinioConfig{
				Endpoint:  cfg.Audit.Minio.Endpoint,
				AccessKey: cfg.Audit.Minio.AccessKey,
				SecretKey: cfg.Audit.Minio.SecretKey,
				UseSSL:    cfg.Audit.Minio.UseSSL,
				Bucket:    cfg.Audit.Minio.Bucket,
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		base = store
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}

	return audit.NewAsyncStore(base, cfg.Audit.QueueSize, cfg.Audit.BatchSize, logger), nil
}
