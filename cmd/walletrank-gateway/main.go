package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/chainrep/walletrank/internal/config"
	"github.com/chainrep/walletrank/internal/dedup"
	"github.com/chainrep/walletrank/internal/gateway"
	"github.com/chainrep/walletrank/internal/logging"
	"github.com/chainrep/walletrank/internal/pipeline"
	"github.com/chainrep/walletrank/pkg/scoring"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := scoring.NewLinearEngine(cfg.Weights)
	if err != nil {
		logger.Error("invalid scoring weights", "error", err)
		return
	}

	// The gateway degrades without the broker or Redis: synchronous
	// scoring keeps working, submit and the outcome tail report
	// unavailable.
	var publisher gateway.Publisher
	var tail gateway.Tail
	brokerUp := func() bool { return false }

	nc, js, err := pipeline.Connect(ctx, cfg.NatsURL, cfg.ServiceName+"-gateway", cfg.ConnectMaxAttempts, cfg.ConnectBackoff, logger)
	if err != nil {
		logger.Warn("broker unreachable, submit and outcome stream disabled", "error", err)
	} else {
		defer nc.Close()
		publisher = pipeline.NewJetStreamPublisher(js)
		tail = gateway.NewNATSTail(nc)
		brokerUp = nc.IsConnected
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		opt = &redis.Options{Addr: cfg.RedisURL}
	}
	registry := dedup.NewRegistry(redis.NewClient(opt), cfg.DedupTTL, logger)
	defer registry.Close()

	gw := gateway.New(gateway.Options{
		Addr:           cfg.HTTPAddr,
		ServiceName:    cfg.ServiceName,
		InputSubject:   cfg.InputSubject,
		SuccessSubject: cfg.SuccessSubject,
		FailureSubject: cfg.FailureSubject,
	}, engine, publisher, registry, tail, brokerUp, logger)

	if err := gw.Run(ctx); err != nil {
		logger.Error("gateway stopped", "error", err)
		return
	}
	logger.Info("gateway stopped")
}
