// Package pipeline consumes wallet activity batches from the input
// stream, scores them, and routes exactly one outcome per message to
// the success or failure stream.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reugn/go-streams"

	"github.com/chainrep/walletrank/internal/observability"
	"github.com/chainrep/walletrank/pkg/features"
	"github.com/chainrep/walletrank/pkg/outcome"
	"github.com/chainrep/walletrank/pkg/scoring"
	"github.com/chainrep/walletrank/pkg/wallet"
)

// Delivery is one message leased from the input stream. The message
// stays leased until Ack or Nak; an unacknowledged message is
// redelivered after its ack deadline.
type Delivery interface {
	Data() []byte
	CorrelationID() string
	Attempts() int
	Ack() error
	Nak(delay time.Duration) error
}

// Source emits Delivery values for scoring. Implementations satisfy
// streams.Source so they can front a go-streams flow; Close stops the
// emitter and closes the Out channel, which drains the workers.
type Source interface {
	streams.Source
	Close() error
}

// Publisher publishes outcome payloads. The message ID deduplicates
// republishes of the same outcome within the stream's duplicate
// window.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) (duplicate bool, err error)
}

// Options tune the orchestrator.
type Options struct {
	Workers         int
	RedeliveryDelay time.Duration
	ShutdownTimeout time.Duration
}

// Orchestrator runs the worker pool that turns deliveries into
// published outcomes.
type Orchestrator struct {
	source Source
	engine scoring.Engine
	router *Router
	opts   Options
	logger *slog.Logger
}

// NewOrchestrator wires a source, a scoring engine, and an outcome
// router into a runnable pipeline.
func NewOrchestrator(source Source, engine scoring.Engine, router *Router, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		source: source,
		engine: engine,
		router: router,
		opts:   opts,
		logger: logger,
	}
}

// Run processes deliveries until ctx is cancelled, then stops intake
// and drains in-flight messages within the shutdown timeout. Messages
// still unfinished at the deadline stay unacknowledged and redeliver
// later.
func (o *Orchestrator) Run(ctx context.Context) error {
	out := o.source.Out()

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for item := range out {
				delivery, ok := item.(Delivery)
				if !ok {
					o.logger.Error("source emitted unexpected item", "worker", worker, "type", fmt.Sprintf("%T", item))
					continue
				}
				o.process(delivery)
			}
		}(i)
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	o.logger.Info("pipeline running", "workers", o.opts.Workers)

	select {
	case <-workersDone:
		if ctx.Err() == nil {
			return fmt.Errorf("input source closed unexpectedly")
		}
		return nil
	case <-ctx.Done():
	}

	o.logger.Info("draining in-flight messages", "timeout", o.opts.ShutdownTimeout)
	if err := o.source.Close(); err != nil {
		o.logger.Warn("source close failed", "error", err)
	}

	select {
	case <-workersDone:
		return nil
	case <-time.After(o.opts.ShutdownTimeout):
		return fmt.Errorf("drain timed out after %s", o.opts.ShutdownTimeout)
	}
}

// process handles one delivery end to end. The outcome publish runs
// on a fresh context so an in-flight message can finish during
// shutdown.
func (o *Orchestrator) process(d Delivery) {
	start := time.Now()
	observability.RecordConsumed()
	observability.DefaultMetrics.InflightMessages.Inc()
	defer observability.DefaultMetrics.InflightMessages.Dec()

	logger := o.logger.With("correlation_id", d.CorrelationID())
	if d.Attempts() > 1 {
		observability.RecordRedelivery()
		logger.Info("redelivered message", "attempts", d.Attempts())
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.ShutdownTimeout)
	defer cancel()

	result := Evaluate(ctx, o.engine, d.Data(), d.CorrelationID())

	if err := o.router.Route(ctx, result, d.Data(), d.Attempts()); err != nil {
		logger.Error("outcome could not be published, leaving message for redelivery",
			"error", err, "delay", o.opts.RedeliveryDelay)
		observability.RecordDeadLetter()
		if err := d.Nak(o.opts.RedeliveryDelay); err != nil {
			logger.Warn("nak failed", "error", err)
		}
		return
	}

	// Commit only after the outcome is visible.
	if err := d.Ack(); err != nil {
		logger.Warn("ack failed, message may redeliver", "error", err)
		return
	}

	observability.RecordOutcome(string(result.Status), time.Since(start).Seconds())
	if result.Status == outcome.StatusSuccess {
		logger.Info("wallet scored",
			"wallet", result.Score.WalletAddress,
			"score", result.Score.Score,
			"transactions", result.Score.TransactionCount)
	} else {
		logger.Info("wallet rejected",
			"reason", result.Failure.Reason,
			"detail", result.Failure.Detail)
	}
}

// Evaluate runs the validate, extract, and score stages for one raw
// message. It is total: every input maps to exactly one outcome, and
// panics surface as ScoringFailed.
func Evaluate(ctx context.Context, engine scoring.Engine, raw []byte, correlationID string) (result outcome.Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result = outcome.Failed(&outcome.FailureResult{
				WalletAddress: walletOf(raw),
				Reason:        outcome.ScoringFailed,
				Detail:        fmt.Sprintf("internal error: %v", r),
				CorrelationID: correlationID,
				RawExcerpt:    outcome.Excerpt(raw),
			})
		}
	}()

	batch, err := wallet.DecodeBatch(raw)
	if err != nil {
		reason := outcome.SchemaInvalid
		if verr, ok := wallet.AsValidation(err); ok {
			reason = verr.Kind
		}
		return outcome.Failed(&outcome.FailureResult{
			WalletAddress: walletOf(raw),
			Reason:        reason,
			Detail:        err.Error(),
			CorrelationID: correlationID,
			RawExcerpt:    outcome.Excerpt(raw),
		})
	}

	vector := features.Extract(batch)

	score, err := engine.Score(ctx, vector)
	if err != nil {
		return outcome.Failed(&outcome.FailureResult{
			WalletAddress: batch.WalletAddress,
			Reason:        outcome.ScoringFailed,
			Detail:        err.Error(),
			CorrelationID: correlationID,
		})
	}

	return outcome.Success(&outcome.ScoreResult{
		WalletAddress:    batch.WalletAddress,
		Score:            score.Value,
		Breakdown:        score.Breakdown,
		CorrelationID:    correlationID,
		TransactionCount: batch.TransactionCount(),
		Timestamp:        time.Now().Unix(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// walletOf pulls the wallet address out of a raw message when the
// envelope parses, for failure payloads.
func walletOf(raw []byte) string {
	var envelope struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return envelope.WalletAddress
}
