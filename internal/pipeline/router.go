package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainrep/walletrank/internal/audit"
	"github.com/chainrep/walletrank/internal/dedup"
	"github.com/chainrep/walletrank/internal/observability"
	"github.com/chainrep/walletrank/internal/retry"
	"github.com/chainrep/walletrank/pkg/outcome"
)

// RouterConfig carries the routing targets and the publish retry
// budget.
type RouterConfig struct {
	SuccessSubject string
	FailureSubject string
	MaxAttempts    int
	Backoff        time.Duration
	PublishTimeout time.Duration
}

// Router publishes outcomes to their stream, suppresses duplicates,
// and records each published outcome in the audit store.
type Router struct {
	pub    Publisher
	dedup  *dedup.Registry
	audit  audit.Store
	cfg    RouterConfig
	logger *slog.Logger
}

// NewRouter builds a router. The dedup registry may be nil when Redis
// is unavailable; the stream's duplicate window still suppresses
// republishes. The audit store may be nil to disable auditing.
func NewRouter(pub Publisher, registry *dedup.Registry, store audit.Store, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pub:    pub,
		dedup:  registry,
		audit:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Route publishes the outcome keyed by its correlation ID. On success
// the outcome is observable exactly once: a later call with the same
// ID is suppressed by the dedup marker or by the stream's duplicate
// window. A returned error means the outcome is NOT visible and the
// message must stay uncommitted; raw and attempts feed the dead-letter
// archive in that case.
func (r *Router) Route(ctx context.Context, o outcome.Outcome, raw []byte, attempts int) error {
	id := o.CorrelationID()
	logger := r.logger.With("correlation_id", id)

	if r.dedup != nil && r.dedup.AlreadyPublished(ctx, id) {
		observability.RecordDuplicateSuppressed()
		logger.Info("outcome already published, suppressing republish")
		return nil
	}

	subject := r.cfg.SuccessSubject
	if o.Status == outcome.StatusFailure {
		subject = r.cfg.FailureSubject
	}

	data, err := o.Marshal()
	if err != nil {
		return fmt.Errorf("marshal outcome %s: %w", id, err)
	}

	attempt := 0
	err = retry.Do(ctx, r.cfg.MaxAttempts, r.cfg.Backoff, func() error {
		attempt++
		if attempt > 1 {
			observability.RecordPublishRetry()
		}

		pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		defer cancel()

		duplicate, err := r.pub.Publish(pctx, subject, id, data)
		if err != nil {
			logger.Warn("outcome publish failed", "attempt", attempt, "subject", subject, "error", err)
			return err
		}
		if duplicate {
			observability.RecordDuplicateSuppressed()
			logger.Info("outcome deduplicated by stream", "subject", subject)
		}
		return nil
	})
	if err != nil {
		r.archiveDeadLetter(ctx, o, raw, attempts)
		return fmt.Errorf("publish outcome %s after %d attempts: %w", id, attempt, err)
	}

	if r.dedup != nil {
		if err := r.dedup.MarkPublished(ctx, id, string(o.Status)); err != nil {
			logger.Warn("dedup marker not recorded", "error", err)
		}
	}
	if r.audit != nil {
		if err := r.audit.RecordOutcome(ctx, audit.FromOutcome(o)); err != nil {
			logger.Warn("audit record failed", "error", err)
		}
	}

	if o.Status == outcome.StatusSuccess {
		observability.RecordScore(o.Score.Score)
	} else {
		observability.RecordFailure(string(o.Failure.Reason))
	}

	return nil
}

// archiveDeadLetter keeps a copy of the original message when its
// outcome could not be published.
func (r *Router) archiveDeadLetter(ctx context.Context, o outcome.Outcome, raw []byte, attempts int) {
	if r.audit == nil {
		return
	}

	dl := audit.DeadLetter{
		CorrelationID: o.CorrelationID(),
		Reason:        string(outcome.SinkUnavailable),
		Attempts:      attempts,
		Payload:       raw,
		RecordedAt:    time.Now().UTC(),
	}
	if err := r.audit.ArchiveDeadLetter(ctx, dl); err != nil {
		r.logger.Warn("dead letter archive failed",
			"correlation_id", dl.CorrelationID, "error", err)
	}
}
