package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chainrep/walletrank/internal/observability"
)

const writeTimeout = 30 * time.Second

// batchRecorder is implemented by stores that can persist several
// records in one call.
type batchRecorder interface {
	RecordOutcomeBatch(ctx context.Context, recs []Record) error
}

// AsyncStore decouples the processing path from audit writes. Records
// are queued and written by a single background worker; when the queue
// is full new records are dropped rather than blocking the pipeline.
type AsyncStore struct {
	store     Store
	queue     chan any
	batchSize int
	logger    *slog.Logger
	wg        sync.WaitGroup

	closeOnce sync.Once
}

// NewAsyncStore wraps store with a queue of the given size and starts
// the writer worker.
func NewAsyncStore(store Store, queueSize, batchSize int, logger *slog.Logger) *AsyncStore {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &AsyncStore{
		store:     store,
		queue:     make(chan any, queueSize),
		batchSize: batchSize,
		logger:    logger,
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// RecordOutcome queues a record for the background writer. A full
// queue drops the record.
func (s *AsyncStore) RecordOutcome(_ context.Context, rec Record) error {
	select {
	case s.queue <- rec:
	default:
		observability.RecordAuditDrop()
		s.logger.Warn("audit queue full, dropping outcome record",
			"correlation_id", rec.CorrelationID)
	}
	return nil
}

// ArchiveDeadLetter queues a dead letter for the background writer. A
// full queue drops it.
func (s *AsyncStore) ArchiveDeadLetter(_ context.Context, dl DeadLetter) error {
	select {
	case s.queue <- dl:
	default:
		observability.RecordAuditDrop()
		s.logger.Error("audit queue full, dropping dead letter",
			"correlation_id", dl.CorrelationID)
	}
	return nil
}

func (s *AsyncStore) worker() {
	defer s.wg.Done()

	batcher, canBatch := s.store.(batchRecorder)

	for item := range s.queue {
		recs, dls := s.collect(item)

		if len(recs) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			var err error
			if canBatch && len(recs) > 1 {
				err = batcher.RecordOutcomeBatch(ctx, recs)
			} else {
				for _, rec := range recs {
					if err = s.store.RecordOutcome(ctx, rec); err != nil {
						break
					}
				}
			}
			cancel()
			if err != nil {
				s.logger.Warn("audit write failed", "records", len(recs), "error", err)
			} else {
				for range recs {
					observability.RecordAuditWrite()
				}
			}
		}

		for _, dl := range dls {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.store.ArchiveDeadLetter(ctx, dl)
			cancel()
			if err != nil {
				s.logger.Warn("dead letter archive failed",
					"correlation_id", dl.CorrelationID, "error", err)
			}
		}
	}
}

// collect pulls queued items, without blocking, until the record
// batch is full or the queue is empty.
func (s *AsyncStore) collect(first any) ([]Record, []DeadLetter) {
	var recs []Record
	var dls []DeadLetter

	add := func(item any) {
		switch v := item.(type) {
		case Record:
			recs = append(recs, v)
		case DeadLetter:
			dls = append(dls, v)
		}
	}
	add(first)

	for len(recs) < s.batchSize {
		select {
		case item, ok := <-s.queue:
			if !ok {
				return recs, dls
			}
			add(item)
		default:
			return recs, dls
		}
	}
	return recs, dls
}

// Close drains the queue, stops the worker, and closes the wrapped
// store.
func (s *AsyncStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
	return s.store.Close()
}
