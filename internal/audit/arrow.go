package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/google/uuid"
)

// ArrowStoreConfig contains configuration for the ArrowStore.
type ArrowStoreConfig struct {
	BatchSize     int           // Number of records in a batch before flushing
	FlushInterval time.Duration // Maximum time to wait before flushing a batch
	Minio         MinioConfig   // Configuration for the MinIO connection
}

// ArrowStore buffers outcome records and writes them to MinIO as Arrow
// IPC files. Dead letters are archived as individual JSON objects.
type ArrowStore struct {
	cfg     ArrowStoreConfig
	storage *minioStorage
	alloc   memory.Allocator
	logger  *slog.Logger

	mu        sync.Mutex
	pending   []Record
	lastFlush time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewArrowStore creates an ArrowStore and starts its background
// flusher.
func NewArrowStore(cfg ArrowStoreConfig, logger *slog.Logger) (*ArrowStore, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	storage, err := newMinioStorage(cfg.Minio)
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO storage client: %w", err)
	}

	s := &ArrowStore{
		cfg:       cfg,
		storage:   storage,
		alloc:     memory.NewGoAllocator(),
		logger:    logger,
		lastFlush: time.Now(),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

func (s *ArrowStore) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("audit flush failed", "error", err)
			}
			cancel()
		case <-s.done:
			return
		}
	}
}

// RecordOutcome buffers a record and flushes when the batch is full.
// Pending records are capped at eight batches; the oldest are dropped
// first.
func (s *ArrowStore) RecordOutcome(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max := s.cfg.BatchSize * 8; len(s.pending) >= max {
		drop := len(s.pending) - max + 1
		s.pending = s.pending[drop:]
		s.logger.Warn("audit buffer full, dropping oldest records", "dropped", drop)
	}
	s.pending = append(s.pending, rec)

	if len(s.pending) >= s.cfg.BatchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush writes all pending records to MinIO.
func (s *ArrowStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// flushLocked writes pending records without acquiring the lock.
// Caller must hold the mutex. Records stay pending if the upload
// fails.
func (s *ArrowStore) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	first, last := s.pending[0].RecordedAt, s.pending[0].RecordedAt
	for _, rec := range s.pending {
		if rec.RecordedAt.Before(first) {
			first = rec.RecordedAt
		}
		if rec.RecordedAt.After(last) {
			last = rec.RecordedAt
		}
	}

	now := time.Now().UTC()
	uid := uuid.New().String()
	objectPath := fmt.Sprintf("outcomes/year=%04d/month=%02d/day=%02d/outcomes_%s_%s.arrow",
		now.Year(), int(now.Month()), now.Day(),
		now.Format("20060102T150405"), uid[:8])

	tmpFile, err := os.CreateTemp("", "outcomes_*.arrow")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	if err := WriteRecords(tmpFile, s.pending, s.alloc); err != nil {
		return err
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek temp file: %w", err)
	}
	fileInfo, err := tmpFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file size: %w", err)
	}

	info, err := s.storage.upload(ctx, objectPath, tmpFile, fileInfo.Size(), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("failed to upload to MinIO: %w", err)
	}

	metadata := batchMetadata{
		RecordCount: len(s.pending),
		FirstRecord: first,
		LastRecord:  last,
		FilePath:    objectPath,
		FileSize:    info.Size,
		CreatedAt:   now,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := s.storage.upload(ctx, objectPath+".metadata.json",
		bytes.NewReader(metadataJSON), int64(len(metadataJSON)), "application/json"); err != nil {
		s.logger.Warn("failed to write batch metadata", "error", err)
	}

	s.logger.Info("flushed audit batch",
		"records", len(s.pending), "object", objectPath, "size", info.Size)

	s.pending = nil
	s.lastFlush = now
	return nil
}

// ArchiveDeadLetter writes a dead letter as a standalone JSON object.
func (s *ArrowStore) ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	id := strings.ReplaceAll(dl.CorrelationID, ":", "-")
	objectPath := fmt.Sprintf("dead-letters/%s/%s_%s.json",
		dl.RecordedAt.UTC().Format("2006-01-02"), id, uuid.New().String()[:8])

	if _, err := s.storage.upload(ctx, objectPath, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}

	return nil
}

// Close flushes remaining records and stops the background flusher.
func (s *ArrowStore) Close() error {
	close(s.done)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Flush(ctx)
}

// batchMetadata describes one uploaded Arrow batch.
type batchMetadata struct {
	RecordCount int       `json:"record_count"`
	FirstRecord time.Time `json:"first_record"`
	LastRecord  time.Time `json:"last_record"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	CreatedAt   time.Time `json:"created_at"`
}

// outcomeSchema returns the Arrow schema for outcome records.
func outcomeSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "correlation_id", Type: arrow.BinaryTypes.String, Nullable: false},
			{Name: "wallet_address", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "status", Type: arrow.BinaryTypes.String, Nullable: false},
			{Name: "reason", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
			{Name: "breakdown", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "transaction_count", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
			{Name: "processing_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			{Name: "recorded_at", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, Nullable: false},
			{Name: "year", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
			{Name: "month", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
			{Name: "day", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		},
		nil, // metadata
	)
}

// WriteRecords serializes records to w as an Arrow IPC file.
func WriteRecords(w io.WriteSeeker, recs []Record, mem memory.Allocator) error {
	if len(recs) == 0 {
		return fmt.Errorf("no records to encode")
	}

	schema := outcomeSchema()

	correlationBuilder := array.NewStringBuilder(mem)
	walletBuilder := array.NewStringBuilder(mem)
	statusBuilder := array.NewStringBuilder(mem)
	reasonBuilder := array.NewStringBuilder(mem)
	scoreBuilder := array.NewFloat64Builder(mem)
	breakdownBuilder := array.NewStringBuilder(mem)
	txCountBuilder := array.NewInt32Builder(mem)
	processingBuilder := array.NewInt64Builder(mem)
	recordedAtBuilder := array.NewTimestampBuilder(mem, &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"})
	yearBuilder := array.NewInt32Builder(mem)
	monthBuilder := array.NewInt32Builder(mem)
	dayBuilder := array.NewInt32Builder(mem)

	defer correlationBuilder.Release()
	defer walletBuilder.Release()
	defer statusBuilder.Release()
	defer reasonBuilder.Release()
	defer scoreBuilder.Release()
	defer breakdownBuilder.Release()
	defer txCountBuilder.Release()
	defer processingBuilder.Release()
	defer recordedAtBuilder.Release()
	defer yearBuilder.Release()
	defer monthBuilder.Release()
	defer dayBuilder.Release()

	for _, r := range recs {
		correlationBuilder.Append(r.CorrelationID)
		walletBuilder.Append(r.WalletAddress)
		statusBuilder.Append(r.Status)
		reasonBuilder.Append(r.Reason)
		scoreBuilder.Append(r.Score)
		breakdownBuilder.Append(r.Breakdown)
		txCountBuilder.Append(int32(r.TransactionCount))
		processingBuilder.Append(r.ProcessingMs)
		recordedAtBuilder.AppendTime(r.RecordedAt)
		yearBuilder.Append(int32(r.RecordedAt.UTC().Year()))
		monthBuilder.Append(int32(r.RecordedAt.UTC().Month()))
		dayBuilder.Append(int32(r.RecordedAt.UTC().Day()))
	}

	columns := []arrow.Array{
		correlationBuilder.NewArray(),
		walletBuilder.NewArray(),
		statusBuilder.NewArray(),
		reasonBuilder.NewArray(),
		scoreBuilder.NewArray(),
		breakdownBuilder.NewArray(),
		txCountBuilder.NewArray(),
		processingBuilder.NewArray(),
		recordedAtBuilder.NewArray(),
		yearBuilder.NewArray(),
		monthBuilder.NewArray(),
		dayBuilder.NewArray(),
	}
	for _, col := range columns {
		defer col.Release()
	}

	record := array.NewRecord(schema, columns, int64(len(recs)))
	defer record.Release()

	writer, err := ipc.NewFileWriter(w, ipc.WithSchema(record.Schema()))
	if err != nil {
		return fmt.Errorf("failed to create Arrow file writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow file writer: %w", err)
	}

	return nil
}
