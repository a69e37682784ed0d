package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/walletrank/pkg/outcome"
)

// captureStore records every write for inspection. If gate is set the
// first single-record write blocks until the gate is closed, after
// signalling entered.
type captureStore struct {
	mu      sync.Mutex
	recs    []Record
	dls     []DeadLetter
	batches int

	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (c *captureStore) RecordOutcome(_ context.Context, rec Record) error {
	if c.gate != nil {
		c.once.Do(func() {
			c.entered <- struct{}{}
			<-c.gate
		})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureStore) RecordOutcomeBatch(_ context.Context, recs []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, recs...)
	c.batches++
	return nil
}

func (c *captureStore) ArchiveDeadLetter(_ context.Context, dl DeadLetter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dls = append(c.dls, dl)
	return nil
}

func (c *captureStore) Close() error { return nil }

func (c *captureStore) stored() ([]Record, []DeadLetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.recs...), append([]DeadLetter(nil), c.dls...)
}

func TestAsyncStoreWritesThrough(t *testing.T) {
	inner := &captureStore{}
	store := NewAsyncStore(inner, 16, 4, nil)
	ctx := context.Background()

	for _, id := range []string{"WALLET_TX:1", "WALLET_TX:2", "WALLET_TX:3"} {
		require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: id, Status: "success"}))
	}
	require.NoError(t, store.ArchiveDeadLetter(ctx, DeadLetter{CorrelationID: "WALLET_TX:4", Reason: "SinkUnavailable"}))

	require.NoError(t, store.Close())

	recs, dls := inner.stored()
	assert.Len(t, recs, 3)
	require.Len(t, dls, 1)
	assert.Equal(t, "WALLET_TX:4", dls[0].CorrelationID)
}

func TestAsyncStoreDropsWhenFull(t *testing.T) {
	inner := &captureStore{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	store := NewAsyncStore(inner, 2, 1, nil)
	ctx := context.Background()

	// Block the worker on the first record so the queue stays full.
	require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: "WALLET_TX:1"}))
	<-inner.entered

	require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: "WALLET_TX:2"}))
	require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: "WALLET_TX:3"}))
	require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: "WALLET_TX:4"}))

	close(inner.gate)
	require.NoError(t, store.Close())

	recs, _ := inner.stored()
	assert.Len(t, recs, 3, "fourth record should have been dropped")
}

func TestAsyncStoreBatchesPendingRecords(t *testing.T) {
	inner := &captureStore{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	store := NewAsyncStore(inner, 16, 4, nil)
	ctx := context.Background()

	require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: "WALLET_TX:1"}))
	<-inner.entered

	// Queue several records while the worker is blocked.
	for _, id := range []string{"WALLET_TX:2", "WALLET_TX:3", "WALLET_TX:4", "WALLET_TX:5"} {
		require.NoError(t, store.RecordOutcome(ctx, Record{CorrelationID: id}))
	}

	close(inner.gate)
	require.NoError(t, store.Close())

	recs, _ := inner.stored()
	inner.mu.Lock()
	batches := inner.batches
	inner.mu.Unlock()
	assert.Len(t, recs, 5)
	assert.GreaterOrEqual(t, batches, 1, "queued records should be written as a batch")
}

func TestFromOutcomeSuccess(t *testing.T) {
	o := outcome.Success(&outcome.ScoreResult{
		WalletAddress:    "0x742d35Cc6634C0532925a3b844Bc9e7595f24265",
		Score:            73.5,
		Breakdown:        map[string]float64{"volume": 40.0, "activity": 33.5},
		CorrelationID:    "WALLET_TX:42",
		TransactionCount: 7,
		ProcessingTimeMs: 12,
	})

	rec := FromOutcome(o)
	assert.Equal(t, "WALLET_TX:42", rec.CorrelationID)
	assert.Equal(t, "0x742d35Cc6634C0532925a3b844Bc9e7595f24265", rec.WalletAddress)
	assert.Equal(t, "success", rec.Status)
	assert.Empty(t, rec.Reason)
	assert.Equal(t, 73.5, rec.Score)
	assert.Equal(t, 7, rec.TransactionCount)
	assert.WithinDuration(t, time.Now(), rec.RecordedAt, time.Minute)

	var breakdown map[string]float64
	require.NoError(t, json.Unmarshal([]byte(rec.Breakdown), &breakdown))
	assert.Equal(t, 40.0, breakdown["volume"])
}

func TestFromOutcomeFailure(t *testing.T) {
	o := outcome.Failed(&outcome.FailureResult{
		Reason:        outcome.SchemaInvalid,
		Detail:        "wallet_address: must be a hex address",
		CorrelationID: "WALLET_TX:43",
	})

	rec := FromOutcome(o)
	assert.Equal(t, "WALLET_TX:43", rec.CorrelationID)
	assert.Equal(t, "failure", rec.Status)
	assert.Equal(t, "SchemaInvalid", rec.Reason)
	assert.Zero(t, rec.Score)
	assert.Empty(t, rec.Breakdown)
}
