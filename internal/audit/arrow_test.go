package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRecordsRoundTrip(t *testing.T) {
	recordedAt := time.Date(2026, 8, 21, 10, 30, 0, 0, time.UTC)
	recs := []Record{
		{
			CorrelationID:    "WALLET_TX:1",
			WalletAddress:    "0x742d35Cc6634C0532925a3b844Bc9e7595f24265",
			Status:           "success",
			Score:            73.5,
			Breakdown:        `{"volume":40}`,
			TransactionCount: 7,
			ProcessingMs:     12,
			RecordedAt:       recordedAt,
		},
		{
			CorrelationID: "WALLET_TX:2",
			Status:        "failure",
			Reason:        "SchemaInvalid",
			RecordedAt:    recordedAt.Add(time.Second),
		},
	}

	path := filepath.Join(t.TempDir(), "outcomes.arrow")
	f, err := os.Create(path)
	require.NoError(t, err)

	mem := memory.NewGoAllocator()
	require.NoError(t, WriteRecords(f, recs, mem))
	require.NoError(t, f.Close())

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer rf.Close()

	reader, err := ipc.NewFileReader(rf, ipc.WithAllocator(mem))
	require.NoError(t, err)
	defer reader.Close()

	require.Equal(t, 1, reader.NumRecords())
	rec, err := reader.Record(0)
	require.NoError(t, err)

	require.EqualValues(t, 2, rec.NumRows())
	assert.True(t, rec.Schema().Equal(outcomeSchema()))

	correlations := rec.Column(0).(*array.String)
	assert.Equal(t, "WALLET_TX:1", correlations.Value(0))
	assert.Equal(t, "WALLET_TX:2", correlations.Value(1))

	statuses := rec.Column(2).(*array.String)
	assert.Equal(t, "success", statuses.Value(0))
	assert.Equal(t, "failure", statuses.Value(1))

	scores := rec.Column(4).(*array.Float64)
	assert.Equal(t, 73.5, scores.Value(0))

	recorded := rec.Column(8).(*array.Timestamp)
	assert.Equal(t, recordedAt, recorded.Value(0).ToTime(arrow.Microsecond).UTC())

	years := rec.Column(9).(*array.Int32)
	assert.EqualValues(t, 2026, years.Value(0))
}

func TestWriteRecordsRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.arrow")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Error(t, WriteRecords(f, nil, memory.NewGoAllocator()))
}
