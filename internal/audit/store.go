// Package audit keeps a queryable copy of every published outcome and
// every dead-lettered message, independent of the outcome streams.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chainrep/walletrank/pkg/outcome"
)

// Record is one published outcome as stored in the audit backend.
type Record struct {
	CorrelationID    string    `json:"correlation_id"`
	WalletAddress    string    `json:"wallet_address"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	Score            float64   `json:"score"`
	Breakdown        string    `json:"breakdown,omitempty"`
	TransactionCount int       `json:"transaction_count"`
	ProcessingMs     int64     `json:"processing_time_ms"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// DeadLetter is a message whose outcome could not be published within
// the configured retry budget.
type DeadLetter struct {
	CorrelationID string    `json:"correlation_id"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	Payload       []byte    `json:"payload,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Store persists outcome records and dead letters.
type Store interface {
	RecordOutcome(ctx context.Context, rec Record) error
	ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error
	Close() error
}

// FromOutcome converts a routed outcome into an audit record.
func FromOutcome(o outcome.Outcome) Record {
	rec := Record{
		CorrelationID: o.CorrelationID(),
		WalletAddress: o.WalletAddress(),
		Status:        string(o.Status),
		RecordedAt:    time.Now().UTC(),
	}

	switch {
	case o.Score != nil:
		rec.Score = o.Score.Score
		rec.TransactionCount = o.Score.TransactionCount
		rec.ProcessingMs = o.Score.ProcessingTimeMs
		if b, err := json.Marshal(o.Score.Breakdown); err == nil {
			rec.Breakdown = string(b)
		}
	case o.Failure != nil:
		rec.Reason = string(o.Failure.Reason)
	}

	return rec
}

// NopStore discards everything. Used when auditing is disabled.
type NopStore struct{}

func (NopStore) RecordOutcome(context.Context, Record) error { return nil }

func (NopStore) ArchiveDeadLetter(context.Context, DeadLetter) error { return nil }

func (NopStore) Close() error { return nil }
