// Package outcome defines the terminal result types of the scoring pipeline:
// the error taxonomy, the success and failure payloads published on the
// outcome channels, and the correlation identifiers that tie an outcome back
// to its originating input message.
package outcome

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies every way an input can fail to produce a score.
type ErrorKind string

const (
	// SchemaInvalid marks malformed, missing, or wrong-typed input fields.
	SchemaInvalid ErrorKind = "SchemaInvalid"
	// UnknownActionType marks a transaction action outside the known variants.
	UnknownActionType ErrorKind = "UnknownActionType"
	// ScoringFailed marks a feature vector outside the computable domain.
	ScoringFailed ErrorKind = "ScoringFailed"
	// SinkUnavailable marks a transient failure to publish an outcome.
	SinkUnavailable ErrorKind = "SinkUnavailable"
	// TransportUnavailable marks a transient failure of the input source.
	TransportUnavailable ErrorKind = "TransportUnavailable"
)

// Permanent reports whether the kind routes to the failure channel rather
// than being retried.
func (k ErrorKind) Permanent() bool {
	switch k {
	case SchemaInvalid, UnknownActionType, ScoringFailed:
		return true
	}
	return false
}

// Status tags which of the two outcome channels a result belongs to.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ScoreResult is the payload published on the success channel.
type ScoreResult struct {
	WalletAddress    string             `json:"wallet_address"`
	Score            float64            `json:"score"`
	Breakdown        map[string]float64 `json:"breakdown"`
	CorrelationID    string             `json:"correlation_id"`
	TransactionCount int                `json:"transaction_count"`
	Timestamp        int64              `json:"timestamp"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
}

// FailureResult is the payload published on the failure channel.
type FailureResult struct {
	WalletAddress string    `json:"wallet_address,omitempty"`
	Reason        ErrorKind `json:"reason"`
	Detail        string    `json:"detail"`
	CorrelationID string    `json:"correlation_id"`
	RawExcerpt    string    `json:"raw_excerpt,omitempty"`
}

// Outcome is the single terminal result of one input message. Exactly one of
// Score or Failure is set.
type Outcome struct {
	Status  Status
	Score   *ScoreResult
	Failure *FailureResult
}

// Success wraps a ScoreResult as a success outcome.
func Success(res *ScoreResult) Outcome {
	return Outcome{Status: StatusSuccess, Score: res}
}

// Failed wraps a FailureResult as a failure outcome.
func Failed(res *FailureResult) Outcome {
	return Outcome{Status: StatusFailure, Failure: res}
}

// CorrelationID returns the input identity the outcome is keyed by.
func (o Outcome) CorrelationID() string {
	if o.Status == StatusSuccess {
		return o.Score.CorrelationID
	}
	return o.Failure.CorrelationID
}

// WalletAddress returns the wallet the outcome refers to, empty when the
// input was too malformed to recover one.
func (o Outcome) WalletAddress() string {
	if o.Status == StatusSuccess {
		return o.Score.WalletAddress
	}
	return o.Failure.WalletAddress
}

// Marshal serializes the active payload for publishing.
func (o Outcome) Marshal() ([]byte, error) {
	switch o.Status {
	case StatusSuccess:
		if o.Score == nil {
			return nil, fmt.Errorf("success outcome without score payload")
		}
		return json.Marshal(o.Score)
	case StatusFailure:
		if o.Failure == nil {
			return nil, fmt.Errorf("failure outcome without failure payload")
		}
		return json.Marshal(o.Failure)
	}
	return nil, fmt.Errorf("outcome with unknown status %q", o.Status)
}

// maxExcerptBytes bounds how much of a raw input a FailureResult carries.
const maxExcerptBytes = 256

// Excerpt returns the leading bytes of a raw message, truncated and coerced
// to valid UTF-8 so the failure payload always serializes cleanly.
func Excerpt(raw []byte) string {
	if len(raw) > maxExcerptBytes {
		raw = raw[:maxExcerptBytes]
	}
	for len(raw) > 0 && !utf8.Valid(raw) {
		raw = raw[:len(raw)-1]
	}
	return strings.ToValidUTF8(string(raw), "")
}
