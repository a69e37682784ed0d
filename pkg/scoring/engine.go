// Package scoring turns a feature vector into a bounded reputation score
// with a per-feature contribution breakdown.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/chainrep/walletrank/pkg/features"
)

// ErrNotComputable marks a feature vector outside the engine's domain; the
// pipeline maps it to the ScoringFailed failure kind.
var ErrNotComputable = errors.New("feature vector outside computable domain")

// Score is the engine output: a value in [0,100] and the contribution each
// feature made to it.
type Score struct {
	Value     float64
	Breakdown map[string]float64
}

// Engine is the scoring contract the pipeline depends on: pure,
// deterministic, total over validated feature vectors, bounded output. A
// remote model can replace the linear engine behind this interface as long
// as it preserves those properties.
type Engine interface {
	Score(ctx context.Context, fv features.FeatureVector) (Score, error)
}

// Weights is the replaceable scoring policy: how many of the 100 available
// points each normalized feature can contribute.
type Weights struct {
	Volume    float64 `yaml:"volume"`
	Activity  float64 `yaml:"activity"`
	Diversity float64 `yaml:"diversity"`
	Span      float64 `yaml:"span"`
}

// DefaultWeights favors traded volume, with activity, protocol/action
// diversity, and account activity span making up the rest.
func DefaultWeights() Weights {
	return Weights{Volume: 40, Activity: 25, Diversity: 20, Span: 15}
}

func (w Weights) total() float64 {
	return w.Volume + w.Activity + w.Diversity + w.Span
}

// Validate rejects weight sets the engine cannot score with.
func (w Weights) Validate() error {
	named := []struct {
		name  string
		value float64
	}{
		{"volume", w.Volume},
		{"activity", w.Activity},
		{"diversity", w.Diversity},
		{"span", w.Span},
	}
	for _, nw := range named {
		if nw.value < 0 || math.IsNaN(nw.value) || math.IsInf(nw.value, 0) {
			return fmt.Errorf("scoring weight %s must be a non-negative finite number, got %v", nw.name, nw.value)
		}
	}
	if w.total() <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value")
	}
	return nil
}

// Saturation scales: the feature magnitude at which a normalized feature
// reaches its full weight.
const (
	volumeScaleUSD   = 10_000.0
	activityScaleTxs = 50.0
	diversityScale   = 8.0
	spanScaleSeconds = 365 * 24 * 3600.0
)

// LinearEngine is the default model: a weighted linear combination of
// saturating-normalized features, clamped to [0,100] and rounded to two
// decimals.
type LinearEngine struct {
	weights Weights
}

// NewLinearEngine builds an engine from a validated weight policy.
func NewLinearEngine(w Weights) (*LinearEngine, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &LinearEngine{weights: w}, nil
}

// Score computes the reputation score. Same vector in, bit-identical score
// and breakdown out.
func (e *LinearEngine) Score(_ context.Context, fv features.FeatureVector) (Score, error) {
	if err := checkDomain(fv); err != nil {
		return Score{}, err
	}

	// Rescale so a full house of saturated features lands exactly on 100
	// even when the policy weights do not sum to it. Contributions are
	// computed and summed in a fixed order to keep the float reduction
	// bit-identical between runs.
	norm := 100.0 / e.weights.total()
	terms := []struct {
		name         string
		weight       float64
		value, scale float64
	}{
		{"volume", e.weights.Volume, fv.TotalUSD, volumeScaleUSD},
		{"activity", e.weights.Activity, float64(fv.TransactionCount), activityScaleTxs},
		{"diversity", e.weights.Diversity, float64(fv.ProtocolCount + fv.ActionCount), diversityScale},
		{"span", e.weights.Span, float64(fv.SpanSeconds), spanScaleSeconds},
	}

	breakdown := make(map[string]float64, len(terms))
	var total float64
	for _, term := range terms {
		c := round2(norm * contribution(term.weight, term.value, term.scale))
		breakdown[term.name] = c
		total += c
	}

	value := round2(clamp(total, 0, 100))
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Score{}, fmt.Errorf("%w: non-finite score", ErrNotComputable)
	}
	return Score{Value: value, Breakdown: breakdown}, nil
}

// checkDomain guards totality: validated batches never produce these
// vectors, but the engine must fail typed rather than emit garbage when fed
// one directly.
func checkDomain(fv features.FeatureVector) error {
	if fv.TransactionCount < 0 {
		return fmt.Errorf("%w: negative transaction count %d", ErrNotComputable, fv.TransactionCount)
	}
	if fv.SpanSeconds < 0 {
		return fmt.Errorf("%w: negative activity span %d", ErrNotComputable, fv.SpanSeconds)
	}
	if fv.TotalUSD < 0 || math.IsNaN(fv.TotalUSD) || math.IsInf(fv.TotalUSD, 0) {
		return fmt.Errorf("%w: total usd volume is %v", ErrNotComputable, fv.TotalUSD)
	}
	if fv.AvgUSD < 0 || math.IsNaN(fv.AvgUSD) || math.IsInf(fv.AvgUSD, 0) {
		return fmt.Errorf("%w: average usd volume is %v", ErrNotComputable, fv.AvgUSD)
	}
	return nil
}

// contribution maps a raw feature onto [0, weight] with linear saturation.
func contribution(weight, value, scale float64) float64 {
	return weight * math.Min(value/scale, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
