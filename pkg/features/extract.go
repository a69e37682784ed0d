// Package features reduces a validated wallet-activity batch to the
// fixed-shape numeric vector the scoring engine consumes.
package features

import (
	"sort"

	"github.com/chainrep/walletrank/pkg/wallet"
)

// FeatureVector is the per-wallet activity summary. It is derived per
// message and never persisted independently of its source batch.
type FeatureVector struct {
	TransactionCount int
	TotalUSD         float64
	ProtocolCount    int
	ActionCount      int
	SpanSeconds      int64
	AvgUSD           float64
	FirstTimestamp   int64
	LastTimestamp    int64
}

// Extract walks every protocol group once and accumulates the vector. It is
// total over validated batches and deterministic under permutation of the
// transaction lists: per-transaction USD volumes are sorted before summation
// so the float reduction order never depends on input order.
func Extract(batch *wallet.WalletActivityBatch) FeatureVector {
	var (
		volumes   []float64
		protocols = make(map[string]struct{})
		actions   = make(map[wallet.Action]struct{})
		first     int64
		last      int64
	)

	for _, group := range batch.ProtocolGroups {
		for i := range group.Transactions {
			tx := &group.Transactions[i]
			volumes = append(volumes, tx.USDVolume())
			protocols[tx.Protocol] = struct{}{}
			actions[tx.Action] = struct{}{}
			if first == 0 || tx.Timestamp < first {
				first = tx.Timestamp
			}
			if tx.Timestamp > last {
				last = tx.Timestamp
			}
		}
	}

	sort.Float64s(volumes)
	var total float64
	for _, v := range volumes {
		total += v
	}

	fv := FeatureVector{
		TransactionCount: len(volumes),
		TotalUSD:         total,
		ProtocolCount:    len(protocols),
		ActionCount:      len(actions),
		FirstTimestamp:   first,
		LastTimestamp:    last,
	}
	if fv.TransactionCount > 0 {
		fv.AvgUSD = total / float64(fv.TransactionCount)
		fv.SpanSeconds = last - first
	}
	return fv
}
