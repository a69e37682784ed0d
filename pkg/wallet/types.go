// Package wallet defines the wallet-activity input schema consumed from the
// wallet-transactions channel and the validation that turns untrusted bytes
// into a typed batch.
package wallet

import "encoding/json"

// Action discriminates the transaction variants. Every variant carries a
// different set of token fields, dispatched on this tag.
type Action string

const (
	ActionSwap     Action = "swap"
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
)

// Known reports whether the action is a recognized variant.
func (a Action) Known() bool {
	switch a {
	case ActionSwap, ActionDeposit, ActionWithdraw:
		return true
	}
	return false
}

// TokenAmount is one token leg of a transaction. Amount is in raw on-chain
// units, AmountUSD is the indexed USD valuation.
type TokenAmount struct {
	Amount    uint64  `json:"amount"`
	AmountUSD float64 `json:"amountUSD"`
	Address   string  `json:"address,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
}

// Transaction is the tagged union of wallet activity kinds. Swaps carry
// TokenIn/TokenOut, deposits and withdrawals carry Token0/Token1; the other
// leg pointers stay nil.
type Transaction struct {
	DocumentID string `json:"document_id"`
	Action     Action `json:"action"`
	Timestamp  int64  `json:"timestamp"`
	Caller     string `json:"caller,omitempty"`
	Protocol   string `json:"protocol"`
	PoolID     string `json:"poolId,omitempty"`
	PoolName   string `json:"poolName,omitempty"`

	TokenIn  *TokenAmount `json:"tokenIn,omitempty"`
	TokenOut *TokenAmount `json:"tokenOut,omitempty"`
	Token0   *TokenAmount `json:"token0,omitempty"`
	Token1   *TokenAmount `json:"token1,omitempty"`
}

// Legs returns the token fields the action variant carries, in a fixed
// order. Unknown actions return nil; shape validation runs before any caller
// relies on this.
func (t *Transaction) Legs() []*TokenAmount {
	switch t.Action {
	case ActionSwap:
		return []*TokenAmount{t.TokenIn, t.TokenOut}
	case ActionDeposit, ActionWithdraw:
		return []*TokenAmount{t.Token0, t.Token1}
	}
	return nil
}

// USDVolume sums amountUSD over every token leg present on the transaction.
func (t *Transaction) USDVolume() float64 {
	var total float64
	for _, leg := range t.Legs() {
		if leg != nil {
			total += leg.AmountUSD
		}
	}
	return total
}

// ProtocolGroup buckets transactions by the DeFi protocol category the
// producer assigned them to.
type ProtocolGroup struct {
	ProtocolType string        `json:"protocolType"`
	Transactions []Transaction `json:"transactions"`
}

// WalletActivityBatch is one input message: all activity to score for a
// single wallet. The wire key for the groups is "data", matching the
// upstream indexer output.
type WalletActivityBatch struct {
	WalletAddress  string          `json:"wallet_address"`
	ProtocolGroups []ProtocolGroup `json:"data"`
}

// TransactionCount returns the number of transactions across all groups.
func (b *WalletActivityBatch) TransactionCount() int {
	n := 0
	for _, g := range b.ProtocolGroups {
		n += len(g.Transactions)
	}
	return n
}

// ToJSON serializes the batch back to its wire form.
func (b *WalletActivityBatch) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}
