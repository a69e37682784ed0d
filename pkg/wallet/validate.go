package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	gethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/chainrep/walletrank/pkg/outcome"
)

// ValidationError is the typed rejection a malformed batch resolves to.
// Path names the offending field in the wire layout, e.g.
// "data[0].transactions[2].tokenIn.amountUSD".
type ValidationError struct {
	Kind   outcome.ErrorKind
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Detail)
}

// AsValidation unwraps err into a ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: outcome.SchemaInvalid, Path: path, Detail: fmt.Sprintf(format, args...)}
}

// DecodeBatch parses raw message bytes into a validated WalletActivityBatch.
// It is total: every malformed input returns a ValidationError, never a
// panic. Unknown top-level fields are ignored for forward compatibility.
func DecodeBatch(raw []byte) (*WalletActivityBatch, error) {
	var batch WalletActivityBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, decodeError(err)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return &batch, nil
}

// decodeError converts encoding/json failures into field-path validation
// errors where the decoder can name one.
func decodeError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		path := typeErr.Field
		if path == "" {
			path = "(document)"
		}
		return invalid(path, "cannot decode %s into %s", typeErr.Value, typeErr.Type)
	}
	var synErr *json.SyntaxError
	if errors.As(err, &synErr) {
		return invalid("", "invalid JSON at offset %d: %v", synErr.Offset, synErr)
	}
	return invalid("", "invalid JSON: %v", err)
}

// Validate checks the decoded batch against the schema rules. A single
// malformed transaction rejects the whole batch.
func (b *WalletActivityBatch) Validate() error {
	if b.WalletAddress == "" {
		return invalid("wallet_address", "missing")
	}
	if !gethcommon.IsHexAddress(b.WalletAddress) {
		return invalid("wallet_address", "not an address: %q", b.WalletAddress)
	}
	if len(b.ProtocolGroups) == 0 {
		return invalid("data", "must contain at least one protocol group")
	}

	seen := make(map[string]string, b.TransactionCount())
	for i, group := range b.ProtocolGroups {
		groupPath := fmt.Sprintf("data[%d]", i)
		if group.ProtocolType == "" {
			return invalid(groupPath+".protocolType", "missing")
		}
		for j := range group.Transactions {
			tx := &group.Transactions[j]
			txPath := fmt.Sprintf("%s.transactions[%d]", groupPath, j)
			if err := tx.validate(txPath); err != nil {
				return err
			}
			if prev, dup := seen[tx.DocumentID]; dup {
				return invalid(txPath+".document_id", "duplicate of %s: %q", prev, tx.DocumentID)
			}
			seen[tx.DocumentID] = txPath
		}
	}
	return nil
}

func (t *Transaction) validate(path string) error {
	if t.DocumentID == "" {
		return invalid(path+".document_id", "missing")
	}
	if t.Action == "" {
		return invalid(path+".action", "missing")
	}
	if !t.Action.Known() {
		return &ValidationError{
			Kind:   outcome.UnknownActionType,
			Path:   path + ".action",
			Detail: fmt.Sprintf("unrecognized action %q", t.Action),
		}
	}
	if t.Timestamp <= 0 {
		return invalid(path+".timestamp", "must be a positive unix timestamp, got %d", t.Timestamp)
	}
	if t.Protocol == "" {
		return invalid(path+".protocol", "missing")
	}

	legs := t.Legs()
	for k, name := range t.legNames() {
		leg := legs[k]
		if leg == nil {
			return invalid(fmt.Sprintf("%s.%s", path, name), "required for action %q", t.Action)
		}
		if err := leg.validate(fmt.Sprintf("%s.%s", path, name)); err != nil {
			return err
		}
	}
	return nil
}

// legNames mirrors Legs: the wire names of the variant's token fields.
func (t *Transaction) legNames() []string {
	switch t.Action {
	case ActionSwap:
		return []string{"tokenIn", "tokenOut"}
	case ActionDeposit, ActionWithdraw:
		return []string{"token0", "token1"}
	}
	return nil
}

func (a *TokenAmount) validate(path string) error {
	if a.AmountUSD < 0 {
		return invalid(path+".amountUSD", "negative value %v", a.AmountUSD)
	}
	if math.IsNaN(a.AmountUSD) || math.IsInf(a.AmountUSD, 0) {
		return invalid(path+".amountUSD", "non-finite value")
	}
	return nil
}
