package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Transaction moves Value from one address to another. Signatures are carried
// through untouched; they are not verified by the light node.
type Transaction struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`

	// BlockHash is the hash of the containing block, if known.
	BlockHash string `json:"block_hash,omitempty"`
}

// Amount parses Value as a non-negative decimal.
func (tx *Transaction) Amount() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(tx.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid value %q: %w", tx.Value, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative value %q", tx.Value)
	}
	return v, nil
}

// ValidateBasic performs stateless validation on a Transaction.
func (tx *Transaction) ValidateBasic() error {
	if tx == nil {
		return errors.New("nil transaction")
	}
	if tx.Hash == "" {
		return errors.New("empty transaction hash")
	}
	if tx.From == "" || tx.To == "" {
		return fmt.Errorf("transaction %s: empty address", tx.Hash)
	}
	if _, err := tx.Amount(); err != nil {
		return fmt.Errorf("transaction %s: %w", tx.Hash, err)
	}
	return nil
}

// Copy returns a copy of the transaction.
func (tx *Transaction) Copy() *Transaction {
	if tx == nil {
		return nil
	}
	cp := *tx
	return &cp
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("Tx{%s: %s -> %s %s}", tx.Hash, tx.From, tx.To, tx.Value)
}

// Txs is an ordered list of transactions, usually the body of one block.
type Txs []*Transaction

// Hashes returns the transaction hashes in order.
func (txs Txs) Hashes() []string {
	hashes := make([]string, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	return hashes
}

// Copy returns a deep copy of txs.
func (txs Txs) Copy() Txs {
	if txs == nil {
		return nil
	}
	cp := make(Txs, len(txs))
	for i, tx := range txs {
		cp[i] = tx.Copy()
	}
	return cp
}
