package types

import (
	"errors"
	"fmt"
	"strings"
)

// BlockHeader is the part of a block that links it into the chain. Transaction
// bodies are referenced by hash and fetched separately.
type BlockHeader struct {
	Hash     string   `json:"hash"`
	PreHash  string   `json:"pre_hash"`
	Miner    string   `json:"miner"`
	Height   int64    `json:"height"`
	Diff     string   `json:"diff"`
	Nonce    string   `json:"nonce"`
	TxHashes []string `json:"tx_hashes"`
}

// ValidateBasic performs stateless validation on a BlockHeader.
func (h *BlockHeader) ValidateBasic() error {
	if h == nil {
		return errors.New("nil header")
	}
	if h.Hash == "" {
		return errors.New("empty block hash")
	}
	if h.Height < 0 {
		return fmt.Errorf("negative height %d", h.Height)
	}
	if h.Height > 0 && h.PreHash == "" {
		return fmt.Errorf("empty previous hash at height %d", h.Height)
	}
	for i, txHash := range h.TxHashes {
		if txHash == "" {
			return fmt.Errorf("empty transaction hash at index %d", i)
		}
	}
	return nil
}

// LinksTo reports whether h directly extends prev: one height above it and
// pointing at its hash.
func (h *BlockHeader) LinksTo(prev *BlockHeader) bool {
	return h.Height == prev.Height+1 && h.PreHash == prev.Hash
}

// Copy returns a deep copy of the header.
func (h *BlockHeader) Copy() *BlockHeader {
	if h == nil {
		return nil
	}
	cp := *h
	cp.TxHashes = append([]string(nil), h.TxHashes...)
	return &cp
}

// String returns a short representation of the header.
func (h *BlockHeader) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{%d:%s <- %s, miner %s, txs [%s]}",
		h.Height, h.Hash, h.PreHash, h.Miner, strings.Join(h.TxHashes, ","))
}
