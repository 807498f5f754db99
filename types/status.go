package types

import (
	"encoding/json"
	"fmt"
)

// SyncMode selects where a sync run fetches blocks from.
type SyncMode uint8

const (
	// SyncModeDatabase replays blocks from the local archive.
	SyncModeDatabase SyncMode = iota
	// SyncModeNetwork downloads blocks from a peer.
	SyncModeNetwork
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeDatabase:
		return "database"
	case SyncModeNetwork:
		return "network"
	default:
		return fmt.Sprintf("SyncMode(%d)", uint8(m))
	}
}

// MarshalJSON renders the mode by name.
func (m SyncMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// SyncTarget is the height a sync run tries to reach and the source it reads from.
type SyncTarget struct {
	Mode          SyncMode `json:"mode"`
	MaxHeight     int64    `json:"max_height"`
	MaxHeightHash string   `json:"max_height_hash,omitempty"`
	Peer          string   `json:"peer,omitempty"`
}

// Status is the adopted head of the chain together with the ledger it produces.
type Status struct {
	Header *BlockHeader
	Txs    Txs
	Ledger *Ledger
}

// Height returns the adopted height.
func (s *Status) Height() int64 { return s.Header.Height }

// Copy returns a deep copy of the status.
func (s *Status) Copy() *Status {
	return &Status{
		Header: s.Header.Copy(),
		Txs:    s.Txs.Copy(),
		Ledger: s.Ledger.Copy(),
	}
}

// MarshalJSON renders the status for the status command.
func (s *Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Header  *BlockHeader      `json:"header"`
		Txs     Txs               `json:"transactions"`
		Balance map[string]string `json:"balances"`
	}{s.Header, s.Txs, s.Ledger.Map()})
}
