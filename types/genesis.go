package types

import "github.com/shopspring/decimal"

// Genesis constants. Every ledgersync node shares the same fixed genesis block.
const (
	GenesisHash         = "000"
	GenesisAllocAddress = "123456"
	GenesisAllocValue   = "100000000000000"
)

// GenesisHeader returns the fixed header at height 0.
func GenesisHeader() *BlockHeader {
	return &BlockHeader{
		Hash:     GenesisHash,
		PreHash:  GenesisHash,
		Miner:    "000",
		Height:   0,
		Diff:     "000",
		Nonce:    "000",
		TxHashes: []string{GenesisAllocTx().Hash},
	}
}

// GenesisAllocTx returns the allocation transaction contained in genesis.
func GenesisAllocTx() *Transaction {
	return &Transaction{
		Hash:      "000",
		From:      "000",
		To:        GenesisAllocAddress,
		Value:     GenesisAllocValue,
		Nonce:     "000",
		Signature: "000",
		BlockHash: GenesisHash,
	}
}

// GenesisStatus returns the status right after genesis: the allocation is
// credited without debiting its source.
func GenesisStatus() *Status {
	tx := GenesisAllocTx()
	ledger := NewLedger()
	if err := ledger.Credit(tx.To, decimal.RequireFromString(tx.Value)); err != nil {
		panic(err)
	}
	return &Status{
		Header: GenesisHeader(),
		Txs:    Txs{tx},
		Ledger: ledger,
	}
}
