package store

import (
	"strconv"

	"github.com/tendermint/ledgersync/types"
)

// OpKind distinguishes puts from deletes.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDel
)

func (k OpKind) String() string {
	if k == OpDel {
		return "del"
	}
	return "put"
}

// Op is a single key-value mutation. Value is ignored for deletes.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
}

// Batch is an ordered list of mutations applied atomically by ApplyBatch.
// Later ops win over earlier ones on the same key.
type Batch []Op

func put(key, value string) Op { return Op{Kind: OpPut, Key: key, Value: value} }
func del(key string) Op        { return Op{Kind: OpDel, Key: key} }

//---------------------------------- KEY ENCODING -----------------------------------------

// Every entity is stored one field per key, prefixed with its hash. The field
// names are shared with other nodes reading the same archive, so they must not
// change.
const (
	fieldPreHash  = "preHash"
	fieldMiner    = "miner"
	fieldHeight   = "height"
	fieldDiff     = "diff"
	fieldNonce    = "nonce"
	fieldTxCount  = "transactionCount"
	fieldTx       = "tx"
	fieldFrom     = "from"
	fieldTo       = "to"
	fieldValue    = "value"
	fieldSig      = "signature"
	fieldBlockRef = "blockHash"

	prefixHeight = "height"

	latestBlockKey = "latestBlockHash"

	// unknownBlockHash is stored for transactions not yet included in a block.
	unknownBlockHash = "unknown"
)

var (
	headerFields = []string{fieldPreHash, fieldMiner, fieldHeight, fieldDiff, fieldNonce, fieldTxCount}
	txFields     = []string{fieldFrom, fieldTo, fieldValue, fieldNonce, fieldSig, fieldBlockRef}
)

func fieldKey(hash, field string) string { return hash + ":" + field }

func heightKey(height int64) string {
	return prefixHeight + ":" + strconv.FormatInt(height, 10)
}

func blockTxKey(blockHash string, index int) string {
	return blockHash + ":" + fieldTx + ":" + strconv.Itoa(index)
}

//---------------------------------- BUILDERS -----------------------------------------

// PutBlockOps returns the puts persisting header h, including the height
// index and the ordered transaction hash list.
func PutBlockOps(h *types.BlockHeader) Batch {
	b := Batch{
		put(fieldKey(h.Hash, fieldPreHash), h.PreHash),
		put(fieldKey(h.Hash, fieldMiner), h.Miner),
		put(fieldKey(h.Hash, fieldHeight), strconv.FormatInt(h.Height, 10)),
		put(fieldKey(h.Hash, fieldDiff), h.Diff),
		put(fieldKey(h.Hash, fieldNonce), h.Nonce),
		put(fieldKey(h.Hash, fieldTxCount), strconv.Itoa(len(h.TxHashes))),
		put(heightKey(h.Height), h.Hash),
	}
	for i, txHash := range h.TxHashes {
		b = append(b, put(blockTxKey(h.Hash, i), txHash))
	}
	return b
}

// DelBlockOps is the inverse of PutBlockOps.
func DelBlockOps(h *types.BlockHeader) Batch {
	b := make(Batch, 0, len(headerFields)+1+len(h.TxHashes))
	for _, f := range headerFields {
		b = append(b, del(fieldKey(h.Hash, f)))
	}
	b = append(b, del(heightKey(h.Height)))
	for i := range h.TxHashes {
		b = append(b, del(blockTxKey(h.Hash, i)))
	}
	return b
}

// PutTxOps returns the puts persisting tx.
func PutTxOps(tx *types.Transaction) Batch {
	blockHash := tx.BlockHash
	if blockHash == "" {
		blockHash = unknownBlockHash
	}
	return Batch{
		put(fieldKey(tx.Hash, fieldFrom), tx.From),
		put(fieldKey(tx.Hash, fieldTo), tx.To),
		put(fieldKey(tx.Hash, fieldValue), tx.Value),
		put(fieldKey(tx.Hash, fieldNonce), tx.Nonce),
		put(fieldKey(tx.Hash, fieldSig), tx.Signature),
		put(fieldKey(tx.Hash, fieldBlockRef), blockHash),
	}
}

// PutTxsOps concatenates PutTxOps for every transaction in order.
func PutTxsOps(txs types.Txs) Batch {
	b := make(Batch, 0, len(txs)*len(txFields))
	for _, tx := range txs {
		b = append(b, PutTxOps(tx)...)
	}
	return b
}

// DelTxOps is the inverse of PutTxOps.
func DelTxOps(tx *types.Transaction) Batch {
	b := make(Batch, 0, len(txFields))
	for _, f := range txFields {
		b = append(b, del(fieldKey(tx.Hash, f)))
	}
	return b
}

// DelTxsOps concatenates DelTxOps for every transaction in order.
func DelTxsOps(txs types.Txs) Batch {
	b := make(Batch, 0, len(txs)*len(txFields))
	for _, tx := range txs {
		b = append(b, DelTxOps(tx)...)
	}
	return b
}

// UpdateLatestOp points the latest block marker at h.
func UpdateLatestOp(h *types.BlockHeader) Op {
	return put(latestBlockKey, h.Hash)
}
