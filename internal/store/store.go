package store

import (
	"errors"
	"fmt"
	"strconv"

	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/ledgersync/types"
)

// ErrNotFound is returned when an entity, or any field of it, is absent.
var ErrNotFound = errors.New("not found")

/*
Store maps block headers and transactions onto a flat key-value database.

Each entity is spread over one key per field:

	<hash>:preHash|miner|height|diff|nonce|transactionCount
	<hash>:tx:<i>                      -> transaction hash
	height:<h>                         -> block hash
	<txHash>:from|to|value|nonce|signature|blockHash
	latestBlockHash                    -> block hash

Reads reassemble an entity field by field and resolve it as ErrNotFound if
any field is missing; a partial entity is never returned. Writes only happen
through ApplyBatch.
*/
type Store struct {
	db dbm.DB
}

// New returns a Store backed by db.
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

// ApplyBatch writes every op of b in one atomic, synced batch.
func (s *Store) ApplyBatch(b Batch) error {
	if len(b) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range b {
		var err error
		switch op.Kind {
		case OpPut:
			err = batch.Set([]byte(op.Key), []byte(op.Value))
		case OpDel:
			err = batch.Delete([]byte(op.Key))
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("batch %s %q: %w", op.Kind, op.Key, err)
		}
	}

	return batch.WriteSync()
}

// BlockByHash loads the header stored under hash.
func (s *Store) BlockByHash(hash string) (*types.BlockHeader, error) {
	fields, err := s.getFields(hash, headerFields)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", hash, err)
	}

	height, err := strconv.ParseInt(fields[fieldHeight], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("block %s: corrupt height %q: %w", hash, fields[fieldHeight], err)
	}
	count, err := strconv.Atoi(fields[fieldTxCount])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("block %s: corrupt transaction count %q", hash, fields[fieldTxCount])
	}

	txHashes := make([]string, count)
	for i := range txHashes {
		txHash, err := s.get(blockTxKey(hash, i))
		if err != nil {
			return nil, fmt.Errorf("block %s tx %d: %w", hash, i, err)
		}
		txHashes[i] = txHash
	}

	return &types.BlockHeader{
		Hash:     hash,
		PreHash:  fields[fieldPreHash],
		Miner:    fields[fieldMiner],
		Height:   height,
		Diff:     fields[fieldDiff],
		Nonce:    fields[fieldNonce],
		TxHashes: txHashes,
	}, nil
}

// BlockByHeight loads the header indexed at height.
func (s *Store) BlockByHeight(height int64) (*types.BlockHeader, error) {
	hash, err := s.get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("block at height %d: %w", height, err)
	}
	return s.BlockByHash(hash)
}

// LatestBlock loads the header the latest block marker points at.
func (s *Store) LatestBlock() (*types.BlockHeader, error) {
	hash, err := s.get(latestBlockKey)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	return s.BlockByHash(hash)
}

// TransactionByHash loads the transaction stored under hash.
func (s *Store) TransactionByHash(hash string) (*types.Transaction, error) {
	fields, err := s.getFields(hash, txFields)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash, err)
	}

	blockHash := fields[fieldBlockRef]
	if blockHash == unknownBlockHash {
		blockHash = ""
	}
	return &types.Transaction{
		Hash:      hash,
		From:      fields[fieldFrom],
		To:        fields[fieldTo],
		Value:     fields[fieldValue],
		Nonce:     fields[fieldNonce],
		Signature: fields[fieldSig],
		BlockHash: blockHash,
	}, nil
}

// TransactionByBlockHashAndIndex loads the index-th transaction of a block.
func (s *Store) TransactionByBlockHashAndIndex(blockHash string, index int) (*types.Transaction, error) {
	txHash, err := s.get(blockTxKey(blockHash, index))
	if err != nil {
		return nil, fmt.Errorf("block %s tx %d: %w", blockHash, index, err)
	}
	return s.TransactionByHash(txHash)
}

// Clear deletes every key in the database and returns how many were removed.
// Keys are deleted in batches of at most 1000.
func (s *Store) Clear() (uint64, error) {
	var total uint64
	for {
		pruned, err := s.clearBatch(1000)
		total += pruned
		if err != nil {
			return total, err
		}
		if pruned == 0 {
			return total, nil
		}
	}
}

func (s *Store) clearBatch(limit int) (uint64, error) {
	iter, err := s.db.Iterator(nil, nil)
	if err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	var pruned uint64
	for ; iter.Valid() && pruned < uint64(limit); iter.Next() {
		if err := batch.Delete(iter.Key()); err != nil {
			iter.Close()
			return 0, fmt.Errorf("clearing key %q: %w", iter.Key(), err)
		}
		pruned++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	// the iterator must be released before writing to memdb
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if pruned == 0 {
		return 0, nil
	}
	if err := batch.WriteSync(); err != nil {
		return 0, err
	}
	return pruned, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) (string, error) {
	bz, err := s.db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	if bz == nil {
		return "", ErrNotFound
	}
	return string(bz), nil
}

func (s *Store) getFields(hash string, fields []string) (map[string]string, error) {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		v, err := s.get(fieldKey(hash, f))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f, err)
		}
		values[f] = v
	}
	return values, nil
}
