// Package factory generates chains for tests and for the fixture commands of
// the ledgersync binary.
package factory

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/types"
)

// DefaultMiner mines every generated block.
const DefaultMiner = "456789"

// Block is a header together with its transactions.
type Block struct {
	Header *types.BlockHeader
	Txs    types.Txs
}

// Genesis returns the genesis block with its allocation transaction.
func Genesis() Block {
	return Block{Header: types.GenesisHeader(), Txs: types.Txs{types.GenesisAllocTx()}}
}

// NewTransfer returns an unsigned transfer with a random hash.
func NewTransfer(from, to, value string) *types.Transaction {
	return &types.Transaction{
		Hash:      uuid.NewString(),
		From:      from,
		To:        to,
		Value:     value,
		Nonce:     "000",
		Signature: "000",
	}
}

// NewBlock returns a block with a random hash extending parent. The
// transactions are stamped with the block hash.
func NewBlock(parent *types.BlockHeader, miner string, txs ...*types.Transaction) Block {
	h := &types.BlockHeader{
		Hash:     uuid.NewString(),
		PreHash:  parent.Hash,
		Miner:    miner,
		Height:   parent.Height + 1,
		Diff:     "000",
		Nonce:    "000",
		TxHashes: make([]string, 0, len(txs)),
	}
	for _, tx := range txs {
		tx.BlockHash = h.Hash
		h.TxHashes = append(h.TxHashes, tx.Hash)
	}
	return Block{Header: h, Txs: txs}
}

// GenerateBlocks returns n linked blocks above parent. Each block moves one
// coin between the genesis allocation holder and DefaultMiner in a random
// direction; the block right above genesis always pays the miner.
func GenerateBlocks(parent *types.BlockHeader, n int, rng *rand.Rand) []Block {
	blocks := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		from, to := types.GenesisAllocAddress, DefaultMiner
		if parent.Hash != types.GenesisHash && rng.Intn(2) == 0 {
			from, to = to, from
		}
		b := NewBlock(parent, DefaultMiner, NewTransfer(from, to, "1"))
		blocks = append(blocks, b)
		parent = b.Header
	}
	return blocks
}

// Batch returns the records persisting blocks, with the latest block marker
// pointing at the last one.
func Batch(blocks []Block) store.Batch {
	var b store.Batch
	for _, blk := range blocks {
		b = append(b, store.PutBlockOps(blk.Header)...)
		b = append(b, store.PutTxsOps(blk.Txs)...)
	}
	if len(blocks) > 0 {
		b = append(b, store.UpdateLatestOp(blocks[len(blocks)-1].Header))
	}
	return b
}

// WriteBlocks persists blocks to s in one batch.
func WriteBlocks(s *store.Store, blocks []Block) error {
	return s.ApplyBatch(Batch(blocks))
}

// ReadBlocks loads the blocks at heights [from, to] from s.
func ReadBlocks(s *store.Store, from, to int64) ([]Block, error) {
	blocks := make([]Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		header, err := s.BlockByHeight(h)
		if err != nil {
			return nil, err
		}
		txs := make(types.Txs, 0, len(header.TxHashes))
		for _, hash := range header.TxHashes {
			tx, err := s.TransactionByHash(hash)
			if err != nil {
				return nil, fmt.Errorf("block %d: %w", h, err)
			}
			txs = append(txs, tx)
		}
		blocks = append(blocks, Block{Header: header, Txs: txs})
	}
	return blocks, nil
}

// GenerateFork gives the peer archive a chain that shares local's blocks up
// to forkHeight and then continues with length random blocks. The new tip
// must end above local's latest block. The generated blocks are returned.
func GenerateFork(local, peer *store.Store, forkHeight int64, length int, rng *rand.Rand) ([]Block, error) {
	latest, err := local.LatestBlock()
	if err != nil {
		return nil, err
	}
	if forkHeight < 0 || forkHeight > latest.Height {
		return nil, fmt.Errorf("fork height %d outside local chain [0, %d]", forkHeight, latest.Height)
	}
	if forkHeight+int64(length) <= latest.Height {
		return nil, fmt.Errorf("fork tip %d must be above local height %d", forkHeight+int64(length), latest.Height)
	}

	shared, err := ReadBlocks(local, 0, forkHeight)
	if err != nil {
		return nil, err
	}
	forked := GenerateBlocks(shared[len(shared)-1].Header, length, rng)
	if err := WriteBlocks(peer, append(shared, forked...)); err != nil {
		return nil, err
	}
	return forked, nil
}

// Ledger replays blocks on top of the genesis allocation and returns the
// resulting balances. Blocks must start at height 1.
func Ledger(blocks []Block) (*types.Ledger, error) {
	ledger := types.GenesisStatus().Ledger
	for _, b := range blocks {
		if err := ledger.Credit(b.Header.Miner, types.BlockReward); err != nil {
			return nil, err
		}
		for _, tx := range b.Txs {
			if err := ledger.ApplyTx(tx); err != nil {
				return nil, fmt.Errorf("block %d: %w", b.Header.Height, err)
			}
		}
	}
	return ledger, nil
}
