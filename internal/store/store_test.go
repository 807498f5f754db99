package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/ledgersync/types"
)

func makeBlock(height int64, hash, preHash string, txs ...*types.Transaction) (*types.BlockHeader, types.Txs) {
	h := &types.BlockHeader{
		Hash:    hash,
		PreHash: preHash,
		Miner:   "456789",
		Height:  height,
		Diff:    "1",
		Nonce:   "7",
	}
	for _, tx := range txs {
		tx.BlockHash = hash
		h.TxHashes = append(h.TxHashes, tx.Hash)
	}
	return h, txs
}

func makeTx(hash, from, to, value string) *types.Transaction {
	return &types.Transaction{Hash: hash, From: from, To: to, Value: value, Nonce: "1", Signature: "sig-" + hash}
}

func newStore(t *testing.T) (*Store, dbm.DB) {
	t.Helper()
	db := dbm.NewMemDB()
	return New(db), db
}

func TestPutBlockOpsKeyLayout(t *testing.T) {
	h, _ := makeBlock(3, "abc", "prev", makeTx("t1", "a", "b", "1"), makeTx("t2", "b", "a", "2"))

	ops := PutBlockOps(h)
	got := make(map[string]string, len(ops))
	for _, op := range ops {
		require.Equal(t, OpPut, op.Kind)
		got[op.Key] = op.Value
	}

	assert.Equal(t, map[string]string{
		"abc:preHash":          "prev",
		"abc:miner":            "456789",
		"abc:height":           "3",
		"abc:diff":             "1",
		"abc:nonce":            "7",
		"abc:transactionCount": "2",
		"height:3":             "abc",
		"abc:tx:0":             "t1",
		"abc:tx:1":             "t2",
	}, got)

	dels := DelBlockOps(h)
	require.Len(t, dels, len(ops))
	for i, op := range dels {
		assert.Equal(t, OpDel, op.Kind)
		assert.Empty(t, op.Value)
		// same key set, same order
		assert.Equal(t, ops[i].Key, op.Key)
	}
}

func TestPutTxOpsKeyLayout(t *testing.T) {
	tx := makeTx("t1", "123456", "456789", "7.777")
	tx.BlockHash = "abc"

	got := map[string]string{}
	for _, op := range PutTxOps(tx) {
		got[op.Key] = op.Value
	}
	assert.Equal(t, map[string]string{
		"t1:from":      "123456",
		"t1:to":        "456789",
		"t1:value":     "7.777",
		"t1:nonce":     "1",
		"t1:signature": "sig-t1",
		"t1:blockHash": "abc",
	}, got)

	tx.BlockHash = ""
	ops := PutTxOps(tx)
	assert.Equal(t, Op{Kind: OpPut, Key: "t1:blockHash", Value: "unknown"}, ops[len(ops)-1])

	assert.Len(t, DelTxsOps(types.Txs{tx, makeTx("t2", "a", "b", "1")}), 12)
	assert.Equal(t, Op{Kind: OpPut, Key: "latestBlockHash", Value: "abc"},
		UpdateLatestOp(&types.BlockHeader{Hash: "abc"}))
}

func TestStoreRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	h, txs := makeBlock(1, "b1", types.GenesisHash,
		makeTx("t1", "123456", "456789", "1"),
		makeTx("t2", "456789", "123456", "0.5"),
	)

	var b Batch
	b = append(b, PutBlockOps(h)...)
	b = append(b, PutTxsOps(txs)...)
	b = append(b, UpdateLatestOp(h))
	require.NoError(t, s.ApplyBatch(b))

	got, err := s.BlockByHash("b1")
	require.NoError(t, err)
	assert.Equal(t, h, got)

	got, err = s.BlockByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	got, err = s.LatestBlock()
	require.NoError(t, err)
	assert.Equal(t, h, got)

	for i, want := range txs {
		tx, err := s.TransactionByHash(want.Hash)
		require.NoError(t, err)
		assert.Equal(t, want, tx)

		tx, err = s.TransactionByBlockHashAndIndex("b1", i)
		require.NoError(t, err)
		assert.Equal(t, want, tx)
	}

	_, err = s.TransactionByBlockHashAndIndex("b1", 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUnknownBlockHashRoundTrip(t *testing.T) {
	s, db := newStore(t)
	tx := makeTx("pending", "a", "b", "3")
	require.NoError(t, s.ApplyBatch(PutTxOps(tx)))

	raw, err := db.Get([]byte("pending:blockHash"))
	require.NoError(t, err)
	assert.Equal(t, "unknown", string(raw))

	got, err := s.TransactionByHash("pending")
	require.NoError(t, err)
	assert.Empty(t, got.BlockHash)
}

func TestStoreMissingFieldIsNotFound(t *testing.T) {
	h, txs := makeBlock(2, "b2", "b1", makeTx("t1", "a", "b", "1"))

	testCases := []struct {
		name    string
		missing string
		load    func(*Store) error
	}{
		{"header field", "b2:diff", func(s *Store) error { _, err := s.BlockByHash("b2"); return err }},
		{"tx index", "b2:tx:0", func(s *Store) error { _, err := s.BlockByHash("b2"); return err }},
		{"height index", "height:2", func(s *Store) error { _, err := s.BlockByHeight(2); return err }},
		{"tx field", "t1:signature", func(s *Store) error { _, err := s.TransactionByHash("t1"); return err }},
		{"latest", "latestBlockHash", func(s *Store) error { _, err := s.LatestBlock(); return err }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s, db := newStore(t)
			var b Batch
			b = append(b, PutBlockOps(h)...)
			b = append(b, PutTxsOps(txs)...)
			b = append(b, UpdateLatestOp(h))
			require.NoError(t, s.ApplyBatch(b))
			require.NoError(t, tc.load(s))

			require.NoError(t, db.Delete([]byte(tc.missing)))
			require.ErrorIs(t, tc.load(s), ErrNotFound)
		})
	}
}

func TestStoreEmpty(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.BlockByHash("nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.BlockByHeight(0)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.TransactionByHash("nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.LatestBlock()
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ApplyBatch(nil))
}

func TestApplyBatchOrdering(t *testing.T) {
	s, _ := newStore(t)
	old, oldTxs := makeBlock(1, "old", types.GenesisHash, makeTx("t-old", "a", "b", "1"))
	require.NoError(t, s.ApplyBatch(append(PutBlockOps(old), PutTxsOps(oldTxs)...)))

	// replace the block at height 1 in one batch: deletes first, then puts
	replacement, newTxs := makeBlock(1, "new", types.GenesisHash)
	var b Batch
	b = append(b, DelBlockOps(old)...)
	b = append(b, DelTxsOps(oldTxs)...)
	b = append(b, PutBlockOps(replacement)...)
	b = append(b, PutTxsOps(newTxs)...)
	b = append(b, UpdateLatestOp(replacement))
	require.NoError(t, s.ApplyBatch(b))

	got, err := s.BlockByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Hash)
	assert.Empty(t, got.TxHashes)

	_, err = s.BlockByHash("old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.TransactionByHash("t-old")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreClear(t *testing.T) {
	s, db := newStore(t)

	var b Batch
	prev := types.GenesisHash
	for i := int64(1); i <= 300; i++ {
		hash := fmt.Sprintf("h%d", i)
		h, txs := makeBlock(i, hash, prev, makeTx("tx"+hash, "a", "b", "1"))
		b = append(b, PutBlockOps(h)...)
		b = append(b, PutTxsOps(txs)...)
		prev = hash
	}
	require.NoError(t, s.ApplyBatch(b))

	removed, err := s.Clear()
	require.NoError(t, err)
	assert.EqualValues(t, len(b), removed)

	iter, err := db.Iterator(nil, nil)
	require.NoError(t, err)
	defer iter.Close()
	assert.False(t, iter.Valid())
}
