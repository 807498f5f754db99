package blocksync

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/ledgersync/internal/provider"
	dbprovider "github.com/tendermint/ledgersync/internal/provider/db"
	"github.com/tendermint/ledgersync/internal/provider/mocks"
	"github.com/tendermint/ledgersync/internal/provider/network"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/internal/test/factory"
	"github.com/tendermint/ledgersync/libs/log"
	"github.com/tendermint/ledgersync/types"
)

const waitTimeout = 10 * time.Second

type testNode struct {
	engine    *Engine
	local     *store.Store
	peer      *store.Store
	archive   *dbprovider.Provider
	peerSrc   *network.Provider
	genesisBk factory.Block
}

type nodeConfig struct {
	peerLatency  time.Duration
	archiveDelay time.Duration
	remote       provider.Provider
	opts         []Option
}

// slowArchive delays header reads of the local archive.
type slowArchive struct {
	*dbprovider.Provider
	delay time.Duration
}

func (s slowArchive) Header(ctx context.Context, height int64) (*types.BlockHeader, error) {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Provider.Header(ctx, height)
}

func setup(ctx context.Context, t *testing.T, cfg nodeConfig) *testNode {
	t.Helper()

	genesis := types.GenesisStatus()
	n := &testNode{
		local:     store.New(dbm.NewMemDB()),
		peer:      store.New(dbm.NewMemDB()),
		genesisBk: factory.Block{Header: genesis.Header, Txs: genesis.Txs},
	}
	n.archive = dbprovider.New("local", n.local)
	n.peerSrc = network.New("peer", n.peer, network.WithLatency(cfg.peerLatency))

	var archive provider.ArchiveProvider = n.archive
	if cfg.archiveDelay > 0 {
		archive = slowArchive{Provider: n.archive, delay: cfg.archiveDelay}
	}
	var remote provider.Provider = n.peerSrc
	if cfg.remote != nil {
		remote = cfg.remote
	}

	e, err := NewEngine(log.TestingLogger(), n.local, archive, remote, cfg.opts...)
	require.NoError(t, err)
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })
	n.engine = e
	return n
}

// givePeer writes genesis followed by blocks into the peer archive.
func (n *testNode) givePeer(t *testing.T, blocks []factory.Block) {
	t.Helper()
	require.NoError(t, factory.WriteBlocks(n.peer, append([]factory.Block{n.genesisBk}, blocks...)))
}

func (n *testNode) giveLocal(t *testing.T, blocks []factory.Block) {
	t.Helper()
	require.NoError(t, factory.WriteBlocks(n.local, blocks))
}

func waitRun(t *testing.T, run *Run) error {
	t.Helper()
	require.NotNil(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not complete")
	return err
}

func requireStatus(t *testing.T, want, got *types.Status) {
	t.Helper()
	if diff := cmp.Diff(want.Header, got.Header); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Txs, got.Txs); diff != "" {
		t.Fatalf("transactions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Ledger.Map(), got.Ledger.Map()); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}
}

// requireLinkedArchive checks that the local archive holds a linked chain up
// to height whose tip is the latest block.
func requireLinkedArchive(t *testing.T, s *store.Store, height int64) {
	t.Helper()
	prev, err := s.BlockByHeight(0)
	require.NoError(t, err)
	for h := int64(1); h <= height; h++ {
		cur, err := s.BlockByHeight(h)
		require.NoError(t, err)
		require.Equal(t, prev.Hash, cur.PreHash, "height %d", h)
		for _, hash := range cur.TxHashes {
			tx, err := s.TransactionByHash(hash)
			require.NoError(t, err)
			require.Equal(t, cur.Hash, tx.BlockHash)
		}
		prev = cur
	}
	latest, err := s.LatestBlock()
	require.NoError(t, err)
	require.Equal(t, prev, latest)
}

func TestEngineInit(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{})

	requireStatus(t, types.GenesisStatus(), n.engine.Status())
	assert.Equal(t, types.SyncTarget{Mode: types.SyncModeDatabase}, n.engine.Target())
	assert.Equal(t, "100000000000000", n.engine.Status().Ledger.Balance("123456").String())

	h, err := n.local.LatestBlock()
	require.NoError(t, err)
	assert.Equal(t, types.GenesisHeader(), h)
	tx, err := n.local.TransactionByHash("000")
	require.NoError(t, err)
	assert.Equal(t, types.GenesisAllocTx(), tx)

	// re-initializing keeps an existing chain
	blocks := factory.GenerateBlocks(types.GenesisHeader(), 3, rand.New(rand.NewSource(1)))
	n.giveLocal(t, blocks)
	require.NoError(t, n.engine.Init(ctx))
	h, err = n.local.LatestBlock()
	require.NoError(t, err)
	assert.Equal(t, blocks[2].Header.Hash, h.Hash)
}

func TestEngineSyncSingleBlock(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{})
	b := factory.NewBlock(types.GenesisHeader(), "456789", factory.NewTransfer("123456", "456789", "1"))
	n.givePeer(t, []factory.Block{b})

	run, err := n.engine.StartSync(ctx, 1, b.Header.Hash, "peer")
	require.NoError(t, err)
	require.NoError(t, waitRun(t, run))

	status := n.engine.Status()
	assert.EqualValues(t, 1, status.Height())
	assert.Equal(t, b.Header.Hash, status.Header.Hash)
	assert.Equal(t, map[string]string{
		"123456": "99999999999999",
		"456789": "3",
	}, status.Ledger.Map())
	assert.Equal(t, types.SyncTarget{
		Mode: types.SyncModeNetwork, MaxHeight: 1, MaxHeightHash: b.Header.Hash, Peer: "peer",
	}, n.engine.Target())

	requireLinkedArchive(t, n.local, 1)
	assert.Nil(t, n.engine.ActiveRun())
}

func TestEngineStartSyncNoop(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{})
	before := n.engine.Status()

	run, err := n.engine.StartSync(ctx, 0, "", "peer")
	require.NoError(t, err)
	require.Nil(t, run)

	run, err = n.engine.StartRebuild(ctx)
	require.NoError(t, err)
	require.Nil(t, run)

	requireStatus(t, before, n.engine.Status())
	assert.Equal(t, types.SyncTarget{Mode: types.SyncModeDatabase}, n.engine.Target())
}

func TestEngineRebuild(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{opts: []Option{WithFetchConcurrency(3)}})
	blocks := factory.GenerateBlocks(types.GenesisHeader(), 10, rand.New(rand.NewSource(7)))
	n.giveLocal(t, blocks)

	run, err := n.engine.StartRebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncModeDatabase, run.Target().Mode)
	require.NoError(t, waitRun(t, run))
	assert.EqualValues(t, 0, run.ForkHeight())

	want, err := factory.Ledger(blocks)
	require.NoError(t, err)
	status := n.engine.Status()
	assert.Equal(t, blocks[9].Header, status.Header)
	assert.Equal(t, want.Map(), status.Ledger.Map())
	requireLinkedArchive(t, n.local, 10)
}

func TestEngineFailedRunKeepsState(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	good := factory.GenerateBlocks(types.GenesisHeader(), 2, rng)

	testCases := []struct {
		name   string
		blocks func() []factory.Block
		height int64
		check  func(t *testing.T, err error)
	}{
		{
			name: "insufficient balance",
			blocks: func() []factory.Block {
				bad := factory.NewBlock(good[1].Header, "456789", factory.NewTransfer("nobody", "456789", "1"))
				return append(append([]factory.Block{}, good...), bad)
			},
			height: 3,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, types.ErrInsufficientBalance)
			},
		},
		{
			name: "broken linkage",
			blocks: func() []factory.Block {
				bad := factory.NewBlock(&types.BlockHeader{Hash: "elsewhere", Height: 2}, "456789")
				return append(append([]factory.Block{}, good...), bad)
			},
			height: 3,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrLinkageMismatch)
				var linkErr ErrInvalidLink
				require.True(t, errors.As(err, &linkErr))
				assert.EqualValues(t, 3, linkErr.Height)
			},
		},
		{
			name:   "missing block",
			blocks: func() []factory.Block { return good },
			height: 4,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, provider.ErrNotFound)
			},
		},
		{
			name:   "wrong target hash",
			blocks: func() []factory.Block { return good },
			height: 2,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrLinkageMismatch)
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Cleanup(leaktest.Check(t))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			n := setup(ctx, t, nodeConfig{})
			n.givePeer(t, tc.blocks())
			before := n.engine.Status()

			hash := ""
			if tc.name == "wrong target hash" {
				hash = "not-the-tip"
			}
			run, err := n.engine.StartSync(ctx, tc.height, hash, "peer")
			require.NoError(t, err)
			tc.check(t, waitRun(t, run))

			requireStatus(t, before, n.engine.Status())
			// the target keeps pointing at the attempted height
			assert.Equal(t, tc.height, n.engine.Target().MaxHeight)
			// nothing of the run reached the archive
			_, err = n.local.BlockByHeight(1)
			require.ErrorIs(t, err, store.ErrNotFound)
			latest, err := n.local.LatestBlock()
			require.NoError(t, err)
			assert.Equal(t, types.GenesisHash, latest.Hash)
		})
	}
}

func TestEngineGenesisMismatch(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{})
	otherGenesis := &types.BlockHeader{Hash: "other", Height: 0}
	n.givePeer(t, factory.GenerateBlocks(otherGenesis, 2, rand.New(rand.NewSource(1))))

	run, err := n.engine.StartSync(ctx, 2, "", "peer")
	require.NoError(t, err)
	require.ErrorIs(t, waitRun(t, run), ErrGenesisMismatch)
	requireStatus(t, types.GenesisStatus(), n.engine.Status())
}

func TestEngineForkResolution(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rng := rand.New(rand.NewSource(42))
	n := setup(ctx, t, nodeConfig{opts: []Option{WithFetchConcurrency(2)}})

	// local chain [0..5]
	localBlocks := factory.GenerateBlocks(types.GenesisHeader(), 5, rng)
	n.giveLocal(t, localBlocks)
	run, err := n.engine.StartRebuild(ctx)
	require.NoError(t, err)
	require.NoError(t, waitRun(t, run))
	require.EqualValues(t, 5, n.engine.Status().Height())

	// the peer shares [0..2] and diverges from height 3 up to 7
	forked, err := factory.GenerateFork(n.local, n.peer, 2, 5, rng)
	require.NoError(t, err)
	tip := forked[len(forked)-1].Header

	run, err = n.engine.StartSync(ctx, tip.Height, tip.Hash, "peer")
	require.NoError(t, err)
	require.NoError(t, waitRun(t, run))
	assert.EqualValues(t, 2, run.ForkHeight())

	status := n.engine.Status()
	assert.Equal(t, tip, status.Header)

	adopted := append(append([]factory.Block{}, localBlocks[:2]...), forked...)
	want, err := factory.Ledger(adopted)
	require.NoError(t, err)
	assert.Equal(t, want.Map(), status.Ledger.Map())

	// heights 3..5 of the old chain are gone, including their transactions
	for _, b := range localBlocks[2:] {
		_, err := n.local.BlockByHash(b.Header.Hash)
		require.ErrorIs(t, err, store.ErrNotFound)
		for _, tx := range b.Txs {
			_, err := n.local.TransactionByHash(tx.Hash)
			require.ErrorIs(t, err, store.ErrNotFound)
		}
	}
	for _, b := range localBlocks[:2] {
		_, err := n.local.BlockByHash(b.Header.Hash)
		require.NoError(t, err)
	}
	requireLinkedArchive(t, n.local, tip.Height)
}

func TestEngineSyncReplacesArchivedBlocksAboveHead(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rng := rand.New(rand.NewSource(43))
	n := setup(ctx, t, nodeConfig{opts: []Option{WithFetchConcurrency(2)}})

	// archived chain [0..5] that was never rebuilt: the engine is at genesis
	localBlocks := factory.GenerateBlocks(types.GenesisHeader(), 5, rng)
	n.giveLocal(t, localBlocks)
	forked, err := factory.GenerateFork(n.local, n.peer, 2, 5, rng)
	require.NoError(t, err)
	tip := forked[len(forked)-1].Header

	run, err := n.engine.StartSync(ctx, tip.Height, tip.Hash, "peer")
	require.NoError(t, err)
	require.NoError(t, waitRun(t, run))
	assert.EqualValues(t, 0, run.ForkHeight())
	assert.Equal(t, tip, n.engine.Status().Header)

	for _, b := range localBlocks[2:] {
		_, err := n.local.BlockByHash(b.Header.Hash)
		require.ErrorIs(t, err, store.ErrNotFound)
		for _, tx := range b.Txs {
			_, err := n.local.TransactionByHash(tx.Hash)
			require.ErrorIs(t, err, store.ErrNotFound)
		}
	}
	for _, b := range localBlocks[:2] {
		_, err := n.local.BlockByHash(b.Header.Hash)
		require.NoError(t, err)
		for _, tx := range b.Txs {
			_, err := n.local.TransactionByHash(tx.Hash)
			require.NoError(t, err)
		}
	}
	requireLinkedArchive(t, n.local, tip.Height)
}

func TestEngineRejectsConcurrentRuns(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{peerLatency: 20 * time.Millisecond})
	blocks := factory.GenerateBlocks(types.GenesisHeader(), 3, rand.New(rand.NewSource(5)))
	n.givePeer(t, blocks)

	run, err := n.engine.StartSync(ctx, 3, "", "peer")
	require.NoError(t, err)
	require.Equal(t, run, n.engine.ActiveRun())

	_, err = n.engine.StartSync(ctx, 3, "", "peer")
	require.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, waitRun(t, run))
	assert.EqualValues(t, 3, n.engine.Status().Height())
}

func TestEngineAbort(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{peerLatency: 100 * time.Millisecond})
	n.givePeer(t, factory.GenerateBlocks(types.GenesisHeader(), 5, rand.New(rand.NewSource(9))))
	before := n.engine.Status()

	require.False(t, n.engine.Abort(nil), "no active run")

	run, err := n.engine.StartSync(ctx, 5, "", "peer")
	require.NoError(t, err)

	reason := errors.New("operator abort")
	time.Sleep(10 * time.Millisecond)
	require.True(t, n.engine.Abort(reason))
	require.False(t, n.engine.Abort(errors.New("again")))

	require.ErrorIs(t, waitRun(t, run), reason)
	requireStatus(t, before, n.engine.Status())
	_, err = n.local.BlockByHeight(1)
	require.ErrorIs(t, err, store.ErrNotFound)

	// the next run starts from a fresh scope
	run, err = n.engine.StartSync(ctx, 1, "", "peer")
	require.NoError(t, err)
	require.NoError(t, waitRun(t, run))
	assert.EqualValues(t, 1, n.engine.Status().Height())
}

func TestEngineNewBlockSupersedesRebuild(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rng := rand.New(rand.NewSource(11))
	n := setup(ctx, t, nodeConfig{archiveDelay: 200 * time.Millisecond})

	localBlocks := factory.GenerateBlocks(types.GenesisHeader(), 5, rng)
	n.giveLocal(t, localBlocks)
	forked, err := factory.GenerateFork(n.local, n.peer, 5, 3, rng)
	require.NoError(t, err)
	tip := forked[len(forked)-1].Header

	rebuild, err := n.engine.StartRebuild(ctx)
	require.NoError(t, err)

	// an announcement at or below the target is ignored
	require.NoError(t, n.engine.OnReceiveNewBlock(ctx, localBlocks[4].Header.Hash, 5, "peer"))
	require.Equal(t, types.SyncModeDatabase, n.engine.Target().Mode)

	require.NoError(t, n.engine.OnReceiveNewBlock(ctx, tip.Hash, tip.Height, "peer"))
	require.ErrorIs(t, waitRun(t, rebuild), ErrSuperseded)

	sync := n.engine.ActiveRun()
	require.NotNil(t, sync)
	assert.Equal(t, types.SyncTarget{
		Mode: types.SyncModeNetwork, MaxHeight: tip.Height, MaxHeightHash: tip.Hash, Peer: "peer",
	}, sync.Target())
	require.NoError(t, waitRun(t, sync))

	status := n.engine.Status()
	assert.Equal(t, tip, status.Header)
	want, err := factory.Ledger(append(append([]factory.Block{}, localBlocks...), forked...))
	require.NoError(t, err)
	assert.Equal(t, want.Map(), status.Ledger.Map())
}

func TestEngineNewBlockStartsRun(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{})
	blocks := factory.GenerateBlocks(types.GenesisHeader(), 4, rand.New(rand.NewSource(13)))
	n.givePeer(t, blocks)
	tip := blocks[3].Header

	require.NoError(t, n.engine.OnReceiveNewBlock(ctx, tip.Hash, tip.Height, "peer"))
	run := n.engine.ActiveRun()
	if run != nil {
		require.NoError(t, waitRun(t, run))
	}
	require.Eventually(t, func() bool { return n.engine.Status().Height() == 4 },
		waitTimeout, 10*time.Millisecond)
}

func TestEngineWithMockedSource(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx := factory.NewTransfer("123456", "789", "7.777")
	b := factory.NewBlock(types.GenesisHeader(), "456789", tx)

	src := mocks.NewProvider(t)
	src.On("String").Return("mock").Maybe()
	// once for the fork point search, once for the replay
	src.On("Header", mock.Anything, int64(1)).Return(b.Header, nil).Times(2)
	src.On("Transaction", mock.Anything, tx.Hash).Return(tx, nil).Once()

	n := setup(ctx, t, nodeConfig{remote: src})
	run, err := n.engine.StartSync(ctx, 1, "", "mock")
	require.NoError(t, err)
	require.NoError(t, waitRun(t, run))

	assert.Equal(t, map[string]string{
		"123456": "99999999999992.223",
		"456789": "2",
		"789":    "7.777",
	}, n.engine.Status().Ledger.Map())
}

func TestEngineNotRunning(t *testing.T) {
	local := store.New(dbm.NewMemDB())
	archive := dbprovider.New("local", local)
	e, err := NewEngine(log.NewNopLogger(), local, archive, archive)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))

	_, err = e.StartSync(context.Background(), 1, "", "")
	require.ErrorIs(t, err, ErrNotRunning)
	err = e.OnReceiveNewBlock(context.Background(), "tip", 5, "peer")
	require.ErrorIs(t, err, ErrNotRunning)

	// no run was attempted, so the target stays put
	assert.Equal(t, types.SyncTarget{Mode: types.SyncModeDatabase}, e.Target())
}

func TestEngineSyncFarBeyondPeerTip(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := setup(ctx, t, nodeConfig{opts: []Option{WithFetchConcurrency(4)}})
	n.givePeer(t, factory.GenerateBlocks(types.GenesisHeader(), 2, rand.New(rand.NewSource(21))))
	before := n.engine.Status()

	run, err := n.engine.StartSync(ctx, 1<<50, "", "peer")
	require.NoError(t, err)
	require.ErrorIs(t, waitRun(t, run), provider.ErrNotFound)

	requireStatus(t, before, n.engine.Status())
	_, err = n.local.BlockByHeight(1)
	require.ErrorIs(t, err, store.ErrNotFound)
}
