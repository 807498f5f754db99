package blocksync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendermint/ledgersync/internal/executor"
	"github.com/tendermint/ledgersync/internal/libs/abort"
	"github.com/tendermint/ledgersync/internal/provider"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/types"
)

// Run is one sync run. It is created by the engine and completes exactly
// once.
type Run struct {
	id      uint64
	target  types.SyncTarget
	source  provider.Provider
	scope   *abort.Scope
	txn     *executor.Txn
	started time.Time

	// set when the run was aborted from outside rather than failing
	interrupted atomic.Bool

	mtx        sync.Mutex
	working    *types.Status
	batch      store.Batch
	stale      store.Batch // applied ahead of batch
	forkHeight int64
	applied    int
	reverted   int

	done chan struct{}
	err  error
}

func newRun(id uint64, target types.SyncTarget, source provider.Provider, scope *abort.Scope,
	working *types.Status) *Run {
	return &Run{
		id:         id,
		target:     target,
		source:     source,
		scope:      scope,
		started:    time.Now(),
		working:    working,
		forkHeight: working.Height(),
		done:       make(chan struct{}),
	}
}

// Target returns the sync target the run was started for.
func (r *Run) Target() types.SyncTarget { return r.target }

// Done is closed when the run has completed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns nil while the run is in progress or after it succeeded.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the run completes and returns its outcome.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForkHeight returns the height of the common ancestor the run replayed
// from. It is only meaningful once the run has completed.
func (r *Run) ForkHeight() int64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.forkHeight
}

// snapshot captures the working state a task may have to restore.
type snapshot struct {
	header     *types.BlockHeader
	txs        types.Txs
	ledger     *types.Ledger
	batchLen   int
	staleLen   int
	forkHeight int64
	applied    int
	reverted   int
}

func (r *Run) snapshot() *snapshot {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return &snapshot{
		header:     r.working.Header.Copy(),
		txs:        r.working.Txs.Copy(),
		ledger:     r.working.Ledger.Copy(),
		batchLen:   len(r.batch),
		staleLen:   len(r.stale),
		forkHeight: r.forkHeight,
		applied:    r.applied,
		reverted:   r.reverted,
	}
}

func (r *Run) restore(s *snapshot) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.working = &types.Status{Header: s.header, Txs: s.txs, Ledger: s.ledger}
	r.batch = r.batch[:s.batchLen]
	r.stale = r.stale[:s.staleLen]
	r.forkHeight = s.forkHeight
	r.applied = s.applied
	r.reverted = s.reverted
}

func (r *Run) head() *types.BlockHeader {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.working.Header
}

func (r *Run) finish(err error) {
	r.err = err
	close(r.done)
}
