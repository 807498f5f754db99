package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/ledgersync/internal/executor"
	"github.com/tendermint/ledgersync/internal/libs/abort"
	"github.com/tendermint/ledgersync/internal/provider"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/libs/log"
	"github.com/tendermint/ledgersync/libs/service"
	"github.com/tendermint/ledgersync/types"
)

var _ service.Service = (*Engine)(nil)

const defaultFetchConcurrency = 16

// Engine owns the adopted chain head and ledger and runs syncs against the
// local archive or a peer.
type Engine struct {
	service.BaseService
	logger log.Logger

	store  *store.Store
	local  provider.ArchiveProvider
	remote provider.Provider
	exec   *executor.Executor

	metrics          *Metrics
	fetchConcurrency int

	// guards status and target
	mtx    sync.RWMutex
	status *types.Status
	target types.SyncTarget

	// run lock
	runMtx  sync.Mutex
	runCtx  context.Context
	scope   *abort.Scope
	active  *Run
	pending bool
	lastID  uint64
}

// Option sets an optional parameter on the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithFetchConcurrency bounds the number of heights fetched concurrently
// during replay.
func WithFetchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fetchConcurrency = n
		}
	}
}

// NewEngine returns a sync engine persisting to s. local is the node's own
// archive, used for rebuilds and to step back over forks; remote is the peer
// used for network syncs.
func NewEngine(
	logger log.Logger,
	s *store.Store,
	local provider.ArchiveProvider,
	remote provider.Provider,
	options ...Option,
) (*Engine, error) {
	e := &Engine{
		logger:           logger,
		store:            s,
		local:            local,
		remote:           remote,
		exec:             executor.NewExecutor(logger.With("module", "executor")),
		metrics:          NopMetrics(),
		fetchConcurrency: defaultFetchConcurrency,
		status:           types.GenesisStatus(),
		target:           types.SyncTarget{Mode: types.SyncModeDatabase},
		scope:            abort.New(),
	}
	for _, opt := range options {
		opt(e)
	}
	e.BaseService = *service.NewBaseService(logger, "SyncEngine", e)

	if err := e.registerHandlers(); err != nil {
		return nil, err
	}
	return e, nil
}

// Init seeds the engine with the genesis block and persists it. The latest
// block marker is only set if the archive has none, so an existing chain
// survives a restart.
func (e *Engine) Init(ctx context.Context) error {
	e.runMtx.Lock()
	defer e.runMtx.Unlock()
	if e.active != nil {
		return ErrRunInProgress
	}

	genesis := types.GenesisStatus()
	e.mtx.Lock()
	e.status = genesis
	e.target = types.SyncTarget{Mode: types.SyncModeDatabase}
	e.mtx.Unlock()
	e.metrics.Height.Set(0)

	batch := store.PutBlockOps(genesis.Header)
	batch = append(batch, store.PutTxsOps(genesis.Txs)...)
	if _, err := e.local.LatestBlock(ctx); errors.Is(err, provider.ErrNotFound) {
		batch = append(batch, store.UpdateLatestOp(genesis.Header))
	} else if err != nil {
		return fmt.Errorf("reading latest block: %w", err)
	}
	return e.store.ApplyBatch(batch)
}

// OnStart implements service.Service by starting the executor. Runs started
// by block announcements are bound to ctx.
func (e *Engine) OnStart(ctx context.Context) error {
	e.runMtx.Lock()
	e.runCtx = ctx
	e.runMtx.Unlock()
	return e.exec.Start(ctx)
}

// OnStop implements service.Service. The active run, if any, is rolled back.
func (e *Engine) OnStop() {
	if e.exec.IsRunning() {
		if err := e.exec.Stop(); err != nil {
			e.logger.Error("failed to stop executor", "err", err)
		}
	}
}

// Status returns a copy of the adopted status.
func (e *Engine) Status() *types.Status {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.status.Copy()
}

// Target returns the current sync target.
func (e *Engine) Target() types.SyncTarget {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.target
}

// ActiveRun returns the run in progress, or nil.
func (e *Engine) ActiveRun() *Run {
	e.runMtx.Lock()
	defer e.runMtx.Unlock()
	return e.active
}

func (e *Engine) height() int64 {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.status.Header.Height
}

// StartRebuild replays the local archive up to its latest block. It returns
// nil, nil if the archive is not ahead of the adopted head.
func (e *Engine) StartRebuild(ctx context.Context) (*Run, error) {
	latest, err := e.local.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading latest block: %w", err)
	}
	if latest.Height <= e.height() {
		return nil, nil
	}

	return e.startRun(ctx, types.SyncTarget{
		Mode:          types.SyncModeDatabase,
		MaxHeight:     latest.Height,
		MaxHeightHash: latest.Hash,
	})
}

// StartSync syncs from the peer up to height. hash, if not empty, must be the
// hash of the block at height. It returns nil, nil if height is not above the
// adopted head.
func (e *Engine) StartSync(ctx context.Context, height int64, hash, peer string) (*Run, error) {
	if height <= e.height() {
		return nil, nil
	}

	return e.startRun(ctx, types.SyncTarget{
		Mode:          types.SyncModeNetwork,
		MaxHeight:     height,
		MaxHeightHash: hash,
		Peer:          peer,
	})
}

// OnReceiveNewBlock handles a new block announcement. If height is above the
// current target, the target moves to it and a network run is triggered. An
// active run is aborted with ErrSuperseded and the network run starts as
// soon as it has rolled back.
func (e *Engine) OnReceiveNewBlock(ctx context.Context, hash string, height int64, peer string) error {
	target := types.SyncTarget{
		Mode:          types.SyncModeNetwork,
		MaxHeight:     height,
		MaxHeightHash: hash,
		Peer:          peer,
	}

	e.runMtx.Lock()
	defer e.runMtx.Unlock()

	if !e.canRun() {
		return ErrNotRunning
	}

	e.mtx.Lock()
	if height <= e.target.MaxHeight {
		e.mtx.Unlock()
		return nil
	}
	e.target = target
	e.mtx.Unlock()
	e.metrics.TargetHeight.Set(float64(height))

	if e.active != nil {
		e.logger.Info("new block supersedes active run", "height", height, "hash", hash, "peer", peer)
		e.pending = true
		e.active.interrupted.Store(true)
		e.scope.Abort(ErrSuperseded)
		return nil
	}

	if height <= e.height() {
		return nil
	}
	_, err := e.startRunLocked(ctx, target)
	return err
}

// Abort trips the active run's scope with reason. It reports whether a run
// was aborted by this call.
func (e *Engine) Abort(reason error) bool {
	e.runMtx.Lock()
	defer e.runMtx.Unlock()
	if e.active == nil {
		return false
	}
	if reason == nil {
		reason = abort.ErrAborted
	}
	e.active.interrupted.Store(true)
	return e.scope.Abort(reason)
}

func (e *Engine) startRun(ctx context.Context, target types.SyncTarget) (*Run, error) {
	e.runMtx.Lock()
	defer e.runMtx.Unlock()

	if e.active != nil {
		return nil, ErrRunInProgress
	}
	if !e.canRun() {
		return nil, ErrNotRunning
	}

	e.mtx.Lock()
	e.target = target
	e.mtx.Unlock()
	e.metrics.TargetHeight.Set(float64(target.MaxHeight))

	return e.startRunLocked(ctx, target)
}

func (e *Engine) canRun() bool {
	return e.IsRunning() && e.exec.IsRunning()
}

// startRunLocked must be called with runMtx held and no active run.
func (e *Engine) startRunLocked(ctx context.Context, target types.SyncTarget) (*Run, error) {
	if !e.canRun() {
		return nil, ErrNotRunning
	}

	var source provider.Provider = e.local
	if target.Mode == types.SyncModeNetwork {
		source = e.remote
	}

	e.scope.Reset()
	e.lastID++
	status := e.Status()
	from := status.Height()
	run := newRun(e.lastID, target, source, e.scope, status)

	txn, err := e.exec.Transaction(ctx)
	if err != nil {
		return nil, err
	}
	run.txn = txn
	if err := txn.Submit(&findForkPointTask{run: run}); err != nil {
		if rerr := e.exec.Rollback(ctx); rerr != nil {
			e.logger.Error("failed to roll back transaction", "err", rerr)
		}
		return nil, err
	}

	e.active = run
	e.metrics.Runs.Add(1)
	e.logger.Info("starting sync run",
		"run", run.id,
		"mode", target.Mode,
		"from", from,
		"to", target.MaxHeight,
		"source", source,
	)

	go e.watch(run)
	return run, nil
}

// watch completes run once its transaction closes and starts a pending
// network run if a newer block was announced meanwhile.
func (e *Engine) watch(run *Run) {
	<-run.txn.Done()
	err := run.txn.Err()

	e.metrics.RunDuration.Observe(time.Since(run.started).Seconds())
	switch {
	case err == nil:
		run.mtx.Lock()
		e.metrics.BlocksApplied.Add(float64(run.applied))
		e.metrics.BlocksReverted.Add(float64(run.reverted))
		run.mtx.Unlock()
		e.metrics.Height.Set(float64(run.target.MaxHeight))
	case run.interrupted.Load() || isInterruption(err):
		e.metrics.AbortedRuns.Add(1)
		e.logger.Info("sync run aborted", "run", run.id, "err", err)
	default:
		e.metrics.FailedRuns.Add(1)
		e.logger.Error("sync run failed", "run", run.id, "target", run.target.MaxHeight, "err", err)
	}

	e.runMtx.Lock()
	e.active = nil
	if e.pending {
		e.pending = false
		target := e.Target()
		if target.MaxHeight > e.height() {
			if _, err := e.startRunLocked(e.runCtx, target); err != nil {
				e.logger.Error("failed to start superseding run", "height", target.MaxHeight, "err", err)
			}
		}
	}
	e.runMtx.Unlock()

	run.finish(err)
}
