package blocksync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tendermint/ledgersync/internal/libs/abort"
	"github.com/tendermint/ledgersync/internal/provider"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/types"
)

// findForkPoint walks the working head back until the source's next block
// links onto it. Walked-over blocks are reverted on the working ledger and
// queued for deletion.
func (e *Engine) findForkPoint(ctx context.Context, run *Run) error {
	for {
		head := run.head()

		next, err := abort.Await(ctx, run.scope, func(ctx context.Context) (*types.BlockHeader, error) {
			return run.source.Header(ctx, head.Height+1)
		})
		if err != nil {
			return fmt.Errorf("fetching header %d from %s: %w", head.Height+1, run.source, err)
		}
		if next.LinksTo(head) {
			run.mtx.Lock()
			run.forkHeight = head.Height
			run.mtx.Unlock()
			if head.Height > 0 || run.reverted > 0 {
				e.logger.Debug("found fork point", "height", head.Height, "hash", head.Hash)
			}
			return nil
		}

		if head.Height == 0 {
			return fmt.Errorf("%w: source block 1 points at %s, genesis is %s",
				ErrGenesisMismatch, next.PreHash, head.Hash)
		}

		e.logger.Info("local block is not on the source chain; reverting",
			"height", head.Height, "hash", head.Hash, "source", run.source)

		if err := e.revertHead(ctx, run); err != nil {
			return err
		}
	}
}

// revertHead undoes the working head block and steps back to its parent as
// recorded in the local archive.
func (e *Engine) revertHead(ctx context.Context, run *Run) error {
	run.mtx.Lock()
	head, txs, ledger := run.working.Header, run.working.Txs, run.working.Ledger

	for i := len(txs) - 1; i >= 0; i-- {
		if err := ledger.RevertTx(txs[i]); err != nil {
			run.mtx.Unlock()
			return fmt.Errorf("reverting tx %s of block %d: %w", txs[i].Hash, head.Height, err)
		}
	}
	if err := ledger.Debit(head.Miner, types.BlockReward); err != nil {
		run.mtx.Unlock()
		return fmt.Errorf("reverting reward of block %d: %w", head.Height, err)
	}
	run.batch = append(run.batch, store.DelBlockOps(head)...)
	run.batch = append(run.batch, store.DelTxsOps(txs)...)
	run.reverted++
	run.mtx.Unlock()

	parent, err := abort.Await(ctx, run.scope, func(ctx context.Context) (*types.BlockHeader, error) {
		return e.local.BlockByHeight(ctx, head.Height-1)
	})
	if err != nil {
		return fmt.Errorf("loading local block %d: %w", head.Height-1, err)
	}
	parentTxs, err := fetchTxs(ctx, run.scope, e.local, parent)
	if err != nil {
		return fmt.Errorf("loading local block %d: %w", parent.Height, err)
	}

	run.mtx.Lock()
	run.working.Header = parent
	run.working.Txs = parentTxs
	run.mtx.Unlock()
	return nil
}

// replay applies every height above the fork point up to the target. Each
// height runs in its own goroutine; at most fetchConcurrency are in flight.
func (e *Engine) replay(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h0, target := run.ForkHeight(), run.target.MaxHeight
	if target <= h0 {
		return nil
	}

	// prev is closed once the height below the next launch has been applied.
	// h0 itself is the fork point, which is already in the working copy.
	prev := make(chan struct{})
	close(prev)

	g := &errgroup.Group{}
	g.SetLimit(e.fetchConcurrency)
	for h := h0 + 1; h <= target; h++ {
		if run.scope.IsAborted() {
			break
		}
		h, wait, cur := h, prev, make(chan struct{})
		g.Go(func() error {
			if err := e.applyHeight(ctx, run, h, wait, cur); err != nil {
				if run.scope.Abort(err) {
					e.logger.Error("sync run failed", "height", h, "err", err)
				}
				return err
			}
			return nil
		})
		prev = cur
	}

	err := g.Wait()
	if reason := run.scope.Err(); reason != nil {
		return reason
	}
	return err
}

func (e *Engine) applyHeight(ctx context.Context, run *Run, height int64, prev <-chan struct{}, done chan<- struct{}) error {
	header, err := abort.Await(ctx, run.scope, func(ctx context.Context) (*types.BlockHeader, error) {
		return run.source.Header(ctx, height)
	})
	if err != nil {
		return fmt.Errorf("fetching header %d from %s: %w", height, run.source, err)
	}
	if err := header.ValidateBasic(); err != nil {
		return ErrInvalidLink{Height: height, Reason: err}
	}
	if header.Height != height {
		return ErrInvalidLink{Height: height, Reason: fmt.Errorf("source returned block %d", header.Height)}
	}

	txs, err := fetchTxs(ctx, run.scope, run.source, header)
	if err != nil {
		return fmt.Errorf("fetching transactions of block %d: %w", height, err)
	}
	stale, err := e.replacedLocalBlock(ctx, run, header)
	if err != nil {
		return err
	}

	if err := abort.Wait(ctx, run.scope, prev); err != nil {
		return err
	}
	if err := run.apply(header, txs, stale); err != nil {
		return err
	}
	close(done)
	return nil
}

// replacedLocalBlock returns the deletions for the local archive's block at
// header's height when a network run replaces it with a different one.
// Walk-back only reaches blocks up to the adopted head, so archived blocks
// above it would otherwise keep their header and transaction records.
func (e *Engine) replacedLocalBlock(ctx context.Context, run *Run, header *types.BlockHeader) (store.Batch, error) {
	if run.target.Mode != types.SyncModeNetwork {
		return nil, nil
	}
	old, err := abort.Await(ctx, run.scope, func(ctx context.Context) (*types.BlockHeader, error) {
		return e.local.BlockByHeight(ctx, header.Height)
	})
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("loading local block %d: %w", header.Height, err)
	case old.Hash == header.Hash:
		return nil, nil
	}

	txs := make(types.Txs, len(old.TxHashes))
	for i, hash := range old.TxHashes {
		txs[i] = &types.Transaction{Hash: hash}
	}
	return append(store.DelBlockOps(old), store.DelTxsOps(txs)...), nil
}

// apply validates header against the working head and applies it. stale
// holds deletions for the archived block header replaces, if any.
func (r *Run) apply(header *types.BlockHeader, txs types.Txs, stale store.Batch) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	head := r.working.Header
	if !header.LinksTo(head) {
		return ErrInvalidLink{
			Height: header.Height,
			Reason: fmt.Errorf("previous hash %s does not match %s at height %d", header.PreHash, head.Hash, head.Height),
		}
	}
	last := header.Height == r.target.MaxHeight
	if last && r.target.MaxHeightHash != "" && header.Hash != r.target.MaxHeightHash {
		return ErrInvalidLink{
			Height: header.Height,
			Reason: fmt.Errorf("expected target hash %s, got %s", r.target.MaxHeightHash, header.Hash),
		}
	}

	ledger := r.working.Ledger
	if err := ledger.Credit(header.Miner, types.BlockReward); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("block %d: %w", header.Height, err)
		}
		if err := ledger.ApplyTx(tx); err != nil {
			return fmt.Errorf("block %d tx %s: %w", header.Height, tx.Hash, err)
		}
	}

	r.stale = append(r.stale, stale...)
	r.batch = append(r.batch, store.PutBlockOps(header)...)
	r.batch = append(r.batch, store.PutTxsOps(txs)...)
	if last {
		r.batch = append(r.batch, store.UpdateLatestOp(header))
	}
	r.working.Header = header
	r.working.Txs = txs
	r.applied++
	return nil
}

// fetchTxs loads the transactions of header in order and stamps them with
// the block hash.
func fetchTxs(ctx context.Context, scope *abort.Scope, source provider.Provider, header *types.BlockHeader) (types.Txs, error) {
	txs := make(types.Txs, len(header.TxHashes))
	for i, hash := range header.TxHashes {
		hash := hash
		tx, err := abort.Await(ctx, scope, func(ctx context.Context) (*types.Transaction, error) {
			return source.Transaction(ctx, hash)
		})
		if err != nil {
			return nil, err
		}
		if tx.Hash != hash {
			return nil, ErrInvalidLink{
				Height: header.Height,
				Reason: fmt.Errorf("requested transaction %s, got %s", hash, tx.Hash),
			}
		}
		tx = tx.Copy()
		tx.BlockHash = header.Hash
		txs[i] = tx
	}
	return txs, nil
}

func isInterruption(err error) bool {
	return errors.Is(err, ErrSuperseded) || errors.Is(err, abort.ErrAborted)
}
