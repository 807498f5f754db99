package blocksync

import (
	"context"
	"fmt"

	"github.com/tendermint/ledgersync/internal/executor"
	"github.com/tendermint/ledgersync/internal/store"
)

const (
	kindFindForkPoint executor.Kind = "findForkPoint"
	kindReplay        executor.Kind = "replay"
	kindPersist       executor.Kind = "persist"
)

type findForkPointTask struct {
	run      *Run
	snapshot *snapshot
}

func (*findForkPointTask) Kind() executor.Kind { return kindFindForkPoint }

type replayTask struct {
	run      *Run
	snapshot *snapshot
}

func (*replayTask) Kind() executor.Kind { return kindReplay }

type persistTask struct {
	run *Run
}

func (*persistTask) Kind() executor.Kind { return kindPersist }

func (e *Engine) registerHandlers() error {
	handlers := map[executor.Kind]executor.Handler{
		kindFindForkPoint: {Process: e.processFindForkPoint, Compensate: restoreSnapshot},
		kindReplay:        {Process: e.processReplay, Compensate: restoreSnapshot},
		kindPersist:       {Process: e.processPersist},
	}
	for kind, h := range handlers {
		if err := e.exec.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processFindForkPoint(ctx context.Context, task executor.Task) (executor.Result, error) {
	t := task.(*findForkPointTask)
	t.snapshot = t.run.snapshot()

	if err := e.findForkPoint(ctx, t.run); err != nil {
		return executor.None(), err
	}
	return executor.Continue(&replayTask{run: t.run}), nil
}

func (e *Engine) processReplay(ctx context.Context, task executor.Task) (executor.Result, error) {
	t := task.(*replayTask)
	t.snapshot = t.run.snapshot()

	if err := e.replay(ctx, t.run); err != nil {
		return executor.None(), err
	}
	return executor.Continue(&persistTask{run: t.run}), nil
}

func (e *Engine) processPersist(_ context.Context, task executor.Task) (executor.Result, error) {
	run := task.(*persistTask).run

	// a run aborted after its last height settled must not be adopted
	if err := run.scope.Err(); err != nil {
		return executor.None(), err
	}

	run.mtx.Lock()
	defer run.mtx.Unlock()

	// deletions of replaced archive blocks go first so a record shared with
	// the new chain is written back by its put
	ops := make(store.Batch, 0, len(run.stale)+len(run.batch))
	ops = append(append(ops, run.stale...), run.batch...)
	if err := e.store.ApplyBatch(ops); err != nil {
		return executor.None(), fmt.Errorf("persisting run: %w", err)
	}

	e.mtx.Lock()
	e.status = run.working
	e.mtx.Unlock()

	e.logger.Info("adopted chain head",
		"height", run.working.Header.Height,
		"hash", run.working.Header.Hash,
		"fork_height", run.forkHeight,
		"applied", run.applied,
		"reverted", run.reverted,
		"records", len(ops),
	)
	return executor.Commit(), nil
}

func restoreSnapshot(_ context.Context, task executor.Task) error {
	var (
		run  *Run
		snap *snapshot
	)
	switch t := task.(type) {
	case *findForkPointTask:
		run, snap = t.run, t.snapshot
	case *replayTask:
		run, snap = t.run, t.snapshot
	default:
		return fmt.Errorf("unexpected task %T", task)
	}
	if snap == nil {
		return nil
	}
	run.restore(snap)
	return nil
}
