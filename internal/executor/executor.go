// Package executor runs tasks one at a time on a single worker goroutine.
//
// Tasks may be grouped into a transaction window. Every task that completes
// inside the window is recorded; rolling the window back invokes the
// compensation of each recorded task in strict reverse order. Only one window
// may be open at a time: opening a second one blocks until the first is
// committed or rolled back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/ledgersync/libs/log"
	"github.com/tendermint/ledgersync/libs/service"
)

type item struct {
	task Task
	txn  *Txn
}

// Txn is a transaction window opened by Executor.Transaction.
type Txn struct {
	exec *Executor
	done chan struct{}
	err  error

	// guarded by exec.mtx
	completed []Task
	// guarded by exec.qmtx
	closed bool
}

// Submit enqueues task as a member of the transaction.
func (t *Txn) Submit(task Task) error {
	return t.exec.enqueue(item{task: task, txn: t}, false)
}

// Done is closed once the transaction is committed or rolled back.
func (t *Txn) Done() <-chan struct{} { return t.done }

// Err returns nil while the transaction is open or after a commit, and the
// rollback cause otherwise.
func (t *Txn) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the transaction closes and returns its outcome.
func (t *Txn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor is a single-worker FIFO task runner.
type Executor struct {
	service.BaseService
	logger log.Logger

	handlers map[Kind]Handler
	cancel   context.CancelFunc

	// mtx serializes task steps with Commit and Rollback so that a handler
	// and a compensation never run at the same time.
	mtx sync.Mutex

	qmtx    sync.Mutex
	queue   []item
	txn     *Txn
	running bool
	stopped bool
	fatal   error

	wake chan struct{}
	// slot holds a token while a transaction window is open.
	slot chan struct{}
}

// NewExecutor returns an executor with no handlers. Register every handler
// before calling Start.
func NewExecutor(logger log.Logger) *Executor {
	e := &Executor{
		logger:   logger,
		handlers: make(map[Kind]Handler),
		wake:     make(chan struct{}, 1),
		slot:     make(chan struct{}, 1),
	}
	e.BaseService = *service.NewBaseService(logger, "Executor", e)
	return e
}

// Register binds a handler to kind.
func (e *Executor) Register(kind Kind, h Handler) error {
	if h.Process == nil {
		return fmt.Errorf("handler for %q has no Process function", kind)
	}

	e.qmtx.Lock()
	defer e.qmtx.Unlock()
	if e.running || e.stopped {
		return fmt.Errorf("cannot register %q after start", kind)
	}
	if _, ok := e.handlers[kind]; ok {
		return fmt.Errorf("handler for %q already registered", kind)
	}
	e.handlers[kind] = h
	return nil
}

// OnStart implements service.Service by launching the worker.
func (e *Executor) OnStart(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.qmtx.Lock()
	e.running = true
	e.qmtx.Unlock()

	go e.run(ctx)
	return nil
}

// OnStop implements service.Service.
func (e *Executor) OnStop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Err returns the fatal error that halted the executor, if any.
func (e *Executor) Err() error {
	e.qmtx.Lock()
	defer e.qmtx.Unlock()
	return e.fatal
}

// Transaction opens a transaction window. It blocks while another window is
// open or until ctx is done.
func (e *Executor) Transaction(ctx context.Context) (*Txn, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	e.qmtx.Lock()
	defer e.qmtx.Unlock()
	if e.stopped {
		<-e.slot
		return nil, ErrStopped
	}
	txn := &Txn{exec: e, done: make(chan struct{})}
	e.txn = txn
	return txn, nil
}

// Submit enqueues task outside of any transaction. It waits for an open
// window to close first.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-e.slot }()

	return e.enqueue(item{task: task}, false)
}

// Commit closes the open transaction window, discarding its compensations.
func (e *Executor) Commit() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	txn := e.openTxn()
	if txn == nil {
		return fmt.Errorf("%w: commit without open transaction", ErrIllegalTransactionState)
	}
	e.closeTxn(txn, nil)
	return nil
}

// Rollback compensates the open transaction window in reverse order. It
// returns the compensation error that stopped the walk, if any.
func (e *Executor) Rollback(ctx context.Context) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	txn := e.openTxn()
	if txn == nil {
		return fmt.Errorf("%w: rollback without open transaction", ErrIllegalTransactionState)
	}
	return e.rollbackLocked(ctx, txn, ErrRolledBack)
}

func (e *Executor) acquire(ctx context.Context) error {
	select {
	case <-e.Quit():
		return ErrStopped
	default:
	}

	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.Quit():
		return ErrStopped
	}
}

func (e *Executor) openTxn() *Txn {
	e.qmtx.Lock()
	defer e.qmtx.Unlock()
	return e.txn
}

func (e *Executor) enqueue(it item, front bool) error {
	e.qmtx.Lock()
	if e.stopped {
		e.qmtx.Unlock()
		return ErrStopped
	}
	if it.txn != nil && it.txn.closed {
		e.qmtx.Unlock()
		return fmt.Errorf("%w: transaction already closed", ErrIllegalTransactionState)
	}
	if front {
		e.queue = append([]item{it}, e.queue...)
	} else {
		e.queue = append(e.queue, it)
	}
	e.qmtx.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Executor) run(ctx context.Context) {
	defer e.cleanup()

	for {
		it, ok := e.next(ctx)
		if !ok {
			return
		}
		if err := e.step(ctx, it); err != nil {
			e.logger.Error("executor halted", "err", err)
			if err := e.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
				e.logger.Error("failed to stop executor", "err", err)
			}
			return
		}
	}
}

// next pops the first task whose transaction is still open.
func (e *Executor) next(ctx context.Context) (item, bool) {
	for {
		e.qmtx.Lock()
		for len(e.queue) > 0 {
			it := e.queue[0]
			e.queue = e.queue[1:]
			if it.txn != nil && it.txn.closed {
				continue
			}
			e.qmtx.Unlock()
			return it, true
		}
		e.qmtx.Unlock()

		select {
		case <-e.wake:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

// step processes one task. A non-nil error is fatal to the executor.
func (e *Executor) step(ctx context.Context, it item) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if it.txn != nil && e.openTxn() != it.txn {
		// rolled back between dequeue and now
		return nil
	}

	kind := it.task.Kind()
	h, ok := e.handlers[kind]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrMissingHandler, kind)
		e.qmtx.Lock()
		e.fatal = err
		e.qmtx.Unlock()
		if txn := e.openTxn(); txn != nil {
			_ = e.rollbackLocked(ctx, txn, err)
		}
		return err
	}

	res, err := h.Process(ctx, it.task)
	if err != nil {
		if it.txn == nil {
			e.logger.Error("task failed", "task", kind, "err", err)
			return nil
		}
		e.logger.Debug("task failed; rolling back transaction", "task", kind, "err", err)
		_ = e.rollbackLocked(ctx, it.txn, fmt.Errorf("%s: %w", kind, err))
		return nil
	}

	if it.txn != nil {
		it.txn.completed = append(it.txn.completed, it.task)
	}

	switch res.kind {
	case resultContinue:
		if res.next == nil {
			e.logger.Error("continuation without task", "task", kind)
			return nil
		}
		if err := e.enqueue(item{task: res.next, txn: it.txn}, true); err != nil {
			e.logger.Error("failed to schedule continuation", "task", kind, "next", res.next.Kind(), "err", err)
		}
	case resultCommit:
		if it.txn == nil {
			e.logger.Error("commit requested outside transaction", "task", kind,
				"err", ErrIllegalTransactionState)
			return nil
		}
		e.closeTxn(it.txn, nil)
	case resultRollback:
		if it.txn == nil {
			e.logger.Error("rollback requested outside transaction", "task", kind,
				"err", ErrIllegalTransactionState)
			return nil
		}
		_ = e.rollbackLocked(ctx, it.txn, ErrRolledBack)
	}
	return nil
}

// rollbackLocked runs compensations newest first and closes txn with cause.
// The first failing compensation stops the walk. Must be called with mtx held.
func (e *Executor) rollbackLocked(ctx context.Context, txn *Txn, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var compErr error
	for i := len(txn.completed) - 1; i >= 0; i-- {
		task := txn.completed[i]
		h := e.handlers[task.Kind()]
		if h.Compensate == nil {
			continue
		}
		if err := h.Compensate(ctx, task); err != nil {
			e.logger.Error("compensation failed; abandoning rollback", "task", task.Kind(), "err", err)
			compErr = fmt.Errorf("compensate %s: %w", task.Kind(), err)
			break
		}
	}
	txn.completed = nil

	if compErr != nil {
		cause = errors.Join(cause, compErr)
	}
	e.closeTxn(txn, cause)
	return compErr
}

func (e *Executor) closeTxn(txn *Txn, err error) {
	e.qmtx.Lock()
	if txn.closed {
		e.qmtx.Unlock()
		return
	}
	txn.closed = true
	if e.txn == txn {
		e.txn = nil
	}
	pending := e.queue[:0:0]
	for _, it := range e.queue {
		if it.txn != txn {
			pending = append(pending, it)
		}
	}
	dropped := len(e.queue) - len(pending)
	e.queue = pending
	e.qmtx.Unlock()

	if dropped > 0 {
		e.logger.Debug("dropped pending tasks of closed transaction", "count", dropped)
	}

	txn.err = err
	<-e.slot
	close(txn.done)
}

// cleanup drops queued tasks and rolls back the open window once the worker
// exits.
func (e *Executor) cleanup() {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.qmtx.Lock()
	e.stopped = true
	dropped := len(e.queue)
	e.queue = nil
	txn := e.txn
	e.qmtx.Unlock()

	if dropped > 0 {
		e.logger.Info("dropping queued tasks", "count", dropped)
	}
	if txn != nil {
		_ = e.rollbackLocked(context.Background(), txn, ErrStopped)
	}
}
