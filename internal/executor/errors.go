package executor

import "errors"

var (
	// ErrMissingHandler is a wiring defect: a task was submitted whose Kind
	// has no registered handler. It stops the executor.
	ErrMissingHandler = errors.New("no handler registered for task")

	// ErrIllegalTransactionState is returned by commit or rollback misuse.
	ErrIllegalTransactionState = errors.New("illegal transaction state")

	// ErrStopped is returned once the executor has been stopped.
	ErrStopped = errors.New("executor stopped")

	// ErrRolledBack is the outcome of a transaction rolled back on request
	// rather than because of a failing task.
	ErrRolledBack = errors.New("transaction rolled back")
)
