package executor

import "context"

// Kind names a task type. Every Kind an executor processes must have a
// registered Handler.
type Kind string

// Task is a unit of work. Concrete tasks are plain structs carrying their
// payload; the executor dispatches on Kind.
type Task interface {
	Kind() Kind
}

type resultKind uint8

const (
	resultNone resultKind = iota
	resultContinue
	resultCommit
	resultRollback
)

// Result tells the executor what to do after a task has been processed.
type Result struct {
	kind resultKind
	next Task
}

// None finishes the task without further action.
func None() Result { return Result{kind: resultNone} }

// Continue schedules next to run immediately after the current task, in the
// same transaction.
func Continue(next Task) Result { return Result{kind: resultContinue, next: next} }

// Commit closes the open transaction and discards its compensation history.
func Commit() Result { return Result{kind: resultCommit} }

// Rollback compensates every completed task of the open transaction.
func Rollback() Result { return Result{kind: resultRollback} }

func (r Result) String() string {
	switch r.kind {
	case resultContinue:
		return "continue(" + string(r.next.Kind()) + ")"
	case resultCommit:
		return "commit"
	case resultRollback:
		return "rollback"
	default:
		return "none"
	}
}

// Handler is the pair of functions registered for a task Kind. Compensate is
// optional; it undoes the effects of a successful Process when the enclosing
// transaction rolls back.
type Handler struct {
	Process    func(ctx context.Context, task Task) (Result, error)
	Compensate func(ctx context.Context, task Task) error
}
