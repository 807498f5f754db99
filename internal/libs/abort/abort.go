// Package abort implements a one-shot cooperative cancellation scope.
//
// A Scope is shared by every goroutine of one sync run. Waiting on anything
// that may block (a fetch, a storage read, the completion of the previous
// height) goes through Await or Wait, so that tripping the scope once makes
// every outstanding and future wait fail with the same reason. Aborting does
// not stop the wrapped operation itself; its eventual result is discarded.
package abort

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is the reason used when a scope is aborted without one.
var ErrAborted = errors.New("operation aborted")

// Scope is a resettable one-shot cancellation primitive.
type Scope struct {
	mtx    sync.Mutex
	done   chan struct{}
	reason error
}

// New returns a fresh, unaborted scope.
func New() *Scope {
	return &Scope{done: make(chan struct{})}
}

// Reset replaces the scope's state with a fresh, unaborted one. Waits started
// before Reset keep observing the old state.
func (s *Scope) Reset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.done = make(chan struct{})
	s.reason = nil
}

// Abort trips the scope with reason. Only the first call has an effect; it
// returns whether this call was the one that tripped the scope.
func (s *Scope) Abort(reason error) bool {
	if reason == nil {
		reason = ErrAborted
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.reason != nil {
		return false
	}
	s.reason = reason
	close(s.done)
	return true
}

// IsAborted reports whether the scope has been tripped.
func (s *Scope) IsAborted() bool {
	return s.Err() != nil
}

// Err returns the abort reason, or nil if the scope has not been tripped.
func (s *Scope) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.reason
}

// Done returns a channel that is closed when the scope is tripped.
func (s *Scope) Done() <-chan struct{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.done
}

// state returns the current done channel and reason atomically.
func (s *Scope) state() (<-chan struct{}, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.done, s.reason
}

// Await runs op and returns the first of: op's result, the scope's abort
// reason, or ctx's error. If the scope is already aborted op is never invoked.
func Await[T any](ctx context.Context, s *Scope, op func(context.Context) (T, error)) (T, error) {
	var zero T

	done, reason := s.state()
	if reason != nil {
		return zero, reason
	}

	type result struct {
		val T
		err error
	}
	// buffered so that an abandoned op never blocks forever
	resCh := make(chan result, 1)
	go func() {
		val, err := op(ctx)
		resCh <- result{val, err}
	}()

	select {
	case res := <-resCh:
		return res.val, res.err
	case <-done:
		return zero, s.Err()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Wait blocks until ch is closed, the scope is aborted or ctx is done.
func Wait(ctx context.Context, s *Scope, ch <-chan struct{}) error {
	done, reason := s.state()
	if reason != nil {
		return reason
	}

	select {
	case <-ch:
		return nil
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
