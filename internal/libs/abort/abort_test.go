package abort

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeAbortOnce(t *testing.T) {
	s := New()
	require.False(t, s.IsAborted())
	require.NoError(t, s.Err())

	first := errors.New("first")
	require.True(t, s.Abort(first))
	require.False(t, s.Abort(errors.New("second")))

	require.True(t, s.IsAborted())
	require.ErrorIs(t, s.Err(), first)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after abort")
	}
}

func TestScopeAbortNilReason(t *testing.T) {
	s := New()
	require.True(t, s.Abort(nil))
	require.ErrorIs(t, s.Err(), ErrAborted)
}

func TestAwaitReturnsResult(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	s := New()
	v, err := Await(context.Background(), s, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	opErr := errors.New("boom")
	_, err = Await(context.Background(), s, func(context.Context) (string, error) {
		return "", opErr
	})
	require.ErrorIs(t, err, opErr)
}

func TestAwaitAfterAbortSkipsOp(t *testing.T) {
	s := New()
	reason := errors.New("stop")
	s.Abort(reason)

	called := false
	_, err := Await(context.Background(), s, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	require.ErrorIs(t, err, reason)
	require.False(t, called)

	require.ErrorIs(t, Wait(context.Background(), s, make(chan struct{})), reason)
}

func TestAbortRejectsOutstandingWaits(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	var (
		s       = New()
		reason  = errors.New("superseded")
		release = make(chan struct{})
		block   = make(chan struct{})
		wg      sync.WaitGroup
		errs    = make([]error, 2)
	)
	t.Cleanup(func() { close(release) })

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = Await(context.Background(), s, func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
	}()
	go func() {
		defer wg.Done()
		errs[1] = Wait(context.Background(), s, block)
	}()

	// let both waits start
	time.Sleep(20 * time.Millisecond)
	s.Abort(reason)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, reason)
	}
}

func TestWaitHandshake(t *testing.T) {
	s := New()
	ch := make(chan struct{})
	close(ch)
	require.NoError(t, Wait(context.Background(), s, ch))
}

func TestAwaitContextCancel(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Await(ctx, s, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, s.IsAborted())
}

func TestScopeReset(t *testing.T) {
	s := New()
	old := s.Done()
	s.Abort(nil)
	s.Reset()

	require.False(t, s.IsAborted())
	require.NoError(t, s.Err())

	select {
	case <-old:
	default:
		t.Fatal("old done channel should stay closed")
	}
	select {
	case <-s.Done():
		t.Fatal("reset scope should not be done")
	default:
	}

	v, err := Await(context.Background(), s, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
