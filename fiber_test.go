package fiberio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFiber_LifecycleHoldThenTerminate(t *testing.T) {
	resumed := make(chan struct{})
	var f *Fiber
	f = NewFiber(func(ctx context.Context) {
		require.Same(t, f, CurrentFiber(ctx))
		ctx = f.YieldToHold(ctx)
		close(resumed)
	}, 0)

	require.Equal(t, StateInit, f.State())

	state, err := f.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateHold, state)
	require.Equal(t, StateHold, f.State())

	select {
	case <-resumed:
		t.Fatal("fiber ran past its yield before being resumed again")
	default:
	}

	state, err = f.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateTerm, state)
	<-resumed
}

func TestFiber_YieldToReady(t *testing.T) {
	var runs int
	var f *Fiber
	f = NewFiber(func(ctx context.Context) {
		runs++
		ctx = f.YieldToReady(ctx)
		runs++
	}, 0)

	var f2 *Fiber
	f2 = f

	state, err := f2.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, state)
	require.Equal(t, 1, runs)

	state, err = f2.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateTerm, state)
	require.Equal(t, 2, runs)
}

func TestFiber_PanicRecoveredAsStateExcept(t *testing.T) {
	f := NewFiber(func(ctx context.Context) {
		panic("boom")
	}, 0)

	state, err := f.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateExcept, state)
	require.Equal(t, StateExcept, f.State())
}

func TestFiber_ResumeWhileExecutingIsFiberBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := NewFiber(func(ctx context.Context) {
		close(entered)
		<-release
	}, 0)

	go func() {
		_, _ = f.Resume(context.Background())
	}()
	<-entered

	require.Eventually(t, func() bool {
		_, err := f.Resume(context.Background())
		return err == ErrFiberBusy
	}, time.Second, time.Millisecond)

	close(release)
}

func TestFiber_ResetRequiresTerminalState(t *testing.T) {
	f := NewFiber(func(ctx context.Context) {}, 0)

	// A fiber suspended in StateHold is not resettable.
	held := NewFiber(func(ctx context.Context) {
		CurrentFiber(ctx).YieldToHold(ctx)
	}, 0)
	_, err := held.Resume(context.Background())
	require.NoError(t, err)
	err = held.Reset(func(ctx context.Context) {})
	require.ErrorIs(t, err, ErrFiberNotResettable)

	_, err = f.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateTerm, f.State())

	var ran bool
	err = f.Reset(func(ctx context.Context) { ran = true })
	require.NoError(t, err)
	require.Equal(t, StateInit, f.State())

	_, err = f.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
}

func TestFiber_RootFiberCannotResumeOrYield(t *testing.T) {
	root := newRootFiber("test-root")
	require.True(t, root.IsRoot())
	require.Equal(t, StateExec, root.State())

	require.Panics(t, func() {
		_, _ = root.Resume(context.Background())
	})
	require.Panics(t, func() {
		root.YieldToHold(context.Background())
	})
}

func TestCurrentFiber_OrphanSentinelOutsideDispatch(t *testing.T) {
	f := CurrentFiber(context.Background())
	require.NotNil(t, f)
	require.True(t, f.IsRoot())
	require.Equal(t, StateExec, f.State())
}

func TestCurrentScheduler_NilOutsideScheduler(t *testing.T) {
	require.Nil(t, CurrentScheduler(context.Background()))
	require.Nil(t, CurrentIOManager(context.Background()))
}
