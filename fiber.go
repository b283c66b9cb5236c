package fiberio

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
)

// FiberState is the lifecycle state of a Fiber.
//
// Transitions:
//
//	StateInit  -> StateExec                   [Resume, first run]
//	StateExec  -> StateHold                    [YieldToHold]
//	StateExec  -> StateReady                   [YieldToReady]
//	StateExec  -> StateTerm                    [closure returns normally]
//	StateExec  -> StateExcept                  [closure panics]
//	StateHold  -> StateExec                    [Resume]
//	StateReady -> StateExec                    [Resume]
//	StateTerm, StateInit, StateExcept -> StateInit [Reset]
type FiberState int32

const (
	// StateInit means the fiber has been created (or reset) but never run.
	StateInit FiberState = iota
	// StateExec means the fiber is bound to, and running on, exactly one worker.
	StateExec
	// StateHold means the fiber yielded and must be re-scheduled explicitly
	// by someone else (e.g. an IOManager event or timer firing).
	StateHold
	// StateReady means the fiber yielded and is immediately re-runnable; the
	// scheduler re-enqueues it without anyone else's intervention.
	StateReady
	// StateTerm means the fiber's closure returned normally.
	StateTerm
	// StateExcept means the fiber's closure panicked; Backtrace() has detail.
	StateExcept
)

func (s FiberState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateReady:
		return "READY"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return fmt.Sprintf("FiberState(%d)", int32(s))
	}
}

// DefaultStackSize is the default value of the fiber.stack_size config key
// (see Config). Go goroutine stacks grow and shrink automatically; this
// value is carried for informational/config-surface parity only, and may be
// used by callers sizing their own per-fiber buffers.
const DefaultStackSize uint32 = 1 << 20 // 1 MiB

// fiberSignal is what a fiber's goroutine sends back to whoever resumed it.
type fiberSignal struct {
	state     FiberState
	backtrace string
	recovered any
}

// Fiber is a cooperatively-scheduled, stackful-in-spirit coroutine.
//
// A user fiber is backed by a dedicated goroutine that never runs
// concurrently with its owning worker: Resume hands control to the fiber
// and blocks until it yields (StateHold/StateReady) or terminates
// (StateTerm/StateExcept); YieldToHold/YieldToReady hand control back and
// block the fiber's goroutine until it is next resumed. This channel
// hand-off is the idiomatic-Go realization of a raw machine-context switch
// (see SPEC_FULL.md §1) — at most one side of the pair is ever runnable.
//
// A worker-thread root fiber (isRoot) carries no closure and no goroutine:
// it stands for the worker's own dispatch loop, the destination a fiber
// yields back to.
type Fiber struct {
	id        int64
	stackSize uint32
	isRoot    bool
	name      string

	state atomic.Int32

	closure func(context.Context)

	launched atomic.Bool
	runCh    chan context.Context
	yieldCh  chan fiberSignal
}

var fiberIDCounter atomic.Int64

// NewFiber creates a user fiber in StateInit. stackSize is informational
// (see DefaultStackSize); pass 0 to use the default.
func NewFiber(closure func(context.Context), stackSize uint32) *Fiber {
	if closure == nil {
		panic("fiberio: NewFiber requires a non-nil closure")
	}
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:        fiberIDCounter.Add(1),
		stackSize: stackSize,
		closure:   closure,
	}
	f.state.Store(int32(StateInit))
	return f
}

// newRootFiber constructs a worker-thread root fiber: no stack, no closure,
// representing the calling thread's/worker's own native execution.
func newRootFiber(name string) *Fiber {
	f := &Fiber{
		id:     fiberIDCounter.Add(1),
		isRoot: true,
		name:   name,
	}
	f.state.Store(int32(StateExec))
	return f
}

// ID returns the fiber's monotonically increasing identity.
func (f *Fiber) ID() int64 { return f.id }

// IsRoot reports whether this is a worker-thread root fiber.
func (f *Fiber) IsRoot() bool { return f.isRoot }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// Resume transitions the fiber from StateInit/StateHold/StateReady into
// StateExec and switches context into it, blocking the caller until the
// fiber yields or terminates. The caller must be the worker that owns this
// fiber's scheduling fiber; resuming a fiber already in StateExec is a
// programmer error (ErrFiberBusy).
//
// ctx is threaded into the fiber's closure (on first run) or returned to it
// from YieldToHold/YieldToReady (on subsequent runs); it typically carries
// the current *Fiber, *Scheduler, and *IOManager via WithFiber et al.
func (f *Fiber) Resume(ctx context.Context) (FiberState, error) {
	if f.isRoot {
		panic("fiberio: cannot Resume a root fiber")
	}
	var prev FiberState
	var ok bool
	for _, candidate := range [...]FiberState{StateInit, StateHold, StateReady} {
		if f.state.CompareAndSwap(int32(candidate), int32(StateExec)) {
			prev, ok = candidate, true
			break
		}
	}
	if !ok {
		return f.State(), ErrFiberBusy
	}

	if prev == StateInit {
		f.runCh = make(chan context.Context)
		f.yieldCh = make(chan fiberSignal)
		f.launched.Store(true)
		go f.trampoline()
	}

	f.runCh <- ctx
	sig := <-f.yieldCh
	return sig.state, nil
}

// trampoline is the fiber's goroutine body. It runs exactly once per
// launch (a Reset causes the next Resume to launch a fresh goroutine): it
// never returns to its caller directly, only ever communicating back over
// yieldCh, matching §4.1's "must never return from its native frame" in
// spirit — the one exception being the final send, which is this
// goroutine's last act before it actually exits.
func (f *Fiber) trampoline() {
	ctx := <-f.runCh

	var sig fiberSignal
	func() {
		defer func() {
			if r := recover(); r != nil {
				sig = fiberSignal{
					state:     StateExcept,
					backtrace: string(debug.Stack()),
					recovered: r,
				}
			}
		}()
		f.closure(withFiber(ctx, f))
		sig = fiberSignal{state: StateTerm}
	}()

	f.state.Store(int32(sig.state))
	f.yieldCh <- sig
}

// yield is the shared implementation of YieldToHold/YieldToReady.
func (f *Fiber) yield(ctx context.Context, st FiberState) context.Context {
	if f.isRoot {
		panic("fiberio: cannot yield a root fiber")
	}
	f.state.Store(int32(st))
	f.yieldCh <- fiberSignal{state: st}
	return <-f.runCh
}

// YieldToHold suspends the calling fiber in StateHold and switches context
// back to whoever resumed it. The fiber will not run again until someone
// (an IOManager event, a timer, or a direct Resume) resumes it. Must be
// called from inside the fiber's own closure.
func (f *Fiber) YieldToHold(ctx context.Context) context.Context {
	return f.yield(ctx, StateHold)
}

// YieldToReady suspends the calling fiber in StateReady and switches
// context back to whoever resumed it. A StateReady fiber is re-enqueued by
// the scheduler without further intervention. Must be called from inside
// the fiber's own closure.
func (f *Fiber) YieldToReady(ctx context.Context) context.Context {
	return f.yield(ctx, StateReady)
}

// Reset rebinds the fiber's closure and returns it to StateInit for reuse.
// Valid only from StateTerm, StateInit, or StateExcept — the Fiber
// assertion in the original source additionally forbade resetting from
// StateExcept, but the scheduler resets exception-terminated fibers in
// practice; this package follows the scheduler (see DESIGN.md Open
// Question 1).
func (f *Fiber) Reset(closure func(context.Context)) error {
	if f.isRoot {
		panic("fiberio: cannot reset a root fiber")
	}
	if closure == nil {
		panic("fiberio: Reset requires a non-nil closure")
	}
	var ok bool
	for _, candidate := range [...]FiberState{StateTerm, StateInit, StateExcept} {
		if f.state.CompareAndSwap(int32(candidate), int32(StateInit)) {
			ok = true
			break
		}
	}
	if !ok {
		return ErrFiberNotResettable
	}
	f.closure = closure
	f.launched.Store(false)
	f.runCh = nil
	f.yieldCh = nil
	return nil
}

// --- context plumbing: the idiomatic-Go stand-in for per-thread slots ---

type ctxKey int

const (
	fiberCtxKey ctxKey = iota
	schedulerCtxKey
	ioManagerCtxKey
)

// orphanFiber is returned by CurrentFiber when ctx carries no fiber value —
// e.g. code invoked from a goroutine the scheduler never dispatched. It is
// a shared, inert sentinel (always StateExec, IsRoot true) rather than a
// panic, so helper code can safely call CurrentFiber defensively; it is never
// used as a real scheduling destination.
var orphanFiber = newRootFiber("orphan")

func withFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberCtxKey, f)
}

// CurrentFiber returns the Fiber bound to ctx, i.e. the fiber currently
// executing on whichever worker dispatched ctx. Outside of any scheduled
// fiber's context it returns a shared orphan sentinel rather than nil.
func CurrentFiber(ctx context.Context) *Fiber {
	if f, ok := ctx.Value(fiberCtxKey).(*Fiber); ok && f != nil {
		return f
	}
	return orphanFiber
}

func withScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, schedulerCtxKey, s)
}

// CurrentScheduler returns the Scheduler that dispatched ctx's fiber, or
// nil if ctx was not produced by a Scheduler.
func CurrentScheduler(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(schedulerCtxKey).(*Scheduler)
	return s
}

func withIOManager(ctx context.Context, m *IOManager) context.Context {
	return context.WithValue(ctx, ioManagerCtxKey, m)
}

// CurrentIOManager returns the IOManager driving the worker that dispatched
// ctx's fiber, or nil if none.
func CurrentIOManager(ctx context.Context) *IOManager {
	m, _ := ctx.Value(ioManagerCtxKey).(*IOManager)
	return m
}
