package fiberio

import (
	"container/list"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

// AnyWorker is the pin value meaning "any worker may run this task".
const AnyWorker = -1

type schedulerState int32

const (
	schedulerInit schedulerState = iota
	schedulerRunning
	schedulerStopping
	schedulerStopped
)

// ScheduleTask is a unit of scheduler work: either a pre-existing *Fiber to
// resume, or a func(context.Context) wrapped in a fresh fiber on dispatch.
// Pinned, when not AnyWorker, restricts dispatch to exactly that worker id.
type ScheduleTask struct {
	fiber   *Fiber
	fn      func(context.Context)
	Pinned  int
}

// schedulerHooks lets IOManager override how a worker waits for work and
// how it is woken, without the base Scheduler needing to know about epoll.
type schedulerHooks interface {
	// idle blocks the given worker until tickled or the scheduler stops.
	idle(workerID int)
	// tickle wakes whichever idle worker(s) pin selects (AnyWorker: any one).
	tickle(pin int)
	// stopping is called once, when Stop begins, so idle() can be made to
	// return promptly even mid-wait.
	stopping()
}

// Scheduler is an M:N dispatcher: threadCount worker goroutines (each
// locked to its own OS thread, since a fiber's goroutine hand-off assumes a
// stable identity for its scheduling fiber) pull runnable tasks off a
// shared, mutex-guarded FIFO queue.
type Scheduler struct {
	name        string
	threadCount int
	useCaller   bool

	hooks schedulerHooks

	// ctxDecorator lets a composing type (IOManager) inject additional
	// context.Context values into every worker's base context, e.g. so
	// CurrentIOManager resolves inside dispatched fibers.
	ctxDecorator func(context.Context) context.Context

	state   atomic.Int32
	stopped chan struct{}
	wg      sync.WaitGroup

	queueMu sync.Mutex
	queue   *list.List
	cond    *sync.Cond

	overloadMu        sync.Mutex
	overloadLimiter   *catrate.Limiter
	overloadThreshold int
	onOverload        func(error)

	roots []*Fiber
}

// NewScheduler creates a Scheduler with threadCount workers. If useCaller is
// true, Start runs worker 0's dispatch loop on the calling goroutine
// (blocking until Stop), and only threadCount-1 additional goroutines are
// spawned; the remaining scheduler API remains usable from any goroutine.
func NewScheduler(threadCount int, useCaller bool, name string) *Scheduler {
	if threadCount < 1 {
		panic("fiberio: NewScheduler requires threadCount >= 1")
	}
	s := &Scheduler{
		name:        name,
		threadCount: threadCount,
		useCaller:   useCaller,
		stopped:     make(chan struct{}),
		queue:       list.New(),
		roots:       make([]*Fiber, threadCount),
	}
	s.cond = sync.NewCond(&s.queueMu)
	s.hooks = (*baseHooks)(s)
	s.state.Store(int32(schedulerInit))
	for i := range s.roots {
		s.roots[i] = newRootFiber(fmt.Sprintf("%s/worker-%d", name, i))
	}
	return s
}

// SetOverloadLimiter wires a rate limiter that bounds how often onOverload
// fires when Schedule observes a queue depth above threshold. A nil limiter
// means onOverload fires on every over-threshold Schedule call.
func (s *Scheduler) SetOverloadLimiter(limiter *catrate.Limiter, threshold int, onOverload func(error)) {
	s.overloadMu.Lock()
	defer s.overloadMu.Unlock()
	s.overloadLimiter = limiter
	s.overloadThreshold = threshold
	s.onOverload = onOverload
}

// Start launches the worker pool. It is idempotent: a second Start call on
// a running scheduler returns ErrSchedulerAlreadyStarted. If useCaller was
// set at construction, Start blocks (running worker 0 on the calling
// goroutine) until Stop is called.
func (s *Scheduler) Start() error {
	if !s.state.CompareAndSwap(int32(schedulerInit), int32(schedulerRunning)) {
		return ErrSchedulerAlreadyStarted
	}

	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.threadCount; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
	if s.useCaller {
		s.wg.Add(1)
		s.runWorker(0)
	}
	return nil
}

// Stop begins a graceful shutdown: no further Schedule calls are accepted,
// idle workers are woken, and Stop blocks until all workers have drained
// the queue and exited. Safe to call more than once.
func (s *Scheduler) Stop() {
	if !s.state.CompareAndSwap(int32(schedulerRunning), int32(schedulerStopping)) {
		if s.state.Load() == int32(schedulerInit) {
			s.state.Store(int32(schedulerStopped))
			close(s.stopped)
		}
		return
	}
	s.hooks.stopping()
	s.queueMu.Lock()
	s.cond.Broadcast()
	s.queueMu.Unlock()
	s.wg.Wait()
	s.state.Store(int32(schedulerStopped))
	close(s.stopped)
}

// Done returns a channel closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

func (s *Scheduler) isAcceptingWork() bool {
	return schedulerState(s.state.Load()) == schedulerRunning
}

// Schedule enqueues fn to run in a fresh fiber, restricted to worker pin if
// pin != AnyWorker.
func (s *Scheduler) Schedule(fn func(context.Context), pin int) error {
	if fn == nil {
		panic("fiberio: Schedule requires a non-nil fn")
	}
	return s.enqueue(&ScheduleTask{fn: fn, Pinned: pin})
}

// ScheduleFiber enqueues an existing fiber for resumption, restricted to
// worker pin if pin != AnyWorker. Used to re-enqueue a fiber that yielded
// StateReady, or to hand a StateHold fiber back to the scheduler once its
// wait condition (I/O event, timer) is satisfied.
func (s *Scheduler) ScheduleFiber(f *Fiber, pin int) error {
	if f == nil {
		panic("fiberio: ScheduleFiber requires a non-nil fiber")
	}
	return s.enqueue(&ScheduleTask{fiber: f, Pinned: pin})
}

// ScheduleBatch enqueues multiple tasks under a single lock acquisition,
// issuing at most one tickle for the whole batch.
func (s *Scheduler) ScheduleBatch(tasks []*ScheduleTask) error {
	if !s.isAcceptingWork() {
		return ErrSchedulerStopped
	}
	if len(tasks) == 0 {
		return nil
	}
	s.queueMu.Lock()
	for _, t := range tasks {
		s.queue.PushBack(t)
	}
	depth := s.queue.Len()
	s.queueMu.Unlock()
	s.hooks.tickle(AnyWorker)
	s.checkOverload(depth)
	return nil
}

func (s *Scheduler) enqueue(t *ScheduleTask) error {
	if !s.isAcceptingWork() {
		return ErrSchedulerStopped
	}
	s.queueMu.Lock()
	s.queue.PushBack(t)
	depth := s.queue.Len()
	s.queueMu.Unlock()
	s.hooks.tickle(t.Pinned)
	s.checkOverload(depth)
	return nil
}

func (s *Scheduler) checkOverload(depth int) {
	s.overloadMu.Lock()
	threshold, limiter, onOverload := s.overloadThreshold, s.overloadLimiter, s.onOverload
	s.overloadMu.Unlock()
	if onOverload == nil || threshold <= 0 || depth <= threshold {
		return
	}
	if limiter != nil {
		if _, ok := limiter.Allow(s.name); !ok {
			return
		}
	}
	onOverload(fmt.Errorf("fiberio: scheduler %q queue depth %d exceeds threshold %d", s.name, depth, threshold))
}

// popTask performs the scan-skip-pop dispatch: it walks the queue from the
// front, skipping (without removing) any task pinned to a different
// worker, or whose fiber is already StateExec (a defensive check; this
// should not occur under correct use), and removes and returns the first
// match.
func (s *Scheduler) popTask(workerID int) (*ScheduleTask, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	for e := s.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(*ScheduleTask)
		if t.Pinned != AnyWorker && t.Pinned != workerID {
			continue
		}
		if t.fiber != nil && t.fiber.State() == StateExec {
			continue
		}
		s.queue.Remove(e)
		return t, true
	}
	return nil, false
}

func (s *Scheduler) queueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queue.Len()
}

// runWorker is a single worker's dispatch loop.
func (s *Scheduler) runWorker(id int) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	root := s.roots[id]
	ctx := withScheduler(context.Background(), s)
	ctx = withFiber(ctx, root)
	if s.ctxDecorator != nil {
		ctx = s.ctxDecorator(ctx)
	}

	log := Logger().With().Str("scheduler", s.name).Int("worker", id).Logger()
	log.Debug().Msg("worker starting")
	defer log.Debug().Msg("worker exiting")

	for {
		task, ok := s.popTask(id)
		if !ok {
			if schedulerState(s.state.Load()) != schedulerRunning {
				return
			}
			s.hooks.idle(id)
			continue
		}
		s.runTask(ctx, task, &log)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t *ScheduleTask, log *zerolog.Logger) {
	f := t.fiber
	if f == nil {
		f = NewFiber(t.fn, 0)
	}
	state, err := f.Resume(ctx)
	if err != nil {
		log.Error().Err(err).Int64("fiber", f.ID()).Msg("resume failed")
		return
	}
	switch state {
	case StateReady:
		if err := s.ScheduleFiber(f, AnyWorker); err != nil && err != ErrSchedulerStopped {
			log.Error().Err(err).Int64("fiber", f.ID()).Msg("re-enqueue of ready fiber failed")
		}
	case StateExcept:
		log.Error().Int64("fiber", f.ID()).Msg("fiber terminated with an unrecovered panic")
	case StateTerm:
		log.Debug().Int64("fiber", f.ID()).Msg("fiber terminated")
	case StateHold:
		// Someone else (an IOManager event, a Timer) owns re-scheduling it.
	}
}

// baseHooks is the default schedulerHooks implementation: cond-variable
// idle/wake, the same mutex the task queue itself uses.
type baseHooks Scheduler

func (h *baseHooks) s() *Scheduler { return (*Scheduler)(h) }

func (h *baseHooks) idle(workerID int) {
	s := h.s()
	s.queueMu.Lock()
	for s.queue.Len() == 0 && schedulerState(s.state.Load()) == schedulerRunning {
		s.cond.Wait()
	}
	s.queueMu.Unlock()
}

func (h *baseHooks) tickle(pin int) {
	s := h.s()
	s.queueMu.Lock()
	s.cond.Broadcast()
	s.queueMu.Unlock()
}

func (h *baseHooks) stopping() {
	s := h.s()
	s.queueMu.Lock()
	s.cond.Broadcast()
	s.queueMu.Unlock()
}
