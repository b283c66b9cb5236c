package fiberio

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// rollbackFlushThreshold bounds how far backward the wall clock can jump
// before CollectExpired treats every pending timer as due rather than
// leaving them stranded arbitrarily far in the (stale) future.
const rollbackFlushThreshold = time.Hour

// Timer is a handle to a single scheduled callback owned by a TimerManager.
// Cancel, Refresh, and Reset are safe to call from any goroutine; the
// closure itself runs on whichever goroutine calls Fire (an IOManager's
// reactor schedules each expired timer as its own fiber, which calls Fire).
type Timer struct {
	manager *TimerManager

	seq       int64
	fireAt    time.Time
	period    time.Duration
	recurring bool
	closure   func()

	index    int // position in the manager's heap, -1 when not present
	canceled bool
}

// TimerManager is a min-heap of pending timers ordered by fire time, ties
// broken by insertion sequence (oldest first). It holds no goroutines of
// its own: a driver (typically an IOManager's reactor loop) calls
// NextTimeoutMS to size its blocking wait and CollectExpired after waking.
type TimerManager struct {
	mu      sync.Mutex
	h       timerHeap
	seq     int64
	lastNow time.Time

	onEarliestChanged func()
}

// SetEarliestChangedHook registers fn to be invoked, with the manager's lock
// released, whenever a newly-armed or refreshed timer becomes the earliest
// pending deadline. A reactor blocked in a wait bounded by the previous
// earliest deadline has no other way to learn it should recompute that
// bound; this is typically wired to a tickle on the driving IOManager.
func (m *TimerManager) SetEarliestChangedHook(fn func()) {
	m.mu.Lock()
	m.onEarliestChanged = fn
	m.mu.Unlock()
}

// notifyEarliest reports, for a heap already restored to its invariant,
// whether t is now at its root, and returns the hook to call (or nil).
func (m *TimerManager) notifyEarliest(t *Timer) func() {
	if len(m.h) == 0 || m.h[0] != t {
		return nil
	}
	return m.onEarliestChanged
}

// NewTimerManager creates an empty TimerManager.
func NewTimerManager() *TimerManager {
	return &TimerManager{h: make(timerHeap, 0, 16)}
}

// AddTimer arms a one-shot timer firing delay from now.
func (m *TimerManager) AddTimer(delay time.Duration, closure func()) *Timer {
	return m.add(delay, delay, false, closure)
}

// AddRecurringTimer arms a timer that re-arms itself for period every time
// it fires, starting period from now.
func (m *TimerManager) AddRecurringTimer(period time.Duration, closure func()) *Timer {
	return m.add(period, period, true, closure)
}

func (m *TimerManager) add(delay, period time.Duration, recurring bool, closure func()) *Timer {
	if closure == nil {
		panic("fiberio: timer requires a non-nil closure")
	}
	m.mu.Lock()
	m.seq++
	t := &Timer{
		manager:   m,
		seq:       m.seq,
		fireAt:    time.Now().Add(delay),
		period:    period,
		recurring: recurring,
		closure:   closure,
		index:     -1,
	}
	heap.Push(&m.h, t)
	hook := m.notifyEarliest(t)
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return t
}

// AddConditionalTimer arms a one-shot timer whose closure receives obj, but
// only fires it if obj is still reachable (anything else holding a strong
// reference) at fire time. This is the idiomatic-Go realization of a timer
// closure that captures a weak reference to an auxiliary object: obj is
// held via weak.Pointer, so arming the timer never by itself keeps obj
// alive.
func AddConditionalTimer[T any](m *TimerManager, delay time.Duration, obj *T, closure func(*T)) *Timer {
	if obj == nil {
		panic("fiberio: AddConditionalTimer requires a non-nil obj")
	}
	wp := weak.Make(obj)
	return m.AddTimer(delay, func() {
		if v := wp.Value(); v != nil {
			closure(v)
		}
	})
}

// Cancel removes the timer from its manager if still pending. Idempotent:
// canceling an already-fired or already-canceled timer is a no-op.
func (t *Timer) Cancel() {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	t.canceled = true
	if t.index >= 0 {
		heap.Remove(&m.h, t.index)
	}
}

// Refresh re-arms the timer for its original delay/period measured from
// now. Returns ErrTimerNotArmed if the timer has already fired (and is not
// recurring) or was canceled.
func (t *Timer) Refresh() error {
	m := t.manager
	m.mu.Lock()
	if t.canceled || t.index < 0 {
		m.mu.Unlock()
		return ErrTimerNotArmed
	}
	t.fireAt = time.Now().Add(t.period)
	heap.Fix(&m.h, t.index)
	hook := m.notifyEarliest(t)
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Reset rearms the timer with a new period. If fromNow is true the next
// fire time is now+period; otherwise it is the timer's previous fire time
// plus period (preserving phase across a period change). Reset also
// updates whether the timer recurs going forward.
func (t *Timer) Reset(period time.Duration, fromNow bool) error {
	m := t.manager
	m.mu.Lock()
	if t.canceled {
		m.mu.Unlock()
		return ErrTimerNotArmed
	}
	t.period = period
	t.recurring = period > 0
	base := t.fireAt
	if fromNow || t.index < 0 {
		base = time.Now()
	}
	t.fireAt = base.Add(period)
	if t.index < 0 {
		t.index = len(m.h)
		heap.Push(&m.h, t)
	} else {
		heap.Fix(&m.h, t.index)
	}
	hook := m.notifyEarliest(t)
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Fire invokes the timer's closure. Called by a TimerManager's driver (the
// IOManager reactor loop) once per entry returned from CollectExpired.
func (t *Timer) Fire() {
	t.closure()
}

// FireAt returns the timer's currently armed fire time.
func (t *Timer) FireAt() time.Time {
	t.manager.mu.Lock()
	defer t.manager.mu.Unlock()
	return t.fireAt
}

// NextTimeoutMS returns how many milliseconds until the next timer fires,
// for sizing an epoll_wait-style blocking call. It returns -1 if no timer
// is armed (the caller should block indefinitely, or apply its own cap).
func (m *TimerManager) NextTimeoutMS() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.h) == 0 {
		return -1
	}
	delay := time.Until(m.h[0].fireAt)
	if delay <= 0 {
		return 0
	}
	ms := delay.Milliseconds()
	if delay%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

// CollectExpired pops and returns every timer due at or before now,
// re-arming recurring timers for their next period. If now indicates the
// wall clock has jumped backward by more than rollbackFlushThreshold since
// the previous call, every pending timer is treated as due rather than
// left stranded behind a clock that may never catch up to their fire
// times in a reasonable session lifetime.
func (m *TimerManager) CollectExpired(now time.Time) []*Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollback := !m.lastNow.IsZero() && now.Before(m.lastNow.Add(-rollbackFlushThreshold))
	m.lastNow = now

	var fired []*Timer
	for len(m.h) > 0 {
		top := m.h[0]
		if !rollback && top.fireAt.After(now) {
			break
		}
		heap.Pop(&m.h)
		top.index = -1
		fired = append(fired, top)
		if top.recurring && !top.canceled {
			top.fireAt = now.Add(top.period)
			top.index = len(m.h)
			heap.Push(&m.h, top)
		}
	}
	return fired
}

// Len returns the number of timers currently armed.
func (m *TimerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}

// timerHeap implements container/heap.Interface over *Timer, ordered by
// fireAt, ties broken by insertion sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
