//go:build linux

package fiberio

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 256

// hardPollWaitCapMs bounds how long a single epoll_wait call may block even
// when no timer is armed, so a reactor always wakes periodically to notice
// state it has no other notification path for.
const hardPollWaitCapMs = 3000

// NewIOManager creates an IOManager backed by epoll, with threadCount
// workers (see Scheduler.useCaller for the meaning of useCaller).
func NewIOManager(threadCount int, useCaller bool, name string) (*IOManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	io := &IOManager{
		timers: NewTimerManager(),
		epfd:   epfd,
		wakeFd: wakeFd,
	}
	io.Scheduler = NewScheduler(threadCount, useCaller, name)
	io.Scheduler.hooks = io
	io.Scheduler.ctxDecorator = func(ctx context.Context) context.Context {
		return withIOManager(ctx, io)
	}
	io.timers.SetEarliestChangedHook(func() { io.tickle(AnyWorker) })

	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_ADD, io.wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(io.wakeFd),
	}); err != nil {
		_ = unix.Close(io.epfd)
		_ = unix.Close(io.wakeFd)
		return nil, err
	}

	return io, nil
}

// armEpoll transitions fd's epoll registration from oldMask to newMask:
// ADD when going from no interest to some, MOD when changing between
// nonzero masks, DEL when dropping to none. Registration is always
// edge-triggered (EPOLLET): callers must drain a fd (read/write until
// EAGAIN) after each delivered event before expecting another.
func (io *IOManager) armEpoll(fd int, oldMask, newMask EventMask) error {
	if oldMask == newMask {
		return nil
	}
	if newMask == 0 {
		return unix.EpollCtl(io.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	op := unix.EPOLL_CTL_MOD
	if oldMask == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	ev := &unix.EpollEvent{
		Events: maskToEpoll(newMask) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(io.epfd, op, fd, ev)
}

func maskToEpoll(m EventMask) uint32 {
	var e uint32
	if m&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// pollOnce is one round of reactor work: schedule expired timers' closures
// as fibers (never invoke them inline — a panicking closure must be
// contained the same way any other fiber's panic is), then block in
// epoll_wait for at most the next timer deadline, capped at
// hardPollWaitCapMs even when no timer is armed, then dispatch whatever
// fired.
func (io *IOManager) pollOnce() {
	now := time.Now()
	if expired := io.timers.CollectExpired(now); len(expired) > 0 {
		tasks := make([]*ScheduleTask, len(expired))
		for i, t := range expired {
			t := t
			tasks[i] = &ScheduleTask{fn: func(ctx context.Context) { t.Fire() }, Pinned: AnyWorker}
		}
		if err := io.ScheduleBatch(tasks); err != nil && err != ErrSchedulerStopped {
			Logger().Error().Err(err).Str("scheduler", io.name).Msg("scheduling expired timers failed")
		}
	}

	timeoutMs := io.timers.NextTimeoutMS()
	if timeoutMs < 0 || timeoutMs > hardPollWaitCapMs {
		timeoutMs = hardPollWaitCapMs
	}
	if schedulerState(io.state.Load()) != schedulerRunning {
		timeoutMs = 0
	}

	var events [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(io.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		Logger().Error().Err(err).Str("scheduler", io.name).Msg("epoll_wait failed")
		return
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == io.wakeFd {
			drainWakeFd(io.wakeFd)
			io.wakePending.Store(false)
			continue
		}
		io.dispatch(fd, events[i].Events)
	}
}

// dispatch delivers one fd's epoll event to its registered direction(s).
// Per the platform's own EPOLLERR|EPOLLHUP contract, an error or hangup is
// delivered as both read- and write-readiness, so a blocked reader and a
// blocked writer both get a chance to observe the error on their next
// syscall rather than waiting for an event that will never separately
// arrive for their direction.
func (io *IOManager) dispatch(fd int, epollEvents uint32) {
	io.tableMu.RLock()
	var slot *fdSlot
	if fd >= 0 && fd < len(io.table) {
		slot = io.table[fd]
	}
	io.tableMu.RUnlock()
	if slot == nil {
		return
	}

	isErr := epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0

	slot.mu.Lock()
	var readCtx, writeCtx *eventContext
	if (epollEvents&unix.EPOLLIN != 0 || isErr) && slot.readCtx != nil {
		readCtx = slot.readCtx
		slot.readCtx = nil
	}
	if (epollEvents&unix.EPOLLOUT != 0 || isErr) && slot.writeCtx != nil {
		writeCtx = slot.writeCtx
		slot.writeCtx = nil
	}
	oldMask := slot.registered
	newMask := oldMask
	if readCtx != nil {
		newMask &^= EventRead
	}
	if writeCtx != nil {
		newMask &^= EventWrite
	}
	slot.registered = newMask
	slot.mu.Unlock()

	if newMask != oldMask {
		_ = io.armEpoll(fd, oldMask, newMask)
	}
	if readCtx != nil {
		io.pendingEvents.Add(-1)
		readCtx.resume()
	}
	if writeCtx != nil {
		io.pendingEvents.Add(-1)
		writeCtx.resume()
	}
}

func (io *IOManager) closeReactor() error {
	err1 := unix.Close(io.epfd)
	err2 := unix.Close(io.wakeFd)
	if err1 != nil {
		return err1
	}
	return err2
}
