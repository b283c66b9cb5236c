package fiberio

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// IOContext is the hook-layer facade: it performs the register-with-
// IOManager / arm-conditional-timer / yield / resume-or-time-out dance
// around a raw, nonblocking file descriptor, so application code reads as
// straight-line, apparently-blocking I/O. Obtain one from a running
// fiber's context via IOFromContext.
type IOContext struct {
	manager *IOManager
	ctx     context.Context
}

// ioWait resolves the race between a fd becoming ready and its deadline
// timer firing: whichever happens first wins via settled, the other
// becomes a no-op.
type ioWait struct {
	settled  atomic.Bool
	timedOut bool
}

// Read reads from fd into buf, yielding the calling fiber while fd is not
// yet readable. Returns ErrTimedOut if the fd's recv timeout (FdState,
// SetRecvTimeout) elapses first.
func (io *IOContext) Read(fd int, buf []byte) (int, error) {
	st, err := io.manager.stateFor(fd)
	if err != nil {
		return 0, err
	}
	for {
		n, err := readFD(fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		userNonblock, closed, recvTimeout, _ := st.snapshot()
		if closed {
			return 0, ErrClosed
		}
		if userNonblock {
			return 0, err
		}
		timedOut, werr := io.waitReady(fd, EventRead, recvTimeout)
		if werr != nil {
			return 0, werr
		}
		if timedOut {
			return 0, ErrTimedOut
		}
	}
}

// Write writes buf to fd, yielding the calling fiber while fd is not yet
// writable. Returns ErrTimedOut if the fd's send timeout elapses first.
func (io *IOContext) Write(fd int, buf []byte) (int, error) {
	st, err := io.manager.stateFor(fd)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(buf) {
		n, err := writeFD(fd, buf[total:])
		if n > 0 {
			total += n
		}
		if err == nil {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return total, err
		}
		userNonblock, closed, _, sendTimeout := st.snapshot()
		if closed {
			return total, ErrClosed
		}
		if userNonblock {
			return total, err
		}
		timedOut, werr := io.waitReady(fd, EventWrite, sendTimeout)
		if werr != nil {
			return total, werr
		}
		if timedOut {
			return total, ErrTimedOut
		}
	}
	return total, nil
}

// Connect initiates a nonblocking connect on fd, yielding the calling
// fiber until the connection completes, fails, or timeout elapses.
func (io *IOContext) Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}
	timedOut, werr := io.waitReady(fd, EventWrite, timeout)
	if werr != nil {
		return werr
	}
	if timedOut {
		return ErrTimedOut
	}
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Accept accepts a connection on listening socket fd, yielding the calling
// fiber while none is pending. timeout of zero waits indefinitely.
func (io *IOContext) Accept(fd int, timeout time.Duration) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			return nfd, sa, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return -1, nil, err
		}
		timedOut, werr := io.waitReady(fd, EventRead, timeout)
		if werr != nil {
			return -1, nil, werr
		}
		if timedOut {
			return -1, nil, ErrTimedOut
		}
	}
}

// Sleep suspends the calling fiber for d, without blocking its worker.
func (io *IOContext) Sleep(d time.Duration) {
	f := CurrentFiber(io.ctx)
	io.manager.timers.AddTimer(d, func() {
		_ = io.manager.Scheduler.ScheduleFiber(f, AnyWorker)
	})
	f.YieldToHold(io.ctx)
}

// Close cancels any armed events for fd, marks it closed in FdState (so a
// racing Read/Write observes ErrClosed rather than re-arming), and closes
// the underlying descriptor.
func (io *IOContext) Close(fd int) error {
	_ = io.manager.CancelAll(fd)
	if st, err := io.manager.stateFor(fd); err == nil {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
	}
	return closeFD(fd)
}

// waitReady arms a single event/direction for fd and yields the calling
// fiber until it fires or, if timeout > 0, the timeout elapses first.
func (io *IOContext) waitReady(fd int, dir EventMask, timeout time.Duration) (timedOut bool, err error) {
	f := CurrentFiber(io.ctx)
	if f.IsRoot() {
		panic("fiberio: IOContext used outside a dispatched fiber")
	}

	w := &ioWait{}
	var timer *Timer
	if timeout > 0 {
		timer = io.manager.timers.AddTimer(timeout, func() {
			if w.settled.CompareAndSwap(false, true) {
				w.timedOut = true
				_ = io.manager.removeEvent(fd, dir, false)
				_ = io.manager.Scheduler.ScheduleFiber(f, AnyWorker)
			}
		})
	}

	addErr := io.manager.addEvent(fd, dir, &eventContext{closure: func() {
		if w.settled.CompareAndSwap(false, true) {
			if timer != nil {
				timer.Cancel()
			}
			_ = io.manager.Scheduler.ScheduleFiber(f, AnyWorker)
		}
	}})
	if addErr != nil {
		if timer != nil {
			timer.Cancel()
		}
		return false, addErr
	}

	f.YieldToHold(io.ctx)
	return w.timedOut, nil
}
