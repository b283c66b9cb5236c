package fiberio

import "errors"

// Standard errors returned by this package's public API.
var (
	// ErrSchedulerAlreadyStarted is returned by Start on a Scheduler that is
	// already running. Start is otherwise idempotent, so this is informational.
	ErrSchedulerAlreadyStarted = errors.New("fiberio: scheduler already started")

	// ErrSchedulerStopped is returned when Schedule/ScheduleBatch is called
	// after Stop has begun draining the scheduler.
	ErrSchedulerStopped = errors.New("fiberio: scheduler is stopped")

	// ErrFiberBusy is returned by Resume when the target fiber is already
	// in StateExec. This indicates a programmer error: the same fiber is
	// being resumed from two places concurrently. Resume also returns it
	// for a fiber in StateTerm or StateExcept that has not been Reset.
	ErrFiberBusy = errors.New("fiberio: fiber already executing")

	// ErrFiberNotResettable is returned by Reset when the fiber is neither
	// StateTerm, StateInit, nor StateExcept.
	ErrFiberNotResettable = errors.New("fiberio: fiber not in a resettable state")

	// ErrEventAlreadyRegistered is returned by AddEvent when the requested
	// event is already armed for the given fd.
	ErrEventAlreadyRegistered = errors.New("fiberio: event already registered")

	// ErrEventNotRegistered is returned by DelEvent/CancelEvent when the
	// requested event is not armed for the given fd.
	ErrEventNotRegistered = errors.New("fiberio: event not registered")

	// ErrFDOutOfRange is returned when a file descriptor is negative. The
	// manager's fd tables grow to fit any non-negative fd.
	ErrFDOutOfRange = errors.New("fiberio: fd out of range")

	// ErrUnsupportedPlatform is returned by NewIOManager on platforms
	// without an epoll implementation.
	ErrUnsupportedPlatform = errors.New("fiberio: IOManager requires epoll (linux)")

	// ErrTimerNotArmed is returned by Timer.Refresh when the timer has
	// already fired (non-recurring) or been canceled.
	ErrTimerNotArmed = errors.New("fiberio: timer is not armed")

	// ErrTimedOut is the error a hooked I/O operation returns when its
	// deadline (recv/send/connect timeout) elapses before completion.
	ErrTimedOut = errors.New("fiberio: i/o timed out")

	// ErrClosed is returned by IOContext operations on a file descriptor
	// that has been closed through this package.
	ErrClosed = errors.New("fiberio: fd closed")
)
