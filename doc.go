// Package fiberio provides a concurrent execution core for network-server
// frameworks: an M:N user-space fiber runtime tightly integrated with an
// epoll-driven I/O reactor and a monotonic-time timer manager.
//
// # Architecture
//
// Four subsystems build on each other, leaves first:
//
//   - [TimerManager] — an in-memory min-heap of deadlines.
//   - [Fiber] — a stackful-in-spirit user-space coroutine, realized as a
//     goroutine handed off to its owning worker over a pair of channels.
//   - [Scheduler] — an M:N dispatcher: N worker goroutines (each locked to
//     its own OS thread) pull runnable fibers off a shared FIFO queue.
//   - [IOManager] — extends Scheduler with an epoll reactor and composes
//     TimerManager to bound epoll_wait; an idle worker runs the reactor loop.
//
// Application code written against the [IOContext] facade (obtained from a
// running fiber's context.Context via [IOFromContext]) reads as
// straight-line, apparently-blocking code: Read, Write, Connect, Accept, and
// Sleep all register interest with the IOManager and yield the calling
// fiber, resuming it when the kernel (or a timeout) says so.
//
// # Platform support
//
// The I/O reactor is epoll-based and Linux-only, matching the edge-triggered
// epoll contract this package implements; [NewIOManager] returns
// [ErrUnsupportedPlatform] elsewhere. The base [Scheduler] (no I/O reactor)
// is portable.
//
// # Thread safety
//
// [Scheduler.Schedule] and [Scheduler.ScheduleBatch] are safe to call from
// any goroutine. [Timer] cancellation, refresh, and reset are safe from any
// goroutine. A [Fiber] runs on exactly one worker at a time; its state
// leaves StateExec only from inside its own goroutine.
//
// # Usage
//
//	sched, err := fiberio.NewIOManager(4, false, "io")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sched.Start()
//	defer sched.Stop()
//
//	sched.Schedule(func(ctx context.Context) {
//		io := fiberio.IOFromContext(ctx)
//		buf := make([]byte, 5)
//		n, err := io.Read(fd, buf)
//		...
//	}, fiberio.AnyWorker)
package fiberio
