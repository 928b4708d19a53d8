// Package taskfiber provides cooperatively scheduled, lightweight tasks
// backed by an epoll event loop, with non-blocking socket I/O and
// timeout support. It is designed for highly concurrent network servers
// and clients that want blocking-style code without a thread or a
// heavyweight state machine per connection.
//
// # Quick Start
//
// Run starts a proc (a per-thread scheduler) on the calling goroutine
// with one task and returns when every non-system task has finished:
//
//	taskfiber.Run(func(ctx context.Context) {
//		taskfiber.Spawn(ctx, func(ctx context.Context) {
//			taskfiber.Sleep(ctx, time.Second)
//		})
//	}, nil)
//
// # Key Concepts
//
// Task: a cooperatively scheduled unit of execution. Tasks suspend only
// at explicit points: Yield, Sleep, FDWait/Poll, qutex Lock under
// contention, rendez Sleep, Migrate, and task exit. The context passed to a task
// body identifies it to the runtime; pass it to every suspending call.
//
// Proc: a per-thread event loop owning a FIFO run queue, a timeout heap
// and a readiness poller. Procs run tasks one at a time; multiple procs
// run in parallel, and tasks may Migrate between them at suspension
// points.
//
// Qutex and Rendez: mutual exclusion and condition waits whose waiters
// are tasks. Both are FIFO-fair and safe to share across procs.
//
// Deadline: a scoped timeout that unwinds the task with
// ErrDeadlineReached if it is still armed when it fires. Cancellation
// (Cancel) unwinds the target with ErrTaskInterrupted on its next
// resumption. Both unwinds run deferred cleanup on the way out; the
// task body must recover them where the failure is expected, because a
// failure other than ErrChannelClosed that reaches the task's top
// frame aborts the process.
//
// The netsock package layers blocking-style sockets on top: see
// netsock.Socket and netsock.Server. Linux only.
package taskfiber
