package core

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the runtime. Cancellation and deadline
// injection travel up the task stack as panics carrying these values so
// that deferred cleanup runs; everything else is returned as a plain
// error value.
var (
	// ErrTaskInterrupted is injected into a task on its next resumption
	// after Cancel flagged it.
	ErrTaskInterrupted = errors.New("task interrupted")

	// ErrDeadlineReached is injected into a task when a scoped Deadline
	// expires while the task is suspended.
	ErrDeadlineReached = errors.New("deadline reached")

	// ErrTimedOut is returned by socket operations whose per-operation
	// timeout expired before the descriptor became ready.
	ErrTimedOut = errors.New("timed out")

	// ErrChannelClosed is returned by Chan Send once the channel has
	// been closed, and by Recv once it has been closed and drained.
	ErrChannelClosed = errors.New("channel closed")
)

// interrupt aborts the current task with err, unwinding through its
// call frames so deferred releases run. Recovered in the task start
// wrapper.
func interrupt(err error) {
	panic(err)
}

// recoverable reports whether a panic payload may be absorbed by the
// top-level task wrapper. Only channel-closed qualifies: a task body is
// expected to handle cancellation and deadline unwinds itself, and any
// failure reaching the top frame unhandled means an invariant was
// broken, so the process aborts.
func recoverable(r any) (error, bool) {
	err, ok := r.(error)
	if !ok {
		return nil, false
	}
	if errors.Is(err, ErrChannelClosed) {
		return err, true
	}
	return err, false
}

// bug panics with a formatted message. Used for conditions that are
// programming errors, never runtime failures.
func bug(format string, args ...any) {
	panic(fmt.Sprintf("BUG: "+format, args...))
}
