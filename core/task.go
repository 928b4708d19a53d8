package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultStackSize is the stack hint for ordinary tasks.
const DefaultStackSize = 16 * 1024

// DialStackSize is the stack hint used for tasks performing address
// resolution, which was historically stack-heavy.
const DialStackSize = 8 * 1024 * 1024

var taskidgen atomic.Uint64

// TaskFunc is the body of a task. The context identifies the running
// task to the runtime; pass it to every suspending call.
type TaskFunc func(ctx context.Context)

// Task is a cooperatively scheduled unit of execution. All fields other
// than the canceled flag are owned by the task's proc: they are only
// touched while that proc, or a task it swapped in, is running, or
// under the proc's run-queue mutex where noted.
type Task struct {
	id    uint64
	fn    TaskFunc
	co    *coroutine
	ctx   context.Context
	cproc *Proc

	name    string
	state   string
	stateAt time.Time

	timeouts []*Timeout // deadline order

	inRunq    bool // guarded by cproc.mu
	exiting   bool
	systask   bool
	unwinding bool
	migrating bool
	rehome    bool  // pending timeouts need re-arming on the new proc
	nextProc  *Proc // migration target, nil means any

	canceled atomic.Bool // set from any thread by Cancel
}

type taskKeyType struct{}

var taskKey taskKeyType

// currentTask returns the task bound to ctx, if any.
func currentTask(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey).(*Task)
	return t, ok
}

func mustTask(ctx context.Context) *Task {
	t, ok := currentTask(ctx)
	if !ok {
		bug("runtime call outside of a task")
	}
	return t
}

func newTask(fn TaskFunc, stackHint int) *Task {
	t := &Task{
		id: taskidgen.Add(1),
		fn: fn,
	}
	t.ctx = context.WithValue(context.Background(), taskKey, t)
	t.setName("task[%d]", t.id)
	t.setState("new")
	t.co = newCoroutine(stackHint, t.run)
	return t
}

// run is the coroutine entry: it executes the task body. A
// channel-closed unwind is logged and ends the task; every other
// failure reaching this frame — including cancellation and deadline
// unwinds the body did not handle — is re-raised and takes the process
// down, because an unknown invariant has been broken.
func (t *Task) run() {
	defer func() {
		if r := recover(); r != nil {
			err, ok := recoverable(r)
			if !ok {
				panic(r)
			}
			t.cproc.cfg.Logger.Debug("task unwound",
				F("proc", t.cproc.cfg.Name), F("task", t.name), F("err", err))
		}
		t.exiting = true
		t.setState("exiting")
		t.co.exit(t.cproc.co)
	}()
	t.postSwap()
	t.fn(t.ctx)
}

// swap suspends the task until its proc's event loop resumes it, then
// delivers any cancellation or expired timeout payloads.
func (t *Task) swap() {
	t.co.swap(t.cproc.co)
	t.postSwap()
}

// postSwap runs immediately after every swap-in. Cancellation wins over
// timeouts; a payload-carrying timeout aborts the drain because it
// unwinds the stack right here.
func (t *Task) postSwap() {
	if t.rehome {
		// this task migrated here with deadlines still pending; they
		// were unhooked from the old proc's heap and keep their when
		t.rehome = false
		for _, to := range t.timeouts {
			if !to.expired && to.index < 0 {
				t.cproc.timers.rearm(to)
			}
		}
	}
	if t.canceled.Load() && !t.unwinding {
		t.unwinding = true
		interrupt(ErrTaskInterrupted)
	}
	now := t.cproc.Now()
	for len(t.timeouts) > 0 {
		to := t.timeouts[0]
		if to.when.After(now) {
			break
		}
		t.timeouts = t.timeouts[1:]
		if to.index >= 0 {
			t.cproc.timers.cancel(to)
		}
		if to.payload != nil {
			interrupt(to.payload)
		}
	}
}

// ready marks the task runnable on its owning proc. No-op if the task
// is exiting or already queued; the run queue never holds duplicates.
// from identifies the proc making the call so a proc readying its own
// task can skip the wake pipe.
func (t *Task) ready(from *Proc) {
	if t.exiting {
		return
	}
	p := t.cproc
	p.mu.Lock()
	queued := false
	if !t.inRunq {
		t.inRunq = true
		p.runq = append(p.runq, t)
		queued = true
	}
	p.mu.Unlock()
	if queued && from != p {
		p.poller.wake()
	}
}

// insertTimeout links a timeout into the task's deadline-ordered list.
func (t *Task) insertTimeout(to *Timeout) {
	i := len(t.timeouts)
	for i > 0 {
		prev := t.timeouts[i-1]
		if prev.when.Before(to.when) || (prev.when.Equal(to.when) && prev.seq < to.seq) {
			break
		}
		i--
	}
	t.timeouts = append(t.timeouts, nil)
	copy(t.timeouts[i+1:], t.timeouts[i:])
	t.timeouts[i] = to
}

func (t *Task) removeTimeout(to *Timeout) {
	for i, x := range t.timeouts {
		if x == to {
			t.timeouts = append(t.timeouts[:i], t.timeouts[i+1:]...)
			return
		}
	}
}

func (t *Task) setName(format string, args ...any) {
	t.name = fmt.Sprintf(format, args...)
}

func (t *Task) setState(format string, args ...any) {
	t.state = fmt.Sprintf(format, args...)
	t.stateAt = time.Now()
}

// =============================================================================
// Task API (ctx-bound)
// =============================================================================

// Spawn creates a task running fn and marks it ready on the current
// proc. Returns the new task's id.
func Spawn(ctx context.Context, fn TaskFunc) uint64 {
	return SpawnStack(ctx, fn, DefaultStackSize)
}

// SpawnStack is Spawn with an explicit stack-size hint.
func SpawnStack(ctx context.Context, fn TaskFunc, stackHint int) uint64 {
	t := mustTask(ctx)
	nt := t.cproc.newTaskInProc(fn, stackHint)
	nt.ready(t.cproc)
	return nt.id
}

// Yield requeues the current task and swaps to the event loop. It
// returns the number of other tasks that ran in between, a diagnostic
// with no behavioral meaning.
func Yield(ctx context.Context) int {
	t := mustTask(ctx)
	p := t.cproc
	n := p.nswitch
	t.ready(p)
	t.setState("yield")
	t.swap()
	return int(p.nswitch - n - 1)
}

// Sleep suspends the current task for at least d. Resolution is one
// event-loop turn, about a millisecond under load.
func Sleep(ctx context.Context, d time.Duration) {
	t := mustTask(ctx)
	t.cproc.timers.add(t.cproc.Now(), t, d, nil)
	t.setState("sleep %v", d)
	t.swap()
}

// TaskID returns the current task's id.
func TaskID(ctx context.Context) uint64 {
	return mustTask(ctx).id
}

// SetName sets the current task's diagnostic name.
func SetName(ctx context.Context, format string, args ...any) {
	mustTask(ctx).setName(format, args...)
}

// SetState sets the current task's diagnostic state string.
func SetState(ctx context.Context, format string, args ...any) {
	mustTask(ctx).setState(format, args...)
}

// System marks the current task as a system task: it no longer counts
// toward its proc's shutdown census.
func System(ctx context.Context) {
	t := mustTask(ctx)
	if !t.systask {
		t.systask = true
		p := t.cproc
		p.mu.Lock()
		p.taskcount--
		p.mu.Unlock()
	}
}

// Cancel flags the task with the given id as canceled and wakes it; on
// its next resumption it unwinds with ErrTaskInterrupted. The current
// proc is searched first, then every registered proc. Returns false for
// an unknown id; canceling an exiting task is a no-op.
func Cancel(ctx context.Context, id uint64) bool {
	t := mustTask(ctx)
	if target := t.cproc.findTask(id); target != nil {
		cancelTask(target, t.cproc)
		return true
	}
	for _, p := range allProcs() {
		if p == t.cproc {
			continue
		}
		if target := p.findTask(id); target != nil {
			cancelTask(target, t.cproc)
			return true
		}
	}
	return false
}

func cancelTask(target *Task, from *Proc) {
	target.canceled.Store(true)
	target.ready(from)
}

// Migrate moves the current task to another proc at this suspension
// point. With to == nil the task is handed to the least-loaded proc, or
// a newly spawned one if none is available.
func Migrate(ctx context.Context, to *Proc) {
	t := mustTask(ctx)
	t.migrating = true
	t.nextProc = to
	t.setState("migrate")
	t.swap()
	// resumes on the new proc
}

// Dump returns a multi-line listing of every task on the current proc:
// id, name, state and elapsed time since the last state change.
func Dump(ctx context.Context) string {
	t := mustTask(ctx)
	return t.cproc.dump()
}

// =============================================================================
// Descriptor waits
// =============================================================================

// FDWait suspends the current task until fd satisfies the interest in
// ev or the timeout expires. timeout <= 0 waits without bound. Returns
// true if readiness caused the wake, false if the deadline expired
// first.
func FDWait(ctx context.Context, fd int, ev Interest, timeout time.Duration) bool {
	pfds := [1]PollFD{{FD: fd, Events: ev}}
	return Poll(ctx, pfds[:], timeout) > 0
}

// Poll registers every descriptor in pfds, suspends the current task,
// and returns the number of descriptors with readiness recorded in
// REvents. A return of 0 means the deadline expired, or a spurious
// wakeup: callers that still want to wait should re-enter.
func Poll(ctx context.Context, pfds []PollFD, timeout time.Duration) int {
	t := mustTask(ctx)
	p := t.cproc
	var to *Timeout
	defer func() {
		for i := range pfds {
			p.poller.remove(pfds[i].FD, &pfds[i])
		}
		if to != nil {
			p.timers.cancel(to)
		}
	}()
	for i := range pfds {
		pfds[i].REvents = 0
		if err := p.poller.add(pfds[i].FD, t, &pfds[i]); err != nil {
			bug("poller add fd %d: %v", pfds[i].FD, err)
		}
	}
	if timeout > 0 {
		to = p.timers.add(p.Now(), t, timeout, nil)
	}
	t.setState("poll %d fds", len(pfds))
	t.swap()
	n := 0
	for i := range pfds {
		if pfds[i].REvents != 0 {
			n++
		}
	}
	return n
}
