package core

import (
	"context"
	"sync"
)

// Rendez is a condition-variable-like primitive used together with a
// held Qutex. Wakeups select the longest-waiting task and enqueue it on
// its owning proc, so a Rendez may be shared across procs. A Rendez
// must not be discarded while tasks are waiting on it; doing so is a
// programming error.
type Rendez struct {
	m       sync.Mutex
	waiting []*Task
}

// Sleep releases q, then adds the current task to the waiter list,
// suspends it until a wakeup, and re-acquires q before returning. If the wait is aborted by
// cancellation or a deadline, the task is removed from the waiter list
// and the failure propagates after q has been re-acquired.
func (r *Rendez) Sleep(ctx context.Context, q *Qutex) {
	t := mustTask(ctx)
	q.Unlock(ctx)
	r.m.Lock()
	found := false
	for _, w := range r.waiting {
		if w == t {
			found = true
			break
		}
	}
	if !found {
		r.waiting = append(r.waiting, t)
	}
	r.m.Unlock()

	t.setState("rendez sleep")
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.m.Lock()
				r.removeWaiterLocked(t)
				r.m.Unlock()
				q.Lock(ctx)
				panic(rec)
			}
		}()
		t.swap()
	}()
	q.Lock(ctx)
}

// Wakeup readies the longest-waiting task, if any. The woken task will
// contend for the associated qutex when it runs. Returns true if a task
// was woken.
func (r *Rendez) Wakeup(ctx context.Context) bool {
	from := fromProc(ctx)
	r.m.Lock()
	var t *Task
	if len(r.waiting) > 0 {
		t = r.waiting[0]
		r.waiting = r.waiting[1:]
	}
	r.m.Unlock()
	if t == nil {
		return false
	}
	t.ready(from)
	return true
}

// WakeupAll readies every waiting task. Returns the number woken.
func (r *Rendez) WakeupAll(ctx context.Context) int {
	from := fromProc(ctx)
	r.m.Lock()
	batch := r.waiting
	r.waiting = nil
	r.m.Unlock()
	for _, t := range batch {
		t.ready(from)
	}
	return len(batch)
}

func (r *Rendez) removeWaiterLocked(t *Task) {
	for i, w := range r.waiting {
		if w == t {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// fromProc identifies the caller's proc when ctx belongs to a task;
// wakeups from outside any task always go through the wake pipe.
func fromProc(ctx context.Context) *Proc {
	if t, ok := currentTask(ctx); ok {
		return t.cproc
	}
	return nil
}
