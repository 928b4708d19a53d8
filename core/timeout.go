package core

import (
	"container/heap"
	"time"
)

// Timeout is one pending deadline on a proc's timeout heap. A nil
// payload means the expiry only wakes the task; a non-nil payload is
// raised on the task's stack when it next swaps in (Deadline uses
// ErrDeadlineReached).
type Timeout struct {
	when    time.Time
	task    *Task
	payload error
	seq     uint64 // insertion order, breaks deadline ties
	index   int    // heap index, -1 once popped or canceled
	expired bool   // popped by expire, delivery pending on the task
}

// When returns the absolute deadline.
func (to *Timeout) When() time.Time { return to.when }

// timeoutHeap implements heap.Interface ordered by deadline, ties
// broken by insertion order.
type timeoutHeap []*Timeout

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	n := len(*h)
	item := x.(*Timeout)
	item.index = n
	*h = append(*h, item)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *timeoutHeap) peek() *Timeout {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// timers is the proc-owned deadline structure. It is touched only while
// the owning proc (or a task it has swapped in) is running, so it needs
// no lock of its own.
type timers struct {
	h   timeoutHeap
	seq uint64
}

// add computes when = now + delay and inserts a timeout for t. The
// timeout is also linked into t's own deadline-ordered list, which the
// task drains on swap-in.
func (ts *timers) add(now time.Time, t *Task, delay time.Duration, payload error) *Timeout {
	ts.seq++
	to := &Timeout{
		when:    now.Add(delay),
		task:    t,
		payload: payload,
		seq:     ts.seq,
	}
	heap.Push(&ts.h, to)
	t.insertTimeout(to)
	return to
}

// cancel removes a timeout from the heap (if still pending) and from
// its task's list (if still linked). Safe to call more than once.
func (ts *timers) cancel(to *Timeout) {
	if to.index >= 0 {
		heap.Remove(&ts.h, to.index)
	}
	to.task.removeTimeout(to)
}

// next returns the earliest pending deadline.
func (ts *timers) next() (time.Time, bool) {
	top := ts.h.peek()
	if top == nil {
		return time.Time{}, false
	}
	return top.when, true
}

// expire pops every timeout whose deadline is at or before now, in
// deadline order, and hands it to f. The popped entries stay linked to
// their tasks: payload delivery happens on the task's next swap-in.
func (ts *timers) expire(now time.Time, f func(*Timeout)) {
	for {
		top := ts.h.peek()
		if top == nil || top.when.After(now) {
			return
		}
		heap.Pop(&ts.h)
		top.expired = true
		f(top)
	}
}

// unhook removes a timeout from the heap without touching its task's
// list. Used when a migrating task takes its pending deadlines along.
func (ts *timers) unhook(to *Timeout) {
	if to.index >= 0 {
		heap.Remove(&ts.h, to.index)
	}
}

// rearm inserts a previously unhooked timeout, deadline unchanged, into
// this heap. Called by the migrated task once it runs on its new proc.
func (ts *timers) rearm(to *Timeout) {
	heap.Push(&ts.h, to)
}

func (ts *timers) empty() bool { return len(ts.h) == 0 }
