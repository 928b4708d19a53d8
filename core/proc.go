package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var procidgen atomic.Uint64

// Proc is a per-thread scheduler: an event loop owning a run queue, a
// timeout heap and a readiness poller, multiplexing its tasks on one
// loop goroutine. Other threads may only touch the run queue (under mu)
// and the wake pipe; everything else is loop-private.
type Proc struct {
	id  uint64
	cfg ProcConfig

	co    *coroutine // the event loop's own coroutine
	ctask *Task      // currently executing task

	mu        sync.Mutex
	runq      []*Task
	alltasks  []*Task
	taskcount int // non-systask census

	poller *poller
	timers timers

	now     time.Time
	nswitch uint64
}

// =============================================================================
// Proc registry
// =============================================================================

var (
	procsMu sync.Mutex
	procs   []*Proc
)

func registerProc(p *Proc) {
	procsMu.Lock()
	procs = append(procs, p)
	procsMu.Unlock()
}

func unregisterProc(p *Proc) {
	procsMu.Lock()
	for i, x := range procs {
		if x == p {
			procs = append(procs[:i], procs[i+1:]...)
			break
		}
	}
	procsMu.Unlock()
}

func allProcs() []*Proc {
	procsMu.Lock()
	out := make([]*Proc, len(procs))
	copy(out, procs)
	procsMu.Unlock()
	return out
}

// pickProc returns the registered proc with the fewest tasks, skipping
// exclude. Used to place migrating tasks that named no target.
func pickProc(exclude *Proc) *Proc {
	var best *Proc
	bestLoad := 0
	for _, p := range allProcs() {
		if p == exclude {
			continue
		}
		p.mu.Lock()
		load := len(p.alltasks)
		p.mu.Unlock()
		if best == nil || load < bestLoad {
			best = p
			bestLoad = load
		}
	}
	return best
}

// =============================================================================
// Construction and entry points
// =============================================================================

func newProc(cfg *ProcConfig) (*Proc, error) {
	poller, err := newPoller()
	if err != nil {
		return nil, err
	}
	p := &Proc{
		id:     procidgen.Add(1),
		cfg:    cfg.withDefaults(),
		co:     newMainCoroutine(),
		poller: poller,
		now:    time.Now(),
	}
	return p, nil
}

// Run builds a proc whose event loop runs on the calling goroutine,
// spawns fn as its first task, and returns once every non-system task
// has exited and the run queue is empty. This is the program entry point of
// a taskfiber application.
func Run(fn TaskFunc, cfg *ProcConfig) error {
	return RunStack(fn, DefaultStackSize, cfg)
}

// RunStack is Run with a stack-size hint for the first task.
func RunStack(fn TaskFunc, stackHint int, cfg *ProcConfig) error {
	p, err := newProc(cfg)
	if err != nil {
		return err
	}
	t := p.newTaskInProc(fn, stackHint)
	t.ready(p)
	p.run()
	return nil
}

// StartProc builds a proc on a fresh loop goroutine with fn as its
// first task. The proc unregisters itself and releases its poller when
// its loop terminates.
func StartProc(fn TaskFunc, cfg *ProcConfig) (*Proc, error) {
	p, err := newProc(cfg)
	if err != nil {
		return nil, err
	}
	t := p.newTaskInProc(fn, DefaultStackSize)
	t.ready(p)
	go p.run()
	return p, nil
}

// CurrentProc returns the proc owning the task bound to ctx.
func CurrentProc(ctx context.Context) *Proc {
	return mustTask(ctx).cproc
}

// Name returns the proc's configured name.
func (p *Proc) Name() string { return p.cfg.Name }

// Now returns the monotonic clock sample memoized at the start of the
// current loop turn.
func (p *Proc) Now() time.Time { return p.now }

// newTaskInProc constructs a task owned by p. Callable before the loop
// starts or from a task running on p.
func (p *Proc) newTaskInProc(fn TaskFunc, stackHint int) *Task {
	t := newTask(fn, stackHint)
	t.cproc = p
	p.mu.Lock()
	p.alltasks = append(p.alltasks, t)
	p.taskcount++
	p.mu.Unlock()
	p.cfg.Metrics.RecordTaskSpawned(p.cfg.Name)
	return t
}

// Spawn creates a ready task running fn on this proc. Unlike the
// ctx-bound Spawn it may target a proc other than the caller's.
func (p *Proc) Spawn(fn TaskFunc) uint64 {
	t := p.newTaskInProc(fn, DefaultStackSize)
	t.ready(nil)
	return t.id
}

func (p *Proc) findTask(id uint64) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.alltasks {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (p *Proc) dump() string {
	var b strings.Builder
	p.mu.Lock()
	tasks := make([]*Task, len(p.alltasks))
	copy(tasks, p.alltasks)
	p.mu.Unlock()
	for _, t := range tasks {
		fmt.Fprintf(&b, "%d %s [%s] %v\n", t.id, t.name, t.state, time.Since(t.stateAt).Round(time.Millisecond))
	}
	return b.String()
}

// =============================================================================
// Event loop
// =============================================================================

// run drives the proc until its non-systask census is zero and its run
// queue is empty. Timeouts and descriptor waits still pending at that
// point (only systasks can hold them) do not keep the loop alive.
func (p *Proc) run() {
	defer p.poller.close()
	defer unregisterProc(p)
	registerProc(p)
	p.cfg.Logger.Debug("proc started", F("proc", p.cfg.Name))
	for {
		p.now = time.Now()
		p.runReady()

		p.mu.Lock()
		pending := len(p.runq)
		census := p.taskcount
		p.mu.Unlock()
		if census == 0 && pending == 0 {
			// every non-system task is gone; systasks are abandoned
			// where they are suspended
			break
		}

		wait := time.Duration(-1)
		if pending > 0 {
			// a cross-thread enqueue arrived during the drain
			wait = 0
		} else if next, ok := p.timers.next(); ok {
			wait = next.Sub(p.now)
			if wait < 0 {
				wait = 0
			}
		}

		events, woke, err := p.poller.wait(wait)
		if err != nil {
			p.cfg.Logger.Error("poller wait failed", F("proc", p.cfg.Name), F("err", err))
			break
		}
		p.now = time.Now()
		if woke {
			p.cfg.Metrics.RecordPollWakeup(p.cfg.Name, "pipe")
		}
		for _, ev := range events {
			desc, ok := p.poller.waiters[int(ev.Fd)]
			if !ok {
				continue
			}
			got := interestFromEpoll(ev.Events)
			for _, entry := range desc.entries {
				if hit := got & (entry.pfd.Events | ErrHup); hit != 0 {
					entry.pfd.REvents |= hit
					p.cfg.Metrics.RecordPollWakeup(p.cfg.Name, "io")
					entry.task.ready(p)
				}
			}
		}
		p.timers.expire(p.now, func(to *Timeout) {
			p.cfg.Metrics.RecordTimeoutFired(p.cfg.Name)
			to.task.ready(p)
		})
	}
	p.cfg.Logger.Debug("proc exited", F("proc", p.cfg.Name))
}

// runReady takes the current run queue in one atomic swap and runs each
// task in FIFO order. Tasks readied during the drain wait for the next
// turn, after a zero-timeout poll.
func (p *Proc) runReady() {
	p.mu.Lock()
	batch := p.runq
	p.runq = nil
	depth := len(batch)
	p.mu.Unlock()
	p.cfg.Metrics.RecordRunQueueDepth(p.cfg.Name, depth)
	for _, t := range batch {
		p.mu.Lock()
		t.inRunq = false
		p.mu.Unlock()
		p.ctask = t
		p.nswitch++
		p.cfg.Metrics.RecordContextSwitch(p.cfg.Name)
		p.co.swap(t.co)
		p.ctask = nil
		switch {
		case t.exiting:
			p.finish(t)
		case t.migrating:
			p.handoff(t)
		}
	}
}

// finish destroys an exited task. Runs on the loop stack because a task
// cannot be torn down on its own stack.
func (p *Proc) finish(t *Task) {
	pending := t.timeouts
	t.timeouts = nil // cancel walks this list, detach it first
	for _, to := range pending {
		if to.index >= 0 {
			p.timers.cancel(to)
		}
	}
	p.mu.Lock()
	for i, x := range p.alltasks {
		if x == t {
			p.alltasks = append(p.alltasks[:i], p.alltasks[i+1:]...)
			break
		}
	}
	if !t.systask {
		p.taskcount--
	}
	p.mu.Unlock()
	p.cfg.Metrics.RecordTaskExited(p.cfg.Name)
}

// handoff gives a migrating task to its requested proc, the
// least-loaded registered proc, or a freshly spawned one.
func (p *Proc) handoff(t *Task) {
	t.migrating = false
	target := t.nextProc
	t.nextProc = nil

	// the task takes its pending deadlines with it; it re-arms them on
	// the destination once it swaps in there
	for _, to := range t.timeouts {
		p.timers.unhook(to)
	}
	if len(t.timeouts) > 0 {
		t.rehome = true
	}

	p.mu.Lock()
	for i, x := range p.alltasks {
		if x == t {
			p.alltasks = append(p.alltasks[:i], p.alltasks[i+1:]...)
			break
		}
	}
	if !t.systask {
		p.taskcount--
	}
	p.mu.Unlock()

	if target == nil {
		target = pickProc(p)
	}
	if target == nil {
		// no other proc alive: give the task its own
		np, err := newProc(&ProcConfig{
			Name:    fmt.Sprintf("%s-m%d", p.cfg.Name, t.id),
			Logger:  p.cfg.Logger,
			Metrics: p.cfg.Metrics,
		})
		if err != nil {
			p.cfg.Logger.Error("spawn proc for migration failed", F("err", err))
			t.cproc = p
			p.adopt(t)
			return
		}
		target = np
		target.adopt(t)
		go target.run()
		return
	}
	target.adopt(t)
}

// adopt takes ownership of a task coming from another proc and queues
// it.
func (p *Proc) adopt(t *Task) {
	t.cproc = p
	p.mu.Lock()
	p.alltasks = append(p.alltasks, t)
	if !t.systask {
		p.taskcount++
	}
	p.mu.Unlock()
	t.ready(nil)
}
