package core

// coroutine is the stack-swap primitive underneath tasks. Each
// coroutine is a parked goroutine; swap hands control to the peer
// through an unbuffered rendezvous so that exactly one coroutine of a
// proc makes progress at a time. The proc's event loop runs on the
// "main" coroutine, which is the loop goroutine itself and never has an
// entry function.
//
// The stack size is a hint only: Go sizes goroutine stacks itself. It
// is kept so call sites that historically needed a large stack (dial's
// address resolution) keep their shape.
type coroutine struct {
	resume    chan struct{}
	main      bool
	stackHint int
}

// newCoroutine creates a parked coroutine that will run entry after its
// first swap-in.
func newCoroutine(stackHint int, entry func()) *coroutine {
	c := &coroutine{
		resume:    make(chan struct{}),
		stackHint: stackHint,
	}
	go func() {
		<-c.resume
		entry()
	}()
	return c
}

// newMainCoroutine marks the calling goroutine's slot in a proc. It is
// never entered; the loop goroutine parks on it during swaps.
func newMainCoroutine() *coroutine {
	return &coroutine{
		resume: make(chan struct{}),
		main:   true,
	}
}

// swap transfers control to the coroutine to and parks the caller until
// something swaps back. to must be parked: the unbuffered send
// completes only against its pending receive, which is what serializes
// execution.
func (c *coroutine) swap(to *coroutine) {
	to.resume <- struct{}{}
	<-c.resume
}

// exit transfers control to the coroutine to without parking. The
// calling goroutine must return immediately afterwards; this is the
// final handoff of a finished task.
func (c *coroutine) exit(to *coroutine) {
	to.resume <- struct{}{}
}
