package core

import (
	"time"

	"fortio.org/safecast"
	"golang.org/x/sys/unix"
)

// Interest describes descriptor readiness conditions. Readable and
// Writable are registered interests; ErrHup is always reported by the
// kernel and shows up in PollFD.REvents regardless of registration.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	ErrHup
)

// PollFD is one descriptor entry of a multi-fd Poll call. REvents is
// filled in by the event loop before the waiting task resumes.
type PollFD struct {
	FD      int
	Events  Interest
	REvents Interest
}

func (in Interest) epollBits() uint32 {
	var ev uint32
	if in&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func interestFromEpoll(ev uint32) Interest {
	var in Interest
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		in |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		in |= Writable
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		in |= ErrHup
	}
	return in
}

// pollEntry is one task waiting on a descriptor.
type pollEntry struct {
	task *Task
	pfd  *PollFD
}

// pollDesc tracks every waiter of one descriptor. Distinct tasks may
// wait on the same fd with different interests (a reader and a writer
// on one socket); the registered epoll interest is their union.
type pollDesc struct {
	entries []pollEntry
}

func (d *pollDesc) union() Interest {
	var in Interest
	for _, e := range d.entries {
		in |= e.pfd.Events
	}
	return in
}

// poller wraps a level-triggered epoll instance plus the wake pipe used
// by other threads to unblock a waiting proc. Linux only.
type poller struct {
	epfd     int
	wakeRead int
	wakeSend int
	waiters  map[int]*pollDesc
	events   []unix.EpollEvent
	drainBuf [128]byte
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{
		epfd:     epfd,
		wakeRead: pipe[0],
		wakeSend: pipe[1],
		waiters:  make(map[int]*pollDesc),
		events:   make([]unix.EpollEvent, 128),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.wakeRead)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.wakeRead, &ev); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *poller) close() {
	unix.Close(p.wakeSend)
	unix.Close(p.wakeRead)
	unix.Close(p.epfd)
}

// add registers fd on behalf of t with the interest in pfd.Events.
// Readiness is reported by setting pfd.REvents and waking t.
func (p *poller) add(fd int, t *Task, pfd *PollFD) error {
	desc, ok := p.waiters[fd]
	if !ok {
		desc = &pollDesc{}
		p.waiters[fd] = desc
	}
	desc.entries = append(desc.entries, pollEntry{task: t, pfd: pfd})
	ev := unix.EpollEvent{Events: desc.union().epollBits(), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !ok {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		if !ok {
			delete(p.waiters, fd)
		} else {
			desc.entries = desc.entries[:len(desc.entries)-1]
		}
		return err
	}
	return nil
}

// remove drops one waiter of fd, narrowing or deleting the epoll
// registration. Safe to call for a registration that does not exist.
func (p *poller) remove(fd int, pfd *PollFD) {
	desc, ok := p.waiters[fd]
	if !ok {
		return
	}
	for i := range desc.entries {
		if desc.entries[i].pfd == pfd {
			desc.entries = append(desc.entries[:i], desc.entries[i+1:]...)
			break
		}
	}
	if len(desc.entries) == 0 {
		delete(p.waiters, fd)
		// The fd may already be closed; EBADF here is fine.
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	ev := unix.EpollEvent{Events: desc.union().epollBits(), Fd: int32(fd)}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// idle reports whether no descriptor waits are registered.
func (p *poller) idle() bool { return len(p.waiters) == 0 }

// wait blocks for up to d (d < 0 blocks indefinitely, 0 polls) and
// returns the ready events, wake-pipe traffic filtered out.
// woke reports whether the wake pipe fired.
func (p *poller) wait(d time.Duration) (ready []unix.EpollEvent, woke bool, err error) {
	ms := -1
	if d >= 0 {
		// round up so sub-millisecond deadlines do not spin the loop
		var convErr error
		ms, convErr = safecast.Conv[int](int64((d + time.Millisecond - 1) / time.Millisecond))
		if convErr != nil {
			ms = 1 << 30
		}
	}
	var n int
	for {
		n, err = unix.EpollWait(p.epfd, p.events, ms)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}
	ready = p.events[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		if int(ev.Fd) == p.wakeRead {
			woke = true
			p.drainWakePipe()
			continue
		}
		ready = append(ready, ev)
	}
	return ready, woke, nil
}

// wake unblocks a wait in progress. Callable from any thread; a full
// pipe already guarantees a pending wakeup.
func (p *poller) wake() {
	var b [1]byte
	unix.Write(p.wakeSend, b[:])
}

// drainWakePipe consumes every pending wake byte so level-triggered
// epoll stops reporting the pipe.
func (p *poller) drainWakePipe() {
	for {
		n, err := unix.Read(p.wakeRead, p.drainBuf[:])
		if n < len(p.drainBuf) || err != nil {
			return
		}
	}
}
