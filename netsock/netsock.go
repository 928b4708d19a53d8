package netsock

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Swind/go-taskfiber/core"
)

// Socket wraps a non-blocking stream descriptor bound to the task
// runtime. Every operation that would block suspends the calling task
// with an fd-wait until the descriptor is ready or the optional timeout
// expires; a timeout of zero waits without bound.
type Socket struct {
	fd int
}

// NewSocket creates a non-blocking, close-on-exec stream socket for the
// given family (unix.AF_INET or unix.AF_INET6).
func NewSocket(family int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &Socket{fd: fd}, nil
}

// FromFD wraps an existing descriptor. The descriptor must already be
// non-blocking.
func FromFD(fd int) *Socket { return &Socket{fd: fd} }

// FD returns the underlying descriptor.
func (s *Socket) FD() int { return s.fd }

// Close releases the descriptor.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// SetReuseAddr sets SO_REUSEADDR.
func (s *Socket) SetReuseAddr() error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

// Bind binds the socket to addr.
func (s *Socket) Bind(addr *Addr) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", unix.Bind(s.fd, sa))
}

// Listen starts listening. Use a ridiculous backlog; the kernel will
// truncate to its maximum.
func (s *Socket) Listen() error {
	return os.NewSyscallError("listen", unix.Listen(s.fd, 100000))
}

// LocalAddr returns the bound address, which is how a caller learns the
// port after binding to port 0.
func (s *Socket) LocalAddr() (*Addr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return addrFromSockaddr(sa), nil
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() (*Addr, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return addrFromSockaddr(sa), nil
}

// Shutdown half- or full-closes the connection (unix.SHUT_RD,
// unix.SHUT_WR, unix.SHUT_RDWR).
func (s *Socket) Shutdown(how int) error {
	return os.NewSyscallError("shutdown", unix.Shutdown(s.fd, how))
}

// Dial resolves host with r (DefaultResolver if nil) and connects to
// the first responding address, trying each candidate with the
// per-attempt timeout. Resolution may yield mixed-family addresses, and
// a failed connect leaves a socket unusable, so every candidate gets a
// fresh descriptor of the matching family; the one that connected
// stays. Resolution failure returns a *HostnameError; otherwise the
// last connect error wins.
func (s *Socket) Dial(ctx context.Context, r Resolver, host string, port int, timeout time.Duration) error {
	if r == nil {
		r = DefaultResolver{}
	}
	core.SetState(ctx, "dial %s:%d", host, port)
	ips, err := r.Resolve(host)
	if err != nil {
		return &HostnameError{Host: host, Err: err}
	}
	err = errors.New("netsock: no addresses for " + host)
	for _, ip := range ips {
		addr := &Addr{IP: ip, Port: port}
		if err = s.resetForFamily(addr.Family()); err != nil {
			continue
		}
		if err = s.Connect(ctx, addr, timeout); err == nil {
			return nil
		}
	}
	return err
}

// resetForFamily replaces the descriptor with a fresh non-blocking
// socket of the given family.
func (s *Socket) resetForFamily(family int) error {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
	}
	s.fd = fd
	return nil
}

// Connect starts a non-blocking connect to addr and suspends the task
// until the socket is writable, then reports the outcome from SO_ERROR.
// Returns core.ErrTimedOut if the deadline passes first.
func (s *Socket) Connect(ctx context.Context, addr *Addr, timeout time.Duration) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	core.SetState(ctx, "connect %s", addr)
	for {
		err = unix.Connect(s.fd, sa)
		switch err {
		case nil, unix.EISCONN:
			return nil
		case unix.EINTR:
			continue
		case unix.EINPROGRESS, unix.EALREADY:
		default:
			return os.NewSyscallError("connect", err)
		}
		break
	}
	if !core.FDWait(ctx, s.fd, core.Writable, timeout) {
		return core.ErrTimedOut
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soerr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soerr))
	}
	return nil
}

// Accept waits for an incoming connection and returns it as a new
// non-blocking socket together with the peer address.
func (s *Socket) Accept(ctx context.Context, timeout time.Duration) (*Socket, *Addr, error) {
	core.SetState(ctx, "accept")
	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return &Socket{fd: nfd}, addrFromSockaddr(sa), nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			if !core.FDWait(ctx, s.fd, core.Readable, timeout) {
				return nil, nil, core.ErrTimedOut
			}
		default:
			return nil, nil, os.NewSyscallError("accept", err)
		}
	}
}

// Recv reads up to len(buf) bytes, suspending until the socket is
// readable. End of stream is reported as io.EOF; a deadline returns
// core.ErrTimedOut.
func (s *Socket) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	core.SetState(ctx, "recv")
	for {
		n, err := unix.Read(s.fd, buf)
		switch {
		case n > 0:
			return n, nil
		case err == nil:
			return 0, io.EOF
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if !core.FDWait(ctx, s.fd, core.Readable, timeout) {
				return 0, core.ErrTimedOut
			}
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Send writes all of buf, suspending whenever the socket's buffer is
// full. Returns the number of bytes written, which is short only on
// error or timeout.
func (s *Socket) Send(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	core.SetState(ctx, "send")
	total := 0
	for total < len(buf) {
		n, err := unix.Write(s.fd, buf[total:])
		if n > 0 {
			total += n
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !core.FDWait(ctx, s.fd, core.Writable, timeout) {
				return total, core.ErrTimedOut
			}
		default:
			return total, os.NewSyscallError("write", err)
		}
	}
	return total, nil
}

// RecvAll reads into successive regions of buf until it is full, the
// stream ends (io.EOF) or the timeout expires (core.ErrTimedOut).
// Returns the number of bytes received.
func (s *Socket) RecvAll(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	pos := 0
	for pos < len(buf) {
		n, err := s.Recv(ctx, buf[pos:], timeout)
		pos += n
		if err != nil {
			return pos, err
		}
	}
	return pos, nil
}

// IsResourceExhausted reports whether err is a descriptor or buffer
// exhaustion errno, the class an accept loop should back off on.
func IsResourceExhausted(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}
