package netsock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Swind/go-taskfiber/core"
)

// Handler runs on its own task for every accepted connection. The
// handler owns conn and must not retain it after returning; the server
// closes it once the handler is done.
type Handler func(ctx context.Context, conn *Socket)

// ServerConfig holds configuration options for a Server.
// All fields are optional; zero values select defaults.
type ServerConfig struct {
	// Name labels the server in logs and metrics.
	Name string

	// Logger receives accept-loop logs. Defaults to DefaultLogger.
	Logger core.Logger

	// Metrics receives accept-retry events. Defaults to NilMetrics.
	Metrics core.Metrics

	// Backoff paces accept retries after resource exhaustion.
	// Defaults to exponential 100ms..500ms.
	Backoff core.RetryPolicy

	// AcceptTimeout, when non-zero, bounds each Accept wait so idle
	// listeners periodically come up for air.
	AcceptTimeout time.Duration
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := ServerConfig{}
	if c != nil {
		out = *c
	}
	if out.Name == "" {
		out.Name = "netsock"
	}
	if out.Logger == nil {
		out.Logger = core.NewDefaultLogger()
	}
	if out.Metrics == nil {
		out.Metrics = &core.NilMetrics{}
	}
	if out.Backoff.InitialDelay == 0 {
		out.Backoff = core.DefaultRetryPolicy()
	}
	return out
}

// Server owns one listening socket and runs accept loops over one or
// more procs. Accept-loop tasks and every spawned connection task hold
// an owning handle on the server; the last handle released closes the
// listener.
type Server struct {
	cfg     ServerConfig
	handler Handler
	sock    *Socket
	refs    atomic.Int32
}

// NewServer creates a server dispatching connections to handler.
func NewServer(handler Handler, cfg *ServerConfig) *Server {
	return &Server{cfg: cfg.withDefaults(), handler: handler}
}

// Addr returns the bound listening address, valid once Serve has bound.
func (srv *Server) Addr() (*Addr, error) { return srv.sock.LocalAddr() }

// Serve binds addr, listens, and accepts until the listener is torn
// down. It must be called from a task. threads selects how many procs
// run an accept loop over the shared listening descriptor: the caller's
// proc always runs one; each additional thread gets a proc of its own.
// Serve returns when every accept loop has exited.
//
// The listening socket has FD_CLOEXEC cleared so it can be shared
// across forks and execs if desired.
func (srv *Server) Serve(ctx context.Context, addr *Addr, threads int) error {
	s, err := NewSocket(addr.Family())
	if err != nil {
		return err
	}
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFD, 0)
	if err == nil {
		_, err = unix.FcntlInt(uintptr(s.fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	}
	if err != nil {
		s.Close()
		return err
	}
	if err := s.SetReuseAddr(); err != nil {
		s.Close()
		return err
	}
	if err := s.Bind(addr); err != nil {
		s.Close()
		return err
	}
	if err := s.Listen(); err != nil {
		s.Close()
		return err
	}
	srv.sock = s
	if bound, err := s.LocalAddr(); err == nil {
		*addr = *bound
	}
	srv.cfg.Logger.Info("listening", core.F("server", srv.cfg.Name), core.F("addr", addr))

	var g errgroup.Group
	for i := 1; i < threads; i++ {
		g.Go(func() error {
			return core.Run(func(tctx context.Context) {
				srv.acceptLoop(tctx)
			}, &core.ProcConfig{
				Name:    srv.cfg.Name + "-accept",
				Logger:  srv.cfg.Logger,
				Metrics: srv.cfg.Metrics,
			})
		})
	}
	srv.acceptLoop(ctx)
	return g.Wait()
}

// retain takes an owning handle on the server.
func (srv *Server) retain() { srv.refs.Add(1) }

// release drops a handle; the last one closes the listener.
func (srv *Server) release() {
	if srv.refs.Add(-1) == 0 {
		srv.sock.Close()
	}
}

// shutdownListener makes every sibling accept loop observe an error and
// exit. Used when one loop is unwinding.
func (srv *Server) shutdownListener() {
	srv.sock.Shutdown(unix.SHUT_RDWR)
}

// acceptLoop accepts connections and spawns a handler task per
// connection until the listener is shut down or the loop's task is
// canceled. Resource exhaustion is retried with exponential backoff;
// unexpected accept errors are logged and yield the task.
func (srv *Server) acceptLoop(ctx context.Context) {
	srv.retain()
	defer srv.release()
	core.SetName(ctx, "%s accept", srv.cfg.Name)
	defer func() {
		if r := recover(); r != nil {
			srv.shutdownListener()
			panic(r)
		}
	}()
	attempt := 0
	for {
		conn, raddr, err := srv.sock.Accept(ctx, srv.cfg.AcceptTimeout)
		if err != nil {
			if errors.Is(err, core.ErrTimedOut) {
				srv.cfg.Logger.Debug("accept timeout reached", core.F("server", srv.cfg.Name))
				continue
			}
			if isListenerDead(err) {
				return
			}
			if IsResourceExhausted(err) {
				delay := srv.cfg.Backoff.Delay(attempt)
				attempt++
				srv.cfg.Logger.Warn("accept: out of resources, backing off",
					core.F("server", srv.cfg.Name), core.F("err", err), core.F("delay", delay))
				srv.cfg.Metrics.RecordAcceptRetry(srv.cfg.Name, "resource-exhausted")
				core.Sleep(ctx, delay)
				continue
			}
			srv.cfg.Logger.Error("accept failed", core.F("server", srv.cfg.Name), core.F("err", err))
			srv.cfg.Metrics.RecordAcceptRetry(srv.cfg.Name, "error")
			core.Yield(ctx)
			continue
		}
		attempt = 0
		if conn.FD() <= 2 {
			// never hand out stdin/stdout/stderr
			srv.cfg.Logger.Error("accept returned a standard descriptor, rejecting",
				core.F("server", srv.cfg.Name), core.F("fd", conn.FD()))
			conn.Close()
			continue
		}
		srv.retain()
		core.Spawn(ctx, func(cctx context.Context) {
			defer srv.release()
			defer conn.Close()
			core.SetName(cctx, "%s conn %s", srv.cfg.Name, raddr)
			srv.handler(cctx, conn)
		})
	}
}

// isListenerDead classifies accept errors that mean the listening
// socket is gone: a sibling shut it down or the last handle closed it.
func isListenerDead(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EBADF, unix.EINVAL, unix.ENOTSOCK:
		return true
	}
	return false
}
