// Package netsock provides task-friendly stream sockets: blocking-style
// dial/connect/accept/recv/send calls that suspend the calling task on
// descriptor readiness instead of blocking its thread, plus an accept
// server that spreads its listeners over several procs.
package netsock

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Addr is a stream socket address: family plus host:port.
type Addr struct {
	IP   net.IP
	Port int
}

// NewAddr builds an Addr from a literal IP and port. Hostnames are not
// resolved here; that is Dial's job.
func NewAddr(host string, port int) (*Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("netsock: not an IP address: %q", host)
	}
	return &Addr{IP: ip, Port: port}, nil
}

// ParseAddr splits a "host:port" string into an Addr.
func ParseAddr(s string) (*Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("netsock: bad port in %q: %w", s, err)
	}
	return NewAddr(host, port)
}

// Family returns the socket family for this address.
func (a *Addr) Family() int {
	if a.IP.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// String renders the address as host:port.
func (a *Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// FamilyForHost picks a socket family for a host that may be a
// hostname or an IP literal. Hostnames default to IPv4; Dial itself
// opens a socket of the matching family for each resolved address.
func FamilyForHost(host string) int {
	if ip := net.ParseIP(host); ip != nil {
		return (&Addr{IP: ip}).Family()
	}
	return unix.AF_INET
}

// sockaddr converts to the syscall representation.
func (a *Addr) sockaddr() (unix.Sockaddr, error) {
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := a.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}
	return nil, fmt.Errorf("netsock: unsupported address %v", a.IP)
}

func addrFromSockaddr(sa unix.Sockaddr) *Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &Addr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &Addr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return nil
}
