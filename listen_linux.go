//go:build linux

package netloop

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ListenSocket is a semi-socket: a poll handle that exists only to produce
// accepted Sockets, never to carry data itself.
type ListenSocket struct {
	s          Socket
	prev, next *ListenSocket
	port       int
}

// Listen binds and listens on host:port and registers the listener with the
// loop. Sockets accepted from it join this context and inherit its half-open
// policy. Port 0 picks an ephemeral port, readable via Port.
func (c *Context) Listen(host string, port int) (*ListenSocket, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrAddrInvalid, host)
	}

	af := unix.AF_INET
	if addr.Is6() && !addr.Is4In6() {
		af = unix.AF_INET6
	}

	fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, addrToSockaddr(addr, port)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	boundPort := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if ap := sockaddrToAddrPort(sa); ap.IsValid() {
			boundPort = int(ap.Port())
		}
	}

	ls := &ListenSocket{port: boundPort}
	ls.s.p = pollHandle{fd: fd, events: pollIn, kind: pollListen}
	ls.s.timeout = noTimeout
	ls.s.longTimeout = noTimeout
	ls.s.allowHalfOpen = c.allowHalfOpen

	if err := c.loop.poller.register(fd, pollIn, pollOwner{kind: pollListen, listen: ls}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	c.linkListenSocket(ls)

	c.loop.log.Debug().
		Str("host", host).
		Int("port", boundPort).
		Log("listening")

	return ls, nil
}

// Port returns the bound local port.
func (ls *ListenSocket) Port() int { return ls.port }

// Context returns the owning context.
func (ls *ListenSocket) Context() *Context { return ls.s.context }

// IsClosed reports whether the listener has been closed.
func (ls *ListenSocket) IsClosed() bool { return ls.s.closed }

// Close stops accepting, releases the descriptor, and defers reclamation to
// the post-hook. Closing inside an OnOpen handler terminates the accept loop
// immediately.
func (ls *ListenSocket) Close() {
	if ls.s.closed {
		return
	}
	ls.s.closed = true

	ctx := ls.s.context
	ctx.unlinkListenSocket(ls)

	l := ctx.loop
	_ = l.poller.unregister(ls.s.p.fd)
	_ = unix.Close(ls.s.p.fd)

	ls.s.nextClosed = l.closedHead
	l.closedHead = &ls.s
}

// AdoptFD wraps an existing connected descriptor (e.g. one received over an
// IPC socket) as a Socket in this context. The descriptor is switched to
// non-blocking, Nagle's algorithm is disabled, and OnOpen fires as for an
// accepted connection.
func (c *Context) AdoptFD(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	// Best effort: fd may not be a TCP socket.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	s := &Socket{
		p:             pollHandle{fd: fd, events: pollIn, kind: pollSocket},
		timeout:       noTimeout,
		longTimeout:   noTimeout,
		allowHalfOpen: c.allowHalfOpen,
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		s.remote = sockaddrToAddrPort(sa)
	}

	if err := c.loop.poller.register(fd, pollIn, pollOwner{kind: pollSocket, sock: s}); err != nil {
		return nil, err
	}
	c.linkSocket(s)

	if c.cbs.OnOpen != nil {
		c.cbs.OnOpen(s, false, s.remote)
	}
	return s, nil
}
