//go:build linux

package netloop

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ConnectingSocket is a transient semi-socket covering an outbound connect
// from initiation (possibly including asynchronous name resolution) until it
// is promoted to a Socket or fails.
type ConnectingSocket struct {
	p       pollHandle
	context *Context

	// nextClosed links the loop's closed-connecting list for reclamation.
	nextClosed *ConnectingSocket

	host string
	port int

	// Resolution results, written by a resolver worker before the socket is
	// posted to the mailbox; the loop reads them only after draining it.
	addrs      []netip.Addr
	resolveErr error

	// addrIndex is the next address to try after a failed connect attempt.
	addrIndex int

	resolving bool
	closed    bool
}

// Context returns the owning context.
func (c *ConnectingSocket) Context() *Context { return c.context }

// Host returns the host this socket is connecting to.
func (c *ConnectingSocket) Host() string { return c.host }

// IsClosed reports whether the connect has been cancelled or has finished.
func (c *ConnectingSocket) IsClosed() bool { return c.closed }

// Close cancels the connect. If a resolution is outstanding the cancellation
// is observed when the result is drained; no callback fires either way.
func (c *ConnectingSocket) Close() {
	if c.closed {
		return
	}
	c.closed = true

	if !c.resolving {
		l := c.context.loop
		if c.p.fd >= 0 {
			_ = l.poller.unregister(c.p.fd)
			_ = unix.Close(c.p.fd)
			c.p.fd = -1
		}
		c.moveToClosed()
	}
	// While resolving, the worker still holds a reference; afterResolve
	// queues the reclamation once the result comes back.
}

// Connect initiates an outbound connection. A literal IP address connects
// immediately; anything else goes through the asynchronous resolver pool and
// resumes on the loop goroutine via the mailbox. The outcome is delivered
// through OnOpen (isClient true) or OnConnectError.
func (c *Context) Connect(host string, port int) (*ConnectingSocket, error) {
	cs := &ConnectingSocket{
		p:       pollHandle{fd: -1, kind: pollConnecting},
		context: c,
		host:    host,
		port:    port,
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		cs.addrs = []netip.Addr{addr}
		if err := c.loop.startConnect(cs); err != nil {
			return nil, err
		}
		return cs, nil
	}

	cs.resolving = true
	c.loop.submitResolve(cs)
	return cs, nil
}

// startConnect begins a non-blocking connect to cs.addrs[cs.addrIndex] and
// registers the descriptor for writability. A synchronously failing address
// (unsupported family, unreachable network) advances to the next one.
func (l *Loop) startConnect(cs *ConnectingSocket) error {
	for {
		addr := cs.addrs[cs.addrIndex]

		af := unix.AF_INET
		if addr.Is6() && !addr.Is4In6() {
			af = unix.AF_INET6
		}

		fd, err := unix.Socket(af, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return err
		}

		err = unix.Connect(fd, addrToSockaddr(addr, cs.port))
		if err != nil && err != unix.EINPROGRESS {
			_ = unix.Close(fd)
			cs.addrIndex++
			if cs.addrIndex < len(cs.addrs) {
				continue
			}
			return err
		}

		cs.p = pollHandle{fd: fd, events: pollOut, kind: pollConnecting}
		if err := l.poller.register(fd, pollOut, pollOwner{kind: pollConnecting, conn: cs}); err != nil {
			_ = unix.Close(fd)
			return err
		}
		return nil
	}
}

// afterOpen handles writability on a connecting semi-socket: promotion to a
// full Socket on success, the next address or OnConnectError on failure.
func (l *Loop) afterOpen(cs *ConnectingSocket, failed bool) {
	if cs.closed {
		return
	}

	soErr := 0
	if v, err := unix.GetsockoptInt(cs.p.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil {
		soErr = v
	} else if !failed {
		failed = true
	}

	if failed || soErr != 0 {
		_ = l.poller.unregister(cs.p.fd)
		_ = unix.Close(cs.p.fd)
		cs.p.fd = -1

		cs.addrIndex++
		if cs.addrIndex < len(cs.addrs) {
			if err := l.startConnect(cs); err == nil {
				return
			}
		}

		var err error
		if soErr != 0 {
			err = unix.Errno(soErr)
		} else {
			err = fmt.Errorf("netloop: connect to %s:%d failed", cs.host, cs.port)
		}
		l.connectError(cs, err)
		return
	}

	// Promote: same descriptor, new owner, read-only interest.
	s := &Socket{
		p:             pollHandle{fd: cs.p.fd, events: pollIn, kind: pollSocket},
		timeout:       noTimeout,
		longTimeout:   noTimeout,
		allowHalfOpen: cs.context.allowHalfOpen,
	}
	if sa, err := unix.Getpeername(s.p.fd); err == nil {
		s.remote = sockaddrToAddrPort(sa)
	}
	_ = unix.SetsockoptInt(s.p.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if err := l.poller.rebind(s.p.fd, pollIn, pollOwner{kind: pollSocket, sock: s}); err != nil {
		_ = unix.Close(s.p.fd)
		cs.p.fd = -1
		l.connectError(cs, err)
		return
	}

	ctx := cs.context
	ctx.linkSocket(s)

	cs.p.fd = -1
	cs.closed = true
	cs.moveToClosed()

	if ctx.cbs.OnOpen != nil {
		ctx.cbs.OnOpen(s, true, s.remote)
	}
}

// afterResolve resumes a connecting socket whose name resolution completed.
// Runs on the loop goroutine, outside the mailbox lock.
func (l *Loop) afterResolve(cs *ConnectingSocket) {
	cs.resolving = false

	if cs.closed {
		// Cancelled while the worker was resolving; just reclaim.
		cs.moveToClosed()
		return
	}

	if cs.resolveErr != nil {
		l.connectError(cs, fmt.Errorf("%w: %s: %w", ErrResolveFailed, cs.host, cs.resolveErr))
		return
	}
	if len(cs.addrs) == 0 {
		l.connectError(cs, fmt.Errorf("%w: %s: no addresses", ErrResolveFailed, cs.host))
		return
	}

	if err := l.startConnect(cs); err != nil {
		l.connectError(cs, err)
	}
}

// connectError delivers a terminal connect failure exactly once, then queues
// the semi-socket for reclamation.
func (l *Loop) connectError(cs *ConnectingSocket, err error) {
	cs.closed = true
	cs.moveToClosed()

	l.log.Debug().
		Err(err).
		Str("host", cs.host).
		Int("port", cs.port).
		Log("connect failed")

	if cs.context.cbs.OnConnectError != nil {
		cs.context.cbs.OnConnectError(cs, err)
	}
}

// moveToClosed appends cs to the closed-connecting list drained in the
// post-hook.
func (cs *ConnectingSocket) moveToClosed() {
	l := cs.context.loop
	cs.nextClosed = l.closedConnectingHead
	l.closedConnectingHead = cs
}
