//go:build linux

package netloop

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// udpChunkSize is the per-datagram slice of the loop's receive buffer.
const udpChunkSize = recvBufferLength / udpMaxDatagrams

// UDPBatch carries the datagrams of one batched receive. Payload slices
// alias the loop's scratch buffer and are only valid inside OnData.
type UDPBatch struct {
	payloads [udpMaxDatagrams][]byte
	addrs    [udpMaxDatagrams]netip.AddrPort
}

// Payload returns the i-th datagram's bytes.
func (b *UDPBatch) Payload(i int) []byte { return b.payloads[i] }

// Addr returns the i-th datagram's source address.
func (b *UDPBatch) Addr(i int) netip.AddrPort { return b.addrs[i] }

// UDPCallbacks is the event-handler table for a UDP socket.
type UDPCallbacks struct {
	// OnData fires once per batched receive with the number of datagrams.
	OnData func(u *UDPSocket, batch *UDPBatch, count int)

	// OnDrain fires exactly once the first time the socket becomes writable
	// after a failed send.
	OnDrain func(u *UDPSocket)

	// OnClose fires exactly once when the socket is closed.
	OnClose func(u *UDPSocket)
}

// UDPSocket is a datagram poll handle with batched receive and
// drain-on-writable semantics. It does not participate in the timeout sweep.
type UDPSocket struct {
	p    pollHandle
	loop *Loop
	cbs  UDPCallbacks

	batch      UDPBatch
	nextClosed *UDPSocket
	closed     bool
	port       int

	// Data is opaque per-socket state for the layer above.
	Data any
}

// NewUDPSocket binds a UDP socket on host:port and registers it for reads.
func NewUDPSocket(l *Loop, host string, port int, cbs UDPCallbacks) (*UDPSocket, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrAddrInvalid, host)
	}

	af := unix.AF_INET
	if addr.Is6() && !addr.Is4In6() {
		af = unix.AF_INET6
	}

	fd, err := unix.Socket(af, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, addrToSockaddr(addr, port)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	boundPort := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if ap := sockaddrToAddrPort(sa); ap.IsValid() {
			boundPort = int(ap.Port())
		}
	}

	u := &UDPSocket{
		p:    pollHandle{fd: fd, events: pollIn, kind: pollUDP},
		loop: l,
		cbs:  cbs,
		port: boundPort,
	}
	if err := l.poller.register(fd, pollIn, pollOwner{kind: pollUDP, udp: u}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return u, nil
}

// Loop returns the owning loop.
func (u *UDPSocket) Loop() *Loop { return u.loop }

// Port returns the bound local port.
func (u *UDPSocket) Port() int { return u.port }

// IsClosed reports whether the socket has been closed.
func (u *UDPSocket) IsClosed() bool { return u.closed }

// Send transmits one datagram. It reports false when the kernel buffer is
// full, in which case writable polling is armed and OnDrain fires exactly
// once when the socket drains.
func (u *UDPSocket) Send(payload []byte, to netip.AddrPort) (bool, error) {
	if u.closed {
		return false, ErrSocketClosed
	}
	err := unix.Sendto(u.p.fd, payload, 0, addrToSockaddr(to.Addr(), int(to.Port())))
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			u.pollChange(u.p.events | pollOut)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SendBatch transmits datagrams until the kernel pushes back, returning how
// many were accepted.
func (u *UDPSocket) SendBatch(payloads [][]byte, to []netip.AddrPort) (int, error) {
	for i := range payloads {
		sent, err := u.Send(payloads[i], to[i])
		if err != nil || !sent {
			return i, err
		}
	}
	return len(payloads), nil
}

// Close releases the descriptor and queues the socket for reclamation in the
// post-hook. OnClose fires exactly once.
func (u *UDPSocket) Close() {
	if u.closed {
		return
	}
	u.closed = true

	_ = u.loop.poller.unregister(u.p.fd)
	_ = unix.Close(u.p.fd)

	u.nextClosed = u.loop.closedUDPHead
	u.loop.closedUDPHead = u

	if u.cbs.OnClose != nil {
		u.cbs.OnClose(u)
	}
}

// recvBatch fills the batch from the kernel, up to udpMaxDatagrams. Returns
// the datagram count, or -1 on a hard error.
func (u *UDPSocket) recvBatch() int {
	buf := u.loop.recvBuf[recvBufferPadding : recvBufferPadding+recvBufferLength]
	count := 0
	for count < udpMaxDatagrams {
		chunk := buf[count*udpChunkSize : (count+1)*udpChunkSize]
		n, from, err := unix.Recvfrom(u.p.fd, chunk, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if count == 0 {
				return -1
			}
			break
		}
		u.batch.payloads[count] = chunk[:n]
		u.batch.addrs[count] = sockaddrToAddrPort(from)
		count++
	}
	return count
}

// pollChange updates the poller interest set if it differs.
func (u *UDPSocket) pollChange(events uint32) {
	if u.p.events != events {
		u.p.events = events
		_ = u.loop.poller.modify(u.p.fd, events)
	}
}
