//go:build linux

package netloop

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is one open bidirectional connection. It belongs to exactly one
// Context at a time and is always driven from the loop goroutine.
type Socket struct {
	p       pollHandle
	context *Context

	// Links into the context's socket list, or into the loop's low-priority
	// queue while lowPrioState is lowPrioQueued. Never both.
	prev, next *Socket

	// nextClosed links the loop's closed list after close.
	nextClosed *Socket

	// Timeout counters on the sweep ring; noTimeout (255) means disarmed.
	timeout     uint8
	longTimeout uint8

	lowPrioState  uint8
	allowHalfOpen bool
	paused        bool
	ipc           bool
	shutdown      bool
	closed        bool

	remote netip.AddrPort

	// Data is opaque per-socket state for the layer above.
	Data any
}

// Context returns the owning context.
func (s *Socket) Context() *Context { return s.context }

// Loop returns the owning loop.
func (s *Socket) Loop() *Loop { return s.context.loop }

// RemoteAddr returns the peer address, when known.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

// IsClosed reports whether the socket has been closed.
func (s *Socket) IsClosed() bool { return s.closed }

// IsShutDown reports whether the write side has been shut down.
func (s *Socket) IsShutDown() bool { return s.shutdown }

// SetAllowHalfOpen controls whether the socket stays open for writes after
// the peer sends end-of-stream.
func (s *Socket) SetAllowHalfOpen(allow bool) { s.allowHalfOpen = allow }

// SetIPC marks the socket as carrying ancillary file descriptors; received
// descriptors surface via the context's OnFD handler.
func (s *Socket) SetIPC(ipc bool) { s.ipc = ipc }

// SetTimeout arms the short timeout to fire roughly d from now, at sweep
// granularity. Zero disarms it.
func (s *Socket) SetTimeout(d time.Duration) {
	if d <= 0 {
		s.timeout = noTimeout
		return
	}
	ticks := durationToTicks(d, s.context.loop.sweepIntervalNs)
	s.timeout = uint8((uint32(s.context.timestamp) + ticks) % timeoutRing)
}

// SetLongTimeout arms the long timeout, with a granularity of
// longTimeoutDivisor sweep intervals. Zero disarms it.
func (s *Socket) SetLongTimeout(d time.Duration) {
	if d <= 0 {
		s.longTimeout = noTimeout
		return
	}
	ticks := durationToTicks(d, s.context.loop.sweepIntervalNs*longTimeoutDivisor)
	s.longTimeout = uint8((uint32(s.context.longTimestamp) + ticks) % timeoutRing)
}

// TimeoutArmed reports whether the short timeout is armed.
func (s *Socket) TimeoutArmed() bool { return s.timeout != noTimeout }

// LongTimeoutArmed reports whether the long timeout is armed.
func (s *Socket) LongTimeoutArmed() bool { return s.longTimeout != noTimeout }

// durationToTicks rounds d up to whole ticks of the given granularity,
// clamped to the sweep ring.
func durationToTicks(d time.Duration, granularityNs int64) uint32 {
	ticks := (d.Nanoseconds() + granularityNs - 1) / granularityNs
	if ticks < 1 {
		ticks = 1
	}
	if ticks > timeoutRing-1 {
		ticks = timeoutRing - 1
	}
	return uint32(ticks)
}

// Write sends data, returning how many bytes the OS accepted. A short write
// is not an error: it signals backpressure, arms writable polling, and the
// context's OnWritable handler fires once the socket drains. While the socket
// is corked, data accumulates in the loop's send buffer instead.
func (s *Socket) Write(data []byte) (int, error) {
	if s.closed || s.shutdown {
		return 0, ErrSocketClosed
	}

	l := s.context.loop
	if l.corkedSocket == s {
		if len(l.sendBuf)+len(data) <= cap(l.sendBuf) {
			l.sendBuf = append(l.sendBuf, data...)
			return len(data), nil
		}
		// Too large to buffer: flush, then write through.
		if _, err := s.flushCork(); err != nil {
			return 0, err
		}
		if l.corkedSocket == s {
			// The kernel couldn't take the flush; it can't take more now.
			return 0, nil
		}
	}

	n, err := unix.Write(s.p.fd, data)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		n = 0
	}

	if n < len(data) {
		s.context.loop.lastWriteFailed = true
		s.pollChange(s.p.events | pollOut)
	}
	return n, nil
}

// Cork begins buffering writes on s into the loop's send buffer, to be sent
// as one segment by Uncork. Corking is best effort: while the buffer is owned
// by another socket, writes pass through unbuffered.
func (s *Socket) Cork() {
	if s.closed || s.shutdown {
		return
	}
	l := s.context.loop
	if l.corkedSocket == nil {
		l.corkedSocket = s
	}
}

// IsCorked reports whether s currently owns the loop's send buffer.
func (s *Socket) IsCorked() bool { return s.context.loop.corkedSocket == s }

// Uncork flushes the corked writes, returning how many buffered bytes the OS
// accepted. A short flush keeps the remainder buffered and arms writable
// polling; the loop completes the flush before OnWritable fires for s.
func (s *Socket) Uncork() (int, error) {
	if s.context.loop.corkedSocket != s {
		return 0, nil
	}
	return s.flushCork()
}

// flushCork writes the buffered bytes, releasing the cork only once empty.
func (s *Socket) flushCork() (int, error) {
	l := s.context.loop
	if len(l.sendBuf) == 0 {
		l.corkedSocket = nil
		return 0, nil
	}

	n, err := unix.Write(s.p.fd, l.sendBuf)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			l.sendBuf = l.sendBuf[:0]
			l.corkedSocket = nil
			return 0, err
		}
		n = 0
	}

	if n < len(l.sendBuf) {
		rem := copy(l.sendBuf, l.sendBuf[n:])
		l.sendBuf = l.sendBuf[:rem]
		l.lastWriteFailed = true
		s.pollChange(s.p.events | pollOut)
	} else {
		l.sendBuf = l.sendBuf[:0]
		l.corkedSocket = nil
	}
	return n, nil
}

// Shutdown half-closes the socket: the write side is shut down and polling
// drops to read-only. The socket closes with CloseCodeCleanShutdown once the
// peer's end-of-stream arrives. Corked writes are flushed first, best effort.
func (s *Socket) Shutdown() {
	if s.closed || s.shutdown {
		return
	}
	l := s.context.loop
	if l.corkedSocket == s {
		_, _ = s.flushCork()
		l.sendBuf = l.sendBuf[:0]
		l.corkedSocket = nil
	}
	s.shutdown = true
	s.pollChange(s.p.events & pollIn)
	_ = unix.Shutdown(s.p.fd, unix.SHUT_WR)
}

// Close closes the socket with the given code. The descriptor is released
// immediately; the structure is unlinked and reclaimed in the post-hook, and
// no callback other than OnClose (invoked here, exactly once) ever fires for
// it again.
func (s *Socket) Close(code CloseCode) *Socket {
	return s.close(code, nil)
}

func (s *Socket) close(code CloseCode, reason error) *Socket {
	if s.closed {
		return s
	}
	s.closed = true

	l := s.context.loop

	if l.corkedSocket == s {
		l.sendBuf = l.sendBuf[:0]
		l.corkedSocket = nil
	}

	if s.lowPrioState == lowPrioQueued {
		// Parked on the low-priority queue rather than the context list.
		if s.prev != nil {
			s.prev.next = s.next
		} else {
			l.lowPrioHead = s.next
		}
		if s.next != nil {
			s.next.prev = s.prev
		}
		s.prev = nil
		s.next = nil
		s.lowPrioState = lowPrioNone
	} else {
		s.context.unlinkSocket(s)
	}

	_ = l.poller.unregister(s.p.fd)
	_ = unix.Close(s.p.fd)

	s.nextClosed = l.closedHead
	l.closedHead = s

	if s.context.cbs.OnClose != nil {
		return s.context.cbs.OnClose(s, code, reason)
	}
	return s
}

// Pause stops read polling without affecting the write side.
func (s *Socket) Pause() {
	if s.closed || s.paused {
		return
	}
	s.paused = true
	s.pollChange(s.p.events &^ pollIn)
}

// Resume re-enables read polling after Pause.
func (s *Socket) Resume() {
	if s.closed || !s.paused {
		return
	}
	s.paused = false
	s.pollChange(s.p.events | pollIn)
}

// pollChange updates the poller interest set if it differs.
func (s *Socket) pollChange(events uint32) {
	if s.p.events != events {
		s.p.events = events
		_ = s.context.loop.poller.modify(s.p.fd, events)
	}
}

// sockaddrToAddrPort converts a kernel sockaddr to a netip.AddrPort. Unix
// and unknown families yield the zero value.
func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}

// addrToSockaddr converts a netip address and port to a kernel sockaddr.
func addrToSockaddr(addr netip.Addr, port int) unix.Sockaddr {
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: port, Addr: addr.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
}
