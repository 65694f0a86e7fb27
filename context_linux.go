//go:build linux

package netloop

import "net/netip"

// Callbacks is the event-handler table shared by every socket in a Context.
// Any entry may be nil.
//
// Handlers that receive a *Socket return the socket the dispatcher should
// continue with: usually the same pointer, a replacement if the handler
// re-parented or upgraded the connection, or nil to stop processing it for
// the remainder of the dispatch step. The dispatcher re-checks the returned
// socket before every further action, so handlers may close or re-link
// sockets freely.
type Callbacks struct {
	// OnOpen fires when a connection is established: accepted sockets get
	// isClient false, completed outbound connects get true.
	OnOpen func(s *Socket, isClient bool, addr netip.AddrPort) *Socket

	// OnData fires with received bytes. The buffer is the loop's scratch
	// receive buffer and is only valid for the duration of the call.
	OnData func(s *Socket, data []byte) *Socket

	// OnWritable fires when a socket with a prior short write becomes
	// writable again.
	OnWritable func(s *Socket) *Socket

	// OnClose fires exactly once when the socket is closed, with the close
	// code and, for transport errors, the underlying error.
	OnClose func(s *Socket, code CloseCode, err error) *Socket

	// OnEnd fires when the peer half-closes (end-of-stream).
	OnEnd func(s *Socket) *Socket

	// OnTimeout and OnLongTimeout fire from the sweep when the corresponding
	// timeout counter matches; the counter is disarmed before the call and
	// the handler may re-arm it.
	OnTimeout     func(s *Socket) *Socket
	OnLongTimeout func(s *Socket) *Socket

	// OnFD fires when an IPC-mode socket receives an ancillary descriptor.
	OnFD func(s *Socket, fd int) *Socket

	// IsLowPriority marks sockets currently doing CPU-expensive setup work
	// (e.g. a TLS handshake) as candidates for deferred read servicing.
	IsLowPriority func(s *Socket) bool

	// OnConnectError fires when an outbound connect or its name resolution
	// fails after exhausting all addresses.
	OnConnectError func(c *ConnectingSocket, err error)
}

// Context groups a family of sockets under one callback table and links them
// into the loop's timeout sweep. Sockets borrow their context; it is only
// reclaimed, deferred, once explicitly closed.
type Context struct {
	loop *Loop
	cbs  Callbacks

	// Loop context list links.
	prev, next *Context
	nextClosed *Context

	// head is this context's socket list; listenHead its listening sockets.
	head       *Socket
	listenHead *ListenSocket

	// iterator marks the socket currently being swept, so handlers that
	// unlink or relink sockets mid-sweep keep the sweep position valid.
	iterator *Socket

	// Sweep tick state. timestamp/longTimestamp are the current ring values
	// compared against each socket's timeout counters.
	globalTick    uint32
	timestamp     uint8
	longTimestamp uint8

	allowHalfOpen bool
	closed        bool
}

// NewContext creates a socket context bound to loop. Binding the first
// context arms the loop's sweep timer.
func NewContext(loop *Loop, cbs Callbacks) *Context {
	c := &Context{loop: loop, cbs: cbs}

	// Insert as head of the loop's context list.
	c.next = loop.contexts
	if c.next != nil {
		c.next.prev = c
	}
	loop.contexts = c

	loop.enableSweepTimer()
	return c
}

// Loop returns the owning loop.
func (c *Context) Loop() *Loop { return c.loop }

// SetAllowHalfOpen controls whether sockets created under this context keep
// the write side open after the peer half-closes.
func (c *Context) SetAllowHalfOpen(allow bool) { c.allowHalfOpen = allow }

// IsClosed reports whether the context has been closed.
func (c *Context) IsClosed() bool { return c.closed }

// Close closes every socket and listening socket in the context, unlinks it
// from the loop, and queues it for reclamation in the post-hook.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true

	for ls := c.listenHead; ls != nil; ls = c.listenHead {
		ls.Close()
	}
	for s := c.head; s != nil; s = c.head {
		s.close(CloseCodeNone, nil)
	}
	// Sockets parked on the loop's low-priority queue are off the context
	// list but still belong to this context.
	for s := c.loop.lowPrioHead; s != nil; {
		next := s.next
		if s.context == c {
			s.close(CloseCodeNone, nil)
		}
		s = next
	}

	// Unlink from the loop's context list.
	if c.loop.contexts == c {
		c.loop.contexts = c.next
		if c.next != nil {
			c.next.prev = nil
		}
	} else {
		c.prev.next = c.next
		if c.next != nil {
			c.next.prev = c.prev
		}
	}

	c.nextClosed = c.loop.closedContextHead
	c.loop.closedContextHead = c

	c.loop.disableSweepTimer()
}

// linkSocket inserts s at the head of the context's socket list.
func (c *Context) linkSocket(s *Socket) {
	s.context = c
	s.prev = nil
	s.next = c.head
	if c.head != nil {
		c.head.prev = s
	}
	c.head = s
}

// unlinkSocket removes s from the socket list, keeping the sweep iterator
// valid if s is the socket currently being swept.
func (c *Context) unlinkSocket(s *Socket) {
	if c.iterator == s {
		c.iterator = s.next
	}

	if c.head == s {
		c.head = s.next
		if c.head != nil {
			c.head.prev = nil
		}
	} else {
		s.prev.next = s.next
		if s.next != nil {
			s.next.prev = s.prev
		}
	}
	s.prev = nil
	s.next = nil
}

// Adopt re-parents a socket into this context, e.g. on protocol upgrade. The
// socket keeps its descriptor, interest set, and timeout counters.
func (c *Context) Adopt(s *Socket) *Socket {
	if s.closed {
		return nil
	}
	s.context.unlinkSocket(s)
	c.linkSocket(s)
	return s
}

// linkListenSocket inserts ls at the head of the listen list.
func (c *Context) linkListenSocket(ls *ListenSocket) {
	ls.s.context = c
	ls.prev = nil
	ls.next = c.listenHead
	if c.listenHead != nil {
		c.listenHead.prev = ls
	}
	c.listenHead = ls
}

// unlinkListenSocket removes ls from the listen list.
func (c *Context) unlinkListenSocket(ls *ListenSocket) {
	if c.listenHead == ls {
		c.listenHead = ls.next
		if c.listenHead != nil {
			c.listenHead.prev = nil
		}
	} else {
		ls.prev.next = ls.next
		if ls.next != nil {
			ls.next.prev = ls.prev
		}
	}
	ls.prev = nil
	ls.next = nil
}
