// Package netloop implements a single-threaded, readiness-driven socket I/O
// engine: one event loop multiplexing many non-blocking sockets, timers, and
// deferred wakeups on a single OS thread.
//
// # Architecture
//
// The loop owns a platform readiness facility (epoll on Linux), a recurring
// timeout-sweep timer, scratch receive/send buffers, and a cross-thread
// mailbox for completed name resolutions. Every pollable object - timer,
// async wakeup, listening socket, connecting socket, open socket, UDP
// socket - is a "poll handle": an OS descriptor tagged with the kind of
// object that owns it. A per-kind dispatcher interprets readiness events.
//
// Sockets are grouped under a [Context], which supplies the callback table
// (on-open, on-data, on-writable, on-end, on-close, timeout handlers) shared
// by a family of sockets, such as all sockets accepted from one listener.
//
// # Timeouts
//
// Connection timeouts use a tick-based sweep rather than a timer heap: each
// sweep visits every live socket once and compares two 8-bit counters on a
// 240-tick ring. This is O(sockets) per sweep with O(1) per-socket work, and
// never allocates. Granularity is one sweep interval (4s by default).
//
// # Threading
//
// Everything runs on the loop goroutine, which must be the only caller of
// RunIteration. The only cross-thread operations are [Loop.Wakeup] and the
// internal DNS-completion mailbox; both are safe from any goroutine. Closing
// an object during dispatch only unlinks it and defers reclamation to the
// end of the iteration, so a handler never observes a reclaimed object.
//
// # Usage
//
//	loop, _ := netloop.New()
//	ctx := netloop.NewContext(loop, netloop.Callbacks{
//		OnData: func(s *netloop.Socket, data []byte) *netloop.Socket {
//			_, _ = s.Write(data)
//			return s
//		},
//	})
//	ls, _ := ctx.Listen("127.0.0.1", 3000)
//	_ = ls
//	for {
//		_ = loop.RunIteration(-1)
//	}
package netloop
