//go:build linux

package netloop

import (
	"golang.org/x/sys/unix"
)

// dispatchReadyPoll interprets one readiness event according to the poll
// handle's kind. Runs to completion without yielding; handlers may close or
// re-link any object, and every handler that can mutate the socket returns
// the (possibly updated, possibly nil) socket the dispatcher continues with.
func (l *Loop) dispatchReadyPoll(owner pollOwner, epollEvents uint32) {
	errFlag := epollEvents&uint32(unix.EPOLLERR) != 0
	eofFlag := epollEvents&uint32(unix.EPOLLHUP) != 0

	switch owner.kind {
	case pollCallback:
		cb := owner.cb
		if !cb.leavePollReady {
			cb.drain()
		}
		cb.cb(cb)

	case pollListen:
		l.dispatchAccept(owner.listen)

	case pollConnecting:
		l.afterOpen(owner.conn, errFlag || eofFlag)

	case pollSocket:
		l.dispatchSocket(owner.sock, epollEvents, errFlag, eofFlag)

	case pollUDP:
		l.dispatchUDP(owner.udp, epollEvents, errFlag)
	}
}

// dispatchAccept drains the accept backlog. If the listener is closed inside
// the OnOpen handler the loop terminates immediately without another accept.
func (l *Loop) dispatchAccept(ls *ListenSocket) {
	ctx := ls.s.context

	for {
		fd, sa, err := unix.Accept4(ls.s.p.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			// EAGAIN means the backlog is drained; anything else also ends
			// the loop for this readiness event.
			return
		}

		s := &Socket{
			p:             pollHandle{fd: fd, events: pollIn, kind: pollSocket},
			timeout:       noTimeout,
			longTimeout:   noTimeout,
			allowHalfOpen: ls.s.allowHalfOpen,
			remote:        sockaddrToAddrPort(sa),
		}

		// We always use nodelay.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		if err := l.poller.register(fd, pollIn, pollOwner{kind: pollSocket, sock: s}); err != nil {
			_ = unix.Close(fd)
			l.log.Err().
				Err(err).
				Int("fd", fd).
				Log("failed to register accepted socket")
			continue
		}

		ctx.linkSocket(s)

		if ctx.cbs.OnOpen != nil {
			ctx.cbs.OnOpen(s, false, s.remote)
		}

		if ls.s.closed {
			return
		}
	}
}

// dispatchSocket services writability then readability on an open socket,
// applying the low-priority admission check and the bounded repeat-read
// heuristic, then resolves end-of-stream and error conditions.
func (l *Loop) dispatchSocket(s *Socket, epollEvents uint32, errFlag, eofFlag bool) {
	if epollEvents&pollOut != 0 && !errFlag {
		l.lastWriteFailed = false

		if l.corkedSocket == s {
			// Finish a pending cork flush before the handler sees writable.
			if _, err := s.flushCork(); err != nil {
				s.close(CloseCodeError, err)
				return
			}
			if l.corkedSocket == s {
				return
			}
		}

		if cb := s.context.cbs.OnWritable; cb != nil {
			s = cb(s)
		}
		if s == nil || s.closed {
			return
		}

		// Nothing left unsent, or a clean shutdown in progress: stop polling
		// for writable so an empty send queue doesn't spin the loop.
		if !l.lastWriteFailed || s.shutdown {
			s.pollChange(s.p.events & pollIn)
		}
	}

	if epollEvents&pollIn != 0 {
		ctx := s.context
		if ctx.cbs.IsLowPriority != nil && ctx.cbs.IsLowPriority(s) {
			switch {
			case s.lowPrioState == lowPrioDelayed:
				// Was delayed; process incoming data this iteration, then
				// let the next readiness re-evaluate.
				s.lowPrioState = lowPrioNone
			case l.lowPrioBudget > 0:
				l.lowPrioBudget--
			default:
				// Budget exhausted: stop read polling and park on the
				// low-priority queue. LIFO on purpose - newer connections
				// are less likely to have been abandoned by the peer.
				s.pollChange(s.p.events & pollOut)
				ctx.unlinkSocket(s)

				s.prev = nil
				s.next = l.lowPrioHead
				if s.next != nil {
					s.next.prev = s
				}
				l.lowPrioHead = s

				s.lowPrioState = lowPrioQueued
				return
			}
		}

		s, eofFlag = l.readLoop(s, errFlag, eofFlag)
		if s == nil {
			return
		}
	}

	if eofFlag && s != nil {
		if s.closed {
			// Never deliver on-end after close.
			return
		}
		if s.shutdown {
			// FIN came back after we sent ours.
			s.close(CloseCodeCleanShutdown, nil)
			return
		}
		if s.allowHalfOpen {
			// Keep the write side open; stop polling for readable.
			s.pollChange(s.p.events & pollOut)
			if cb := s.context.cbs.OnEnd; cb != nil {
				s = cb(s)
			}
		} else {
			if cb := s.context.cbs.OnEnd; cb != nil {
				s = cb(s)
			}
			if s != nil {
				s.close(CloseCodeCleanShutdown, nil)
			}
			return
		}
	}

	if errFlag && s != nil && !s.closed {
		s.close(CloseCodeError, nil)
	}
}

// readLoop performs the bounded read loop on s, invoking OnData (and OnFD
// for IPC sockets) per receive. It returns the handler-returned socket (nil
// once closed) and whether end-of-stream was observed.
func (l *Loop) readLoop(s *Socket, errFlag, eofFlag bool) (*Socket, bool) {
	repeatRecvCount := 0
	buf := l.recvBuf[recvBufferPadding : recvBufferPadding+recvBufferLength]

	for s != nil {
		var n int
		var err error

		if s.ipc {
			var oob [64]byte
			var oobn int
			n, oobn, _, _, err = unix.Recvmsg(s.p.fd, buf, oob[:], unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
			if err == nil && n > 0 && oobn > 0 {
				if fd, ok := parseAncillaryFD(oob[:oobn]); ok {
					if cb := s.context.cbs.OnFD; cb != nil {
						s = cb(s, fd)
					}
					if s == nil || s.closed {
						break
					}
				}
			}
		} else {
			n, err = unix.Read(s.p.fd, buf)
		}

		if err == nil && n > 0 {
			if cb := s.context.cbs.OnData; cb != nil {
				s = cb(s, buf[:n])
			}

			// Rare case: the buffer came back nearly full and either the
			// peer hung up (no further readiness will arrive) or the loop
			// is idle enough to read again immediately.
			if s != nil && !s.closed &&
				n >= recvBufferLength-repeatRecvSlack &&
				(errFlag || l.numReadyPolls < loopNotBusyThreshold) {
				if !errFlag {
					repeatRecvCount++
				}
				if !(repeatRecvCount > maxRepeatRecvCount && l.numReadyPolls > 2) {
					continue
				}
			}
		} else if err == nil && n == 0 {
			// Zero-length read is end-of-stream; resolved by the caller.
			eofFlag = true
		} else if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			s.close(CloseCodeError, err)
			return nil, eofFlag
		}

		break
	}

	return s, eofFlag
}

// parseAncillaryFD extracts the first SCM_RIGHTS descriptor from control
// data, when present.
func parseAncillaryFD(oob []byte) (int, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for i := range msgs {
		if msgs[i].Header.Level == unix.SOL_SOCKET && msgs[i].Header.Type == unix.SCM_RIGHTS {
			fds, err := unix.ParseUnixRights(&msgs[i])
			if err == nil && len(fds) > 0 {
				return fds[0], true
			}
		}
	}
	return 0, false
}

// dispatchUDP drains pending datagrams in batches, then delivers at most one
// drain notification per writable edge before demoting to read-only
// interest, so an idle writable socket doesn't storm the loop.
func (l *Loop) dispatchUDP(u *UDPSocket, epollEvents uint32, errFlag bool) {
	if u.closed {
		return
	}

	if epollEvents&pollIn != 0 {
		for !u.closed {
			n := u.recvBatch()
			if n > 0 {
				if u.cbs.OnData != nil {
					u.cbs.OnData(u, &u.batch, n)
				}
				continue
			}
			if n < 0 {
				errFlag = true
			}
			break
		}
	}

	if epollEvents&pollOut != 0 && !errFlag && !u.closed {
		if u.cbs.OnDrain != nil {
			u.cbs.OnDrain(u)
		}
		if u.closed {
			return
		}
		// Writable polling re-arms only when another send fails.
		u.pollChange(u.p.events & pollIn)
	}

	if errFlag && !u.closed {
		u.Close()
	}
}
