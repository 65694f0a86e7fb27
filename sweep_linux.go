//go:build linux

package netloop

// timerSweep visits every live socket of every live context once, firing
// whichever timeout counters match the context's current ring position.
// Runs once per sweep-timer expiry, never recursively.
//
// Handlers may unlink, relink, or close sockets in the context being swept;
// the context's iterator marker tracks the current position so the sweep
// resumes from wherever the handler left it rather than a stale next
// pointer.
func (l *Loop) timerSweep() {
	for ctx := l.contexts; ctx != nil; ctx = ctx.next {
		ctx.globalTick++
		shortTicks := uint8(ctx.globalTick % timeoutRing)
		longTicks := uint8((ctx.globalTick / longTimeoutDivisor) % timeoutRing)
		ctx.timestamp = shortTicks
		ctx.longTimestamp = longTicks

		s := ctx.head
	sockets:
		for s != nil {
			// Tight seek: a single comparison per socket until a match.
			for s.timeout != shortTicks && s.longTimeout != longTicks {
				if s = s.next; s == nil {
					break sockets
				}
			}

			// Timeout found (slow path).
			ctx.iterator = s

			if s.timeout == shortTicks {
				s.timeout = noTimeout
				if ctx.cbs.OnTimeout != nil {
					ctx.cbs.OnTimeout(s)
				}
			}

			// The short-timeout handler may have moved the iterator; only
			// fire the long timeout if s is still the current position.
			if ctx.iterator == s && s.longTimeout == longTicks {
				s.longTimeout = noTimeout
				if ctx.cbs.OnLongTimeout != nil {
					ctx.cbs.OnLongTimeout(s)
				}
			}

			if s == ctx.iterator {
				s = s.next
			} else {
				// A handler changed the chain; resume from its position.
				s = ctx.iterator
			}
		}
		ctx.iterator = nil
	}
}
