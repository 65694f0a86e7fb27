//go:build linux

package netloop

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// callbackPoll is the poll handle behind timers and async wakeups. Readiness
// drains the descriptor (unless leavePollReady is set) and invokes cb on the
// loop goroutine.
type callbackPoll struct {
	p              pollHandle
	loop           *Loop
	cb             func(*callbackPoll)
	leavePollReady bool
}

// Loop returns the owning loop.
func (c *callbackPoll) Loop() *Loop { return c.loop }

// newAsyncPoll creates an eventfd-backed callback poll. Its trigger method is
// the only operation in the package that is safe from any goroutine.
func newAsyncPoll(l *Loop, cb func(*callbackPoll)) (*callbackPoll, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	c := &callbackPoll{
		p:    pollHandle{fd: fd, events: pollIn, kind: pollCallback},
		loop: l,
		cb:   cb,
	}
	if err := l.poller.register(fd, pollIn, pollOwner{kind: pollCallback, cb: c}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// newTimerPoll creates a timerfd-backed callback poll, created disarmed.
func newTimerPoll(l *Loop, cb func(*callbackPoll)) (*callbackPoll, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	c := &callbackPoll{
		p:    pollHandle{fd: fd, events: pollIn, kind: pollCallback},
		loop: l,
		cb:   cb,
	}
	if err := l.poller.register(fd, pollIn, pollOwner{kind: pollCallback, cb: c}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// set arms the timer to fire every intervalNs nanoseconds, or disarms it when
// intervalNs is zero.
func (c *callbackPoll) set(intervalNs int64) error {
	ts := unix.NsecToTimespec(intervalNs)
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	return unix.TimerfdSettime(c.p.fd, 0, &spec, nil)
}

// trigger makes the loop's next poll return promptly. Safe from any goroutine.
func (c *callbackPoll) trigger() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(c.p.fd, buf[:])
	return err
}

// drain consumes pending readiness so level-triggered polling quiesces.
func (c *callbackPoll) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(c.p.fd, buf[:]); err != nil {
			return
		}
	}
}

// close deregisters and closes the descriptor.
func (c *callbackPoll) close() {
	_ = c.loop.poller.unregister(c.p.fd)
	_ = unix.Close(c.p.fd)
}
