//go:build linux

package netloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSocketReceive(t *testing.T) {
	l := newTestLoop(t)

	var got []byte
	c := newTestContext(t, l, Callbacks{
		OnData: func(s *Socket, data []byte) *Socket {
			got = append(got, data...)
			return s
		},
	})
	s, peer := adoptPair(t, c)
	defer s.Close(CloseCodeNone)

	_, err := unix.Write(peer, []byte("hello"))
	require.NoError(t, err)

	runUntil(t, l, func() bool { return string(got) == "hello" })
}

func TestSocketEndOfStreamCloses(t *testing.T) {
	l := newTestLoop(t)

	var ended, closed int
	var code CloseCode
	c := newTestContext(t, l, Callbacks{
		OnEnd: func(s *Socket) *Socket {
			ended++
			return s
		},
		OnClose: func(s *Socket, cc CloseCode, err error) *Socket {
			closed++
			code = cc
			return s
		},
	})
	_, peer := adoptPair(t, c)

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	runUntil(t, l, func() bool { return closed > 0 })

	assert.Equal(t, 1, ended, "OnEnd count")
	assert.Equal(t, 1, closed, "OnClose count")
	assert.Equal(t, CloseCodeCleanShutdown, code)
}

func TestSocketHalfOpenStaysWritable(t *testing.T) {
	l := newTestLoop(t)

	var ended, closed int
	c := newTestContext(t, l, Callbacks{
		OnEnd: func(s *Socket) *Socket {
			ended++
			return s
		},
		OnClose: func(s *Socket, cc CloseCode, err error) *Socket {
			closed++
			return s
		},
	})
	c.SetAllowHalfOpen(true)
	s, peer := adoptPair(t, c)

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	runUntil(t, l, func() bool { return ended > 0 })
	require.Zero(t, closed, "half-open socket must not close on peer end-of-stream")
	require.False(t, s.IsClosed())

	// The write side is still usable after the peer's FIN.
	n, err := s.Write([]byte("late"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 16)
	var rn int
	for i := 0; i < 100; i++ {
		rn, err = unix.Read(peer, buf)
		if err != unix.EAGAIN {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:rn]))
}

func TestSocketShutdownHandshake(t *testing.T) {
	l := newTestLoop(t)

	var closed int
	var code CloseCode
	c := newTestContext(t, l, Callbacks{
		OnClose: func(s *Socket, cc CloseCode, err error) *Socket {
			closed++
			code = cc
			return s
		},
	})
	s, peer := adoptPair(t, c)

	s.Shutdown()
	require.True(t, s.IsShutDown())

	// Peer observes our FIN.
	buf := make([]byte, 16)
	var n int
	var err error
	for i := 0; i < 100; i++ {
		n, err = unix.Read(peer, buf)
		if err != unix.EAGAIN {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	require.Zero(t, n, "peer should read end-of-stream")

	// Peer answers with its own FIN; the socket closes cleanly.
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	runUntil(t, l, func() bool { return closed > 0 })
	assert.Equal(t, CloseCodeCleanShutdown, code)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestSocketBackpressureWritable(t *testing.T) {
	l := newTestLoop(t)

	var writable int
	c := newTestContext(t, l, Callbacks{
		OnWritable: func(s *Socket) *Socket {
			writable++
			return s
		},
	})
	s, peer := adoptPair(t, c)
	defer s.Close(CloseCodeNone)

	// Fill the kernel buffer until a short write arms writable polling.
	payload := make([]byte, 256*1024)
	short := false
	for i := 0; i < 64 && !short; i++ {
		n, err := s.Write(payload)
		require.NoError(t, err)
		short = n < len(payload)
	}
	require.True(t, short, "never hit backpressure")
	require.True(t, l.lastWriteFailed)
	require.NotZero(t, s.p.events&pollOut, "writable polling not armed")

	// Drain the peer until the loop reports writable.
	buf := make([]byte, 64*1024)
	for i := 0; i < 1000 && writable == 0; i++ {
		for {
			if _, err := unix.Read(peer, buf); err != nil {
				break
			}
		}
		require.NoError(t, l.RunIteration(10))
	}
	require.NotZero(t, writable, "OnWritable never fired")
	assert.Zero(t, s.p.events&pollOut, "writable polling should disarm after drain")
}

func TestSocketCork(t *testing.T) {
	l := newTestLoop(t)
	c := newTestContext(t, l, Callbacks{})
	s, peer := adoptPair(t, c)
	defer s.Close(CloseCodeNone)

	s.Cork()
	require.True(t, s.IsCorked())

	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	n, err = s.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// Nothing reaches the kernel while corked.
	buf := make([]byte, 32)
	_, err = unix.Read(peer, buf)
	require.Equal(t, unix.EAGAIN, err)

	n, err = s.Uncork()
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.False(t, s.IsCorked())

	var rn int
	for i := 0; i < 100; i++ {
		rn, err = unix.Read(peer, buf)
		if err != unix.EAGAIN {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf[:rn]))
}

func TestSocketCorkSingleOwner(t *testing.T) {
	l := newTestLoop(t)
	c := newTestContext(t, l, Callbacks{})
	s1, _ := adoptPair(t, c)
	s2, peer2 := adoptPair(t, c)
	defer s1.Close(CloseCodeNone)
	defer s2.Close(CloseCodeNone)

	s1.Cork()
	s2.Cork()
	require.True(t, s1.IsCorked())
	require.False(t, s2.IsCorked(), "second cork should not steal the buffer")

	// Writes on the non-corked socket pass straight through.
	_, err := s2.Write([]byte("direct"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	var rn int
	for i := 0; i < 100; i++ {
		rn, err = unix.Read(peer2, buf)
		if err != unix.EAGAIN {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)
	assert.Equal(t, "direct", string(buf[:rn]))

	_, err = s1.Uncork()
	require.NoError(t, err)
	require.False(t, s1.IsCorked())
}

func TestSocketPauseResume(t *testing.T) {
	l := newTestLoop(t)

	var got []byte
	c := newTestContext(t, l, Callbacks{
		OnData: func(s *Socket, data []byte) *Socket {
			got = append(got, data...)
			return s
		},
	})
	s, peer := adoptPair(t, c)
	defer s.Close(CloseCodeNone)

	s.Pause()
	_, err := unix.Write(peer, []byte("held"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.RunIteration(10))
	}
	require.Empty(t, got, "data delivered while paused")

	s.Resume()
	runUntil(t, l, func() bool { return string(got) == "held" })
}

func TestSocketCloseOnce(t *testing.T) {
	l := newTestLoop(t)

	var closed int
	c := newTestContext(t, l, Callbacks{
		OnClose: func(s *Socket, cc CloseCode, err error) *Socket {
			closed++
			return s
		},
	})
	s, _ := adoptPair(t, c)

	s.Close(CloseCodeNone)
	s.Close(CloseCodeNone)
	require.Equal(t, 1, closed)
	require.True(t, s.IsClosed())

	// Reclamation is deferred to the post-hook.
	require.NotNil(t, s.context)
	require.NoError(t, l.RunIteration(0))
	assert.Nil(t, s.context, "socket not reclaimed in post-hook")
}

func TestSocketAdopt(t *testing.T) {
	l := newTestLoop(t)

	var firstData, secondData int
	c1 := newTestContext(t, l, Callbacks{
		OnData: func(s *Socket, data []byte) *Socket {
			firstData++
			return s
		},
	})
	c2 := newTestContext(t, l, Callbacks{
		OnData: func(s *Socket, data []byte) *Socket {
			secondData++
			return s
		},
	})
	s, peer := adoptPair(t, c1)
	defer s.Close(CloseCodeNone)

	moved := c2.Adopt(s)
	require.Same(t, s, moved)
	require.Same(t, c2, s.Context())

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	runUntil(t, l, func() bool { return secondData > 0 })
	assert.Zero(t, firstData, "old context received data after adoption")
}

func TestSocketTimeoutArming(t *testing.T) {
	l := newTestLoop(t)
	c := newTestContext(t, l, Callbacks{})
	s, _ := adoptPair(t, c)
	defer s.Close(CloseCodeNone)

	require.False(t, s.TimeoutArmed())
	require.False(t, s.LongTimeoutArmed())

	s.SetTimeout(10 * time.Second)
	s.SetLongTimeout(5 * time.Minute)
	require.True(t, s.TimeoutArmed())
	require.True(t, s.LongTimeoutArmed())

	s.SetTimeout(0)
	s.SetLongTimeout(0)
	require.False(t, s.TimeoutArmed())
	require.False(t, s.LongTimeoutArmed())
}

func TestDurationToTicks(t *testing.T) {
	granularity := (4 * time.Second).Nanoseconds()
	for _, tc := range []struct {
		d    time.Duration
		want uint32
	}{
		{time.Millisecond, 1},
		{4 * time.Second, 1},
		{4*time.Second + time.Nanosecond, 2},
		{40 * time.Second, 10},
		{time.Hour, timeoutRing - 1},
	} {
		if got := durationToTicks(tc.d, granularity); got != tc.want {
			t.Errorf("durationToTicks(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}
