//go:build linux

package netloop

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUDP(t *testing.T, l *Loop, cbs UDPCallbacks) *UDPSocket {
	t.Helper()
	u, err := NewUDPSocket(l, "127.0.0.1", 0, cbs)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !u.IsClosed() {
			u.Close()
		}
	})
	return u
}

func TestUDPInvalidAddr(t *testing.T) {
	l := newTestLoop(t)
	_, err := NewUDPSocket(l, "nope", 0, UDPCallbacks{})
	require.ErrorIs(t, err, ErrAddrInvalid)
}

func TestUDPSendReceive(t *testing.T) {
	l := newTestLoop(t)

	var payloads [][]byte
	var sources []netip.AddrPort
	recv := newTestUDP(t, l, UDPCallbacks{
		OnData: func(u *UDPSocket, batch *UDPBatch, count int) {
			for i := 0; i < count; i++ {
				payloads = append(payloads, append([]byte(nil), batch.Payload(i)...))
				sources = append(sources, batch.Addr(i))
			}
		},
	})
	send := newTestUDP(t, l, UDPCallbacks{})
	require.NotZero(t, recv.Port())
	require.NotZero(t, send.Port())

	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(recv.Port()))
	ok, err := send.Send([]byte("ping"), to)
	require.NoError(t, err)
	require.True(t, ok)

	runUntil(t, l, func() bool { return len(payloads) > 0 })
	assert.Equal(t, "ping", string(payloads[0]))
	assert.Equal(t, uint16(send.Port()), sources[0].Port())
}

func TestUDPBatchedReceive(t *testing.T) {
	l := newTestLoop(t)

	received := 0
	recv := newTestUDP(t, l, UDPCallbacks{
		OnData: func(u *UDPSocket, batch *UDPBatch, count int) {
			received += count
		},
	})
	send := newTestUDP(t, l, UDPCallbacks{})

	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(recv.Port()))
	const total = 10
	for i := 0; i < total; i++ {
		ok, err := send.Send([]byte(fmt.Sprintf("dgram-%d", i)), to)
		require.NoError(t, err)
		require.True(t, ok)
	}

	runUntil(t, l, func() bool { return received == total })
}

func TestUDPSendBatch(t *testing.T) {
	l := newTestLoop(t)

	received := 0
	recv := newTestUDP(t, l, UDPCallbacks{
		OnData: func(u *UDPSocket, batch *UDPBatch, count int) {
			received += count
		},
	})
	send := newTestUDP(t, l, UDPCallbacks{})

	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(recv.Port()))
	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	dests := []netip.AddrPort{to, to, to}

	n, err := send.SendBatch(payloads, dests)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	runUntil(t, l, func() bool { return received == 3 })
}

func TestUDPDrainNotification(t *testing.T) {
	l := newTestLoop(t)

	var drained int
	u := newTestUDP(t, l, UDPCallbacks{
		OnDrain: func(*UDPSocket) { drained++ },
	})

	// Simulate a failed send having armed writable polling, then dispatch the
	// writable edge directly.
	u.pollChange(u.p.events | pollOut)
	l.dispatchUDP(u, pollOut, false)

	require.Equal(t, 1, drained)
	assert.Zero(t, u.p.events&pollOut, "writable polling should disarm after drain")
}

func TestUDPCloseOnce(t *testing.T) {
	l := newTestLoop(t)

	var closed int
	u := newTestUDP(t, l, UDPCallbacks{
		OnClose: func(*UDPSocket) { closed++ },
	})

	u.Close()
	u.Close()
	require.Equal(t, 1, closed)
	require.True(t, u.IsClosed())

	_, err := u.Send([]byte("x"), netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 1))
	assert.ErrorIs(t, err, ErrSocketClosed)

	require.NoError(t, l.RunIteration(0))
}
