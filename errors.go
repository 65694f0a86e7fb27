package netloop

import "errors"

// Standard errors.
var (
	// ErrLoopClosed is returned when operations are attempted on a closed loop.
	ErrLoopClosed = errors.New("netloop: loop is closed")

	// ErrReentrantRun is returned when Run is called from the loop goroutine.
	ErrReentrantRun = errors.New("netloop: cannot call Run from within the loop")

	// ErrSocketClosed is returned by operations on a closed socket.
	ErrSocketClosed = errors.New("netloop: socket is closed")

	// ErrAddrInvalid is returned when a listen or connect address cannot be parsed.
	ErrAddrInvalid = errors.New("netloop: invalid address")

	// ErrResolveFailed wraps name-resolution failures delivered via OnConnectError.
	ErrResolveFailed = errors.New("netloop: name resolution failed")
)

// CloseCode classifies why a socket was closed, delivered once via OnClose.
type CloseCode int

const (
	// CloseCodeNone is used for caller-initiated closes with no specific reason.
	CloseCodeNone CloseCode = iota

	// CloseCodeCleanShutdown means both sides completed an orderly shutdown.
	CloseCodeCleanShutdown

	// CloseCodeError means a transport error terminated the connection.
	CloseCodeError
)

// String returns a human-readable representation of the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseCodeNone:
		return "None"
	case CloseCodeCleanShutdown:
		return "CleanShutdown"
	case CloseCodeError:
		return "Error"
	default:
		return "Unknown"
	}
}
