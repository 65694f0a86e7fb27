package netloop

import "time"

// Tunable constants. The repeat-read heuristics mirror the loop busyness
// estimate described in the package documentation; they bound how long one
// socket may monopolize an iteration but their exact values are not
// correctness requirements.
const (
	// recvBufferLength is the usable capacity of the loop's scratch receive buffer.
	recvBufferLength = 512 * 1024

	// recvBufferPadding is head/tail slack around the receive buffer, reserved
	// for protocol layers that need to prepend or append in place.
	recvBufferPadding = 32

	// sendBufferLength is the capacity of the loop's scratch send buffer.
	sendBufferLength = 512 * 1024

	// defaultSweepInterval is the timeout-sweep granularity.
	defaultSweepInterval = 4 * time.Second

	// defaultLowPrioBudget bounds low-priority socket servicing per iteration.
	defaultLowPrioBudget = 5

	// defaultResolverWorkers is the size of the name-resolution worker pool.
	defaultResolverWorkers = 2

	// timeoutRing is the modulus of the tick-based timeout counters.
	timeoutRing = 240

	// longTimeoutDivisor is how many sweeps make up one long-timeout tick.
	longTimeoutDivisor = 15

	// noTimeout is the sentinel "no timeout armed" counter value.
	noTimeout = 255

	// maxRepeatRecvCount bounds immediate re-reads of a single hot socket.
	maxRepeatRecvCount = 10

	// loopNotBusyThreshold: below this many ready polls the loop is considered
	// idle enough to re-read a socket immediately instead of waiting for the
	// next readiness notification.
	loopNotBusyThreshold = 25

	// repeatRecvSlack: a read must fill the receive buffer to within this many
	// bytes of capacity before an immediate re-read is considered.
	repeatRecvSlack = 24 * 1024

	// udpMaxDatagrams is the per-call batch size for UDP receives.
	udpMaxDatagrams = 64

	// resolverQueueLength bounds pending asynchronous name resolutions.
	resolverQueueLength = 1024
)

// pollKind tags a poll handle with the kind of object that owns it.
type pollKind uint8

const (
	pollCallback pollKind = iota // timer or async wakeup
	pollListen
	pollConnecting
	pollSocket
	pollUDP
)

// Low-priority socket states.
const (
	lowPrioNone    uint8 = iota // normal servicing
	lowPrioQueued               // parked on the low-priority queue
	lowPrioDelayed              // promoted; process one iteration, then re-evaluate
)
