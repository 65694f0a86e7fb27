//go:build linux

package netloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"github.com/wuyongjia/pool"
	"github.com/wuyongjia/threadpool"
)

// Loop is a single-threaded readiness-driven event loop. Exactly one
// goroutine - the one calling RunIteration or Run - may drive it; see the
// package documentation for the threading model.
type Loop struct {
	// Prevent copying
	_ [0]func()

	poller poller

	// wakeup is the cross-thread async; sweepTimer drives the timeout sweep.
	wakeup     *callbackPoll
	sweepTimer *callbackPoll

	// sweepTimerCount ref-counts sweep-timer arming so nested enable/disable
	// pairs don't prematurely disarm it.
	sweepTimerCount int
	sweepIntervalNs int64

	iteration int64

	// Scratch buffers shared by every read/receive on this loop. recvBuf has
	// recvBufferPadding slack at both ends for protocol-layer overwrites.
	// sendBuf holds corked writes for corkedSocket until they are flushed.
	recvBuf      []byte
	sendBuf      []byte
	corkedSocket *Socket

	// contexts is the head of the live context list, visited by the sweep.
	contexts *Context

	// Low-priority queue (LIFO) and per-iteration servicing budget.
	lowPrioHead   *Socket
	lowPrioBudget int
	lowPrioLimit  int

	// Closed-object lists: appended during dispatch, drained in the post-hook.
	// Never both within the same step.
	closedHead           *Socket
	closedUDPHead        *UDPSocket
	closedConnectingHead *ConnectingSocket
	closedContextHead    *Context

	// lastWriteFailed is set by Socket.Write on short writes and cleared by
	// the dispatcher before invoking OnWritable.
	lastWriteFailed bool

	// numReadyPolls is the size of the current readiness batch, used as the
	// loop-busyness estimate by the repeat-read heuristic.
	numReadyPolls int

	// DNS-completion mailbox. The only cross-thread shared state besides the
	// wakeup eventfd; mu protects dnsReady and nothing else.
	mu         sync.Mutex
	dnsReady   *queue.Queue
	dnsScratch []*ConnectingSocket

	resolver    *threadpool.Pool
	resolvePool *pool.Pool
	// resolveFn is swappable for tests; defaults to net.DefaultResolver.
	resolveFn resolveFunc

	wakeupCB func(*Loop)
	preCB    func(*Loop)
	postCB   func(*Loop)

	log *logiface.Logger[logiface.Event]

	loopGoroutineID atomic.Uint64

	closed bool
}

// New creates an event loop. The sweep timer is created but stays disarmed
// until the first context is bound to the loop.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		sweepIntervalNs: cfg.sweepInterval.Nanoseconds(),
		lowPrioLimit:    cfg.lowPrioBudget,
		recvBuf:         make([]byte, recvBufferLength+recvBufferPadding*2),
		sendBuf:         make([]byte, 0, sendBufferLength),
		dnsReady:        queue.New(),
		resolveFn:       defaultResolve,
		wakeupCB:        cfg.wakeupCB,
		preCB:           cfg.preCB,
		postCB:          cfg.postCB,
		log:             cfg.log,
	}

	if err := l.poller.init(); err != nil {
		return nil, err
	}

	l.wakeup, err = newAsyncPoll(l, func(c *callbackPoll) {
		if cb := c.loop.wakeupCB; cb != nil {
			cb(c.loop)
		}
	})
	if err != nil {
		_ = l.poller.close()
		return nil, err
	}

	l.sweepTimer, err = newTimerPoll(l, func(c *callbackPoll) {
		c.loop.timerSweep()
	})
	if err != nil {
		l.wakeup.close()
		_ = l.poller.close()
		return nil, err
	}

	l.resolver = threadpool.NewWithFunc(cfg.resolverWorkers, resolverQueueLength, l.resolveWorker)
	l.resolvePool = pool.New(resolverQueueLength, func() interface{} {
		return &resolveRequest{}
	})

	l.log.Debug().
		Int("low_prio_budget", l.lowPrioLimit).
		Int64("sweep_interval_ns", l.sweepIntervalNs).
		Log("loop created")

	return l, nil
}

// IterationNumber returns the number of iterations this loop has run.
func (l *Loop) IterationNumber() int64 {
	return l.iteration
}

// Wakeup causes the loop's next poll to return promptly without a real I/O
// event, then invokes the wakeup callback on the loop goroutine. It is the
// only Loop method safe to call from any goroutine.
func (l *Loop) Wakeup() error {
	return l.wakeup.trigger()
}

// RunIteration runs one loop iteration: pre-hook, a single poll bounded by
// timeoutMs (-1 blocks until at least one event), dispatch of every ready
// poll handle, then the post-hook including deferred reclamation.
func (l *Loop) RunIteration(timeoutMs int) error {
	if l.closed {
		return ErrLoopClosed
	}

	l.pre()

	n, err := l.poller.wait(timeoutMs)
	if err != nil {
		l.log.Err().
			Err(err).
			Log("poll failed")
		l.post()
		return err
	}
	l.numReadyPolls = n

	for i := 0; i < n; i++ {
		owner, events, ok := l.poller.ready(i)
		if !ok {
			// Registration changed since wait captured the batch.
			continue
		}
		l.dispatchReadyPoll(owner, events)
	}

	l.post()
	return nil
}

// Run drives iterations until ctx is cancelled or the loop is closed. It
// locks the calling goroutine to its OS thread for the duration.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Watcher wakes the loop when ctx is cancelled so the blocking poll
	// returns promptly.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Wakeup()
		case <-watcherDone:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.RunIteration(-1); err != nil {
			return err
		}
	}
}

// Close releases the loop's descriptors and stops the resolver workers. All
// contexts and sockets must already be closed; Close does not dispatch.
func (l *Loop) Close() error {
	if l.closed {
		return ErrLoopClosed
	}
	l.closed = true

	// Reclaim anything still parked on the closed lists.
	l.freeClosedObjects()
	l.freeClosedContexts()

	l.resolver.Close()
	l.sweepTimer.close()
	l.wakeup.close()
	err := l.poller.close()

	l.log.Debug().
		Int64("iterations", l.iteration).
		Log("loop closed")
	return err
}

// pre runs once per iteration before dispatch.
func (l *Loop) pre() {
	l.iteration++
	l.handleDNSResults()
	l.handleLowPrioritySockets()
	if l.preCB != nil {
		l.preCB(l)
	}
}

// post runs once per iteration after dispatch.
func (l *Loop) post() {
	l.handleDNSResults()
	l.freeClosedObjects()
	l.freeClosedContexts()
	if l.postCB != nil {
		l.postCB(l)
	}
}

// enableSweepTimer arms the sweep timer on the 0 -> 1 transition.
func (l *Loop) enableSweepTimer() {
	if l.sweepTimerCount == 0 {
		if err := l.sweepTimer.set(l.sweepIntervalNs); err != nil {
			l.log.Err().
				Err(err).
				Log("failed to arm sweep timer")
		}
	}
	l.sweepTimerCount++
}

// disableSweepTimer disarms the sweep timer on the 1 -> 0 transition.
func (l *Loop) disableSweepTimer() {
	l.sweepTimerCount--
	if l.sweepTimerCount == 0 {
		if err := l.sweepTimer.set(0); err != nil {
			l.log.Err().
				Err(err).
				Log("failed to disarm sweep timer")
		}
	}
}

// handleLowPrioritySockets resets the per-iteration budget and promotes up to
// that many sockets off the low-priority queue, relinking them into their
// context and re-enabling read polling.
func (l *Loop) handleLowPrioritySockets() {
	l.lowPrioBudget = l.lowPrioLimit

	for s := l.lowPrioHead; s != nil && l.lowPrioBudget > 0; s = l.lowPrioHead {
		l.lowPrioBudget--

		l.lowPrioHead = s.next
		if s.next != nil {
			s.next.prev = nil
		}
		s.next = nil

		s.context.linkSocket(s)
		s.pollChange(s.p.events | pollIn)

		// Process incoming data for one iteration before re-evaluating.
		s.lowPrioState = lowPrioDelayed
	}
}

// postDNSResult hands a completed resolution to the loop. Called from
// resolver workers; the only lock in the engine guards exactly this.
func (l *Loop) postDNSResult(c *ConnectingSocket) {
	l.mu.Lock()
	l.dnsReady.Add(c)
	l.mu.Unlock()
	_ = l.Wakeup()
}

// handleDNSResults drains the mailbox under the lock, then resumes each
// completed connecting socket outside it.
func (l *Loop) handleDNSResults() {
	l.mu.Lock()
	pending := l.dnsScratch[:0]
	for l.dnsReady.Length() > 0 {
		pending = append(pending, l.dnsReady.Remove().(*ConnectingSocket))
	}
	l.mu.Unlock()

	for i, c := range pending {
		l.afterResolve(c)
		pending[i] = nil
	}
	l.dnsScratch = pending[:0]
}

// freeClosedObjects reclaims every socket, UDP socket, and connecting socket
// closed during this iteration's dispatch. Runs only between iterations so a
// handler never observes a reclaimed object.
func (l *Loop) freeClosedObjects() {
	for s := l.closedHead; s != nil; {
		next := s.nextClosed
		s.nextClosed = nil
		s.prev = nil
		s.next = nil
		s.context = nil
		s = next
	}
	l.closedHead = nil

	for u := l.closedUDPHead; u != nil; {
		next := u.nextClosed
		u.nextClosed = nil
		u = next
	}
	l.closedUDPHead = nil

	for c := l.closedConnectingHead; c != nil; {
		next := c.nextClosed
		c.nextClosed = nil
		c.context = nil
		c = next
	}
	l.closedConnectingHead = nil
}

// freeClosedContexts reclaims contexts closed during dispatch.
func (l *Loop) freeClosedContexts() {
	for c := l.closedContextHead; c != nil; {
		next := c.nextClosed
		c.nextClosed = nil
		c.prev = nil
		c.next = nil
		c.head = nil
		c.listenHead = nil
		c = next
	}
	l.closedContextHead = nil
}

// isLoopThread checks if we're on the goroutine running Run.
func (l *Loop) isLoopThread() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
