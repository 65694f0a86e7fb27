//go:build linux

package netloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	log             *logiface.Logger[logiface.Event]
	sweepInterval   time.Duration
	lowPrioBudget   int
	resolverWorkers int
	wakeupCB        func(*Loop)
	preCB           func(*Loop)
	postCB          func(*Loop)
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used for loop diagnostics.
// A nil logger (the default) disables logging entirely.
func WithLogger(log *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.log = log
		return nil
	}}
}

// WithSweepInterval sets the timeout-sweep granularity. Shorter intervals
// give finer-grained connection timeouts at the cost of more frequent
// sweeps. The default is 4 seconds.
func WithSweepInterval(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return fmt.Errorf("netloop: sweep interval must be positive, got %v", d)
		}
		opts.sweepInterval = d
		return nil
	}}
}

// WithLowPriorityBudget sets how many low-priority sockets may be serviced,
// and how many may be promoted out of the low-priority queue, per loop
// iteration. The default is 5.
func WithLowPriorityBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 1 {
			return fmt.Errorf("netloop: low-priority budget must be at least 1, got %d", n)
		}
		opts.lowPrioBudget = n
		return nil
	}}
}

// WithResolverWorkers sets the number of worker goroutines performing
// asynchronous name resolution. The default is 2.
func WithResolverWorkers(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 1 {
			return fmt.Errorf("netloop: resolver workers must be at least 1, got %d", n)
		}
		opts.resolverWorkers = n
		return nil
	}}
}

// WithWakeupCallback sets the callback invoked on the loop goroutine after a
// cross-thread Wakeup.
func WithWakeupCallback(fn func(*Loop)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.wakeupCB = fn
		return nil
	}}
}

// WithPreCallback sets the callback invoked once per iteration before dispatch.
func WithPreCallback(fn func(*Loop)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.preCB = fn
		return nil
	}}
}

// WithPostCallback sets the callback invoked once per iteration after dispatch
// and reclamation.
func WithPostCallback(fn func(*Loop)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.postCB = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		sweepInterval:   defaultSweepInterval,
		lowPrioBudget:   defaultLowPrioBudget,
		resolverWorkers: defaultResolverWorkers,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
