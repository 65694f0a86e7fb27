//go:build linux

package netloop

import (
	"testing"
	"time"
)

func TestResolveLoopOptionsDefaults(t *testing.T) {
	cfg, err := resolveLoopOptions(nil)
	if err != nil {
		t.Fatalf("resolveLoopOptions: %v", err)
	}
	if cfg.sweepInterval != defaultSweepInterval {
		t.Errorf("sweepInterval = %v, want %v", cfg.sweepInterval, defaultSweepInterval)
	}
	if cfg.lowPrioBudget != defaultLowPrioBudget {
		t.Errorf("lowPrioBudget = %d, want %d", cfg.lowPrioBudget, defaultLowPrioBudget)
	}
	if cfg.resolverWorkers != defaultResolverWorkers {
		t.Errorf("resolverWorkers = %d, want %d", cfg.resolverWorkers, defaultResolverWorkers)
	}
	if cfg.log != nil {
		t.Error("log should default to nil")
	}
}

func TestResolveLoopOptionsApply(t *testing.T) {
	cfg, err := resolveLoopOptions([]LoopOption{
		WithSweepInterval(time.Second),
		WithLowPriorityBudget(9),
		WithResolverWorkers(4),
		nil,
	})
	if err != nil {
		t.Fatalf("resolveLoopOptions: %v", err)
	}
	if cfg.sweepInterval != time.Second {
		t.Errorf("sweepInterval = %v, want 1s", cfg.sweepInterval)
	}
	if cfg.lowPrioBudget != 9 {
		t.Errorf("lowPrioBudget = %d, want 9", cfg.lowPrioBudget)
	}
	if cfg.resolverWorkers != 4 {
		t.Errorf("resolverWorkers = %d, want 4", cfg.resolverWorkers)
	}
}

func TestResolveLoopOptionsInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  LoopOption
	}{
		{"zero sweep interval", WithSweepInterval(0)},
		{"negative sweep interval", WithSweepInterval(-time.Second)},
		{"zero low-priority budget", WithLowPriorityBudget(0)},
		{"zero resolver workers", WithResolverWorkers(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := resolveLoopOptions([]LoopOption{tc.opt}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCloseCodeString(t *testing.T) {
	for code, want := range map[CloseCode]string{
		CloseCodeNone:          "None",
		CloseCodeCleanShutdown: "CleanShutdown",
		CloseCodeError:         "Error",
		CloseCode(99):          "Unknown",
	} {
		if got := code.String(); got != want {
			t.Errorf("CloseCode(%d).String() = %q, want %q", int(code), got, want)
		}
	}
}
