// Package poll provides fixed-interval condition polling.
//
// The external tool exposes no event notification for mount-point state, so
// both mount-liveness and unmount waits are sleep-loop polls by contract.
package poll

import (
	"context"
	"time"
)

// Config holds polling configuration.
type Config struct {
	MaxAttempts int           // Maximum number of checks (0 = unbounded)
	Interval    time.Duration // Wait between checks
}

// Until checks cond every Interval until it returns true, the attempt budget
// is exhausted, or ctx is cancelled. It reports whether cond became true.
// cond is checked once immediately before any wait; the final failed check
// returns without sleeping.
func Until(ctx context.Context, cfg Config, cond func() bool) bool {
	for attempt := 1; ; attempt++ {
		if cond() {
			return true
		}
		if cfg.MaxAttempts != 0 && attempt >= cfg.MaxAttempts {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(cfg.Interval):
		}
	}
}
