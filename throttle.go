package fieldsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/time/rate"
)

// ThrottleController enforces a minimum spacing between issuances of the same
// fingerprint. It never rejects: callers are told how long to wait.
type ThrottleController struct {
	intervals atomic.Pointer[PathTable]
	clock     clock.Clock
	sleep     Sleeper

	mu   sync.Mutex
	last map[string]time.Time
}

// pruneThreshold bounds the issuance map before stale fingerprints are swept.
const pruneThreshold = 1024

// NewThrottleController creates a controller. A nil intervals map selects
// DefaultThrottleIntervals; floor applies to unmatched paths.
func NewThrottleController(intervals map[string]time.Duration, floor time.Duration, clk clock.Clock) *ThrottleController {
	if intervals == nil {
		intervals = DefaultThrottleIntervals()
	}
	if floor < 0 {
		floor = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	t := &ThrottleController{
		clock: clk,
		sleep: clockSleeper(clk),
		last:  make(map[string]time.Time),
	}
	t.intervals.Store(NewPathTable(intervals, floor))
	return t
}

// MinInterval returns the spacing enforced for path.
func (t *ThrottleController) MinInterval(path string) time.Duration {
	return t.intervals.Load().Lookup(path)
}

// SetIntervals replaces the interval table.
func (t *ThrottleController) SetIntervals(intervals map[string]time.Duration, floor time.Duration) {
	t.intervals.Store(NewPathTable(intervals, floor))
}

// ShouldDelay returns how long a request for fp must wait before it may be issued.
func (t *ThrottleController) ShouldDelay(fp Fingerprint) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delayLocked(fp, t.clock.Now())
}

// MarkIssued records that a request for fp was issued now.
func (t *ThrottleController) MarkIssued(fp Fingerprint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(fp, t.clock.Now())
}

// Acquire waits until fp may be issued and marks it issued in the same critical
// section, so two callers can never both pass inside one interval. It returns the
// total time spent waiting.
func (t *ThrottleController) Acquire(ctx context.Context, fp Fingerprint) (time.Duration, error) {
	var waited time.Duration
	for {
		t.mu.Lock()
		now := t.clock.Now()
		wait := t.delayLocked(fp, now)
		if wait <= 0 {
			t.markLocked(fp, now)
			t.mu.Unlock()
			return waited, nil
		}
		t.mu.Unlock()

		if err := t.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

func (t *ThrottleController) setSleeper(s Sleeper) {
	if s != nil {
		t.sleep = s
	}
}

// Reset forgets every issuance.
func (t *ThrottleController) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]time.Time)
}

func (t *ThrottleController) delayLocked(fp Fingerprint, now time.Time) time.Duration {
	last, ok := t.last[fp.String()]
	if !ok {
		return 0
	}
	wait := t.MinInterval(fp.Path) - now.Sub(last)
	if wait < 0 {
		return 0
	}
	return wait
}

func (t *ThrottleController) markLocked(fp Fingerprint, now time.Time) {
	t.last[fp.String()] = now
	if len(t.last) <= pruneThreshold {
		return
	}
	horizon := t.intervals.Load().Max()
	for key, at := range t.last {
		if now.Sub(at) >= horizon {
			delete(t.last, key)
		}
	}
}

// clockSleeper sleeps on clk so tests driving a mock clock stay deterministic.
func clockSleeper(clk clock.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		timer := clk.Timer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// newPacer builds the optional process-wide limiter applied after throttling.
func newPacer(limit rate.Limit, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}
