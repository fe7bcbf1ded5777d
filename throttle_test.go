package fieldsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

func TestThrottleShouldDelay(t *testing.T) {
	mock := clock.NewMock()
	th := NewThrottleController(nil, DefaultThrottleFloor, mock)
	fp := NewFingerprint("GET", "/notifications/unread-count", nil)

	if d := th.ShouldDelay(fp); d != 0 {
		t.Fatalf("first request delayed %v", d)
	}

	th.MarkIssued(fp)
	if d := th.ShouldDelay(fp); d != 10*time.Second {
		t.Errorf("immediate repeat delay = %v, want 10s", d)
	}

	mock.Add(4 * time.Second)
	if d := th.ShouldDelay(fp); d != 6*time.Second {
		t.Errorf("delay after 4s = %v, want 6s", d)
	}

	mock.Add(6 * time.Second)
	if d := th.ShouldDelay(fp); d != 0 {
		t.Errorf("delay after full interval = %v", d)
	}
}

func TestThrottleIsPerFingerprint(t *testing.T) {
	mock := clock.NewMock()
	th := NewThrottleController(nil, DefaultThrottleFloor, mock)

	a := NewFingerprint("GET", "/dashboard", nil)
	b := NewFingerprint("GET", "/dashboard", map[string][]string{"range": {"week"}})
	th.MarkIssued(a)

	if d := th.ShouldDelay(b); d != 0 {
		t.Errorf("different fingerprint delayed %v", d)
	}
	if d := th.ShouldDelay(a); d != 2*time.Second {
		t.Errorf("dashboard delay = %v, want 2s", d)
	}
}

func TestThrottleAcquireWaitsAndMarks(t *testing.T) {
	mock := clock.NewMock()
	th := NewThrottleController(nil, DefaultThrottleFloor, mock)
	rec := &sleepRecorder{clock: mock}
	th.setSleeper(rec.Sleep)
	fp := NewFingerprint("GET", "/templates", nil)

	if waited, err := th.Acquire(context.Background(), fp); err != nil || waited != 0 {
		t.Fatalf("first Acquire waited=%v err=%v", waited, err)
	}
	waited, err := th.Acquire(context.Background(), fp)
	if err != nil {
		t.Fatal(err)
	}
	if waited != time.Second {
		t.Errorf("second Acquire waited %v, want 1s", waited)
	}
	if !equalDurations(rec.Delays(), []time.Duration{time.Second}) {
		t.Errorf("recorded delays %v", rec.Delays())
	}
	if d := th.ShouldDelay(fp); d != time.Second {
		t.Errorf("Acquire should mark issuance, delay = %v", d)
	}
}

func TestThrottleAcquireHonoursContext(t *testing.T) {
	th := NewThrottleController(nil, DefaultThrottleFloor, clock.NewMock())
	fp := NewFingerprint("GET", "/notifications", nil)
	th.MarkIssued(fp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := th.Acquire(ctx, fp); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestThrottlePrunesStaleFingerprints(t *testing.T) {
	mock := clock.NewMock()
	th := NewThrottleController(nil, DefaultThrottleFloor, mock)

	for i := 0; i < pruneThreshold; i++ {
		th.MarkIssued(NewFingerprint("GET", fmt.Sprintf("/audits/%d", i), nil))
	}
	mock.Add(time.Minute)
	th.MarkIssued(NewFingerprint("GET", "/audits/new", nil))

	th.mu.Lock()
	n := len(th.last)
	th.mu.Unlock()
	if n != 1 {
		t.Errorf("stale entries kept: %d", n)
	}
}

func TestThrottleReset(t *testing.T) {
	th := NewThrottleController(nil, time.Second, clock.NewMock())
	fp := NewFingerprint("GET", "/x", nil)
	th.MarkIssued(fp)
	th.Reset()
	if d := th.ShouldDelay(fp); d != 0 {
		t.Errorf("delay after Reset = %v", d)
	}
}
