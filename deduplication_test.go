package fieldsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *InFlightRegistry) waiting(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters[key]
}

func TestInFlightRegistryCoalesces(t *testing.T) {
	r := NewInFlightRegistry()
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func(ctx context.Context) (*Response, error) {
		calls.Add(1)
		<-release
		return jsonResponse(200, `{"ok":true}`), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := r.GetOrCreate(context.Background(), "GET:/dashboard", fn)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = resp
		}(i)
	}

	waitFor(t, func() bool { return r.waiting("GET:/dashboard") == n })
	if !r.InFlight("GET:/dashboard") {
		t.Error("key should be in flight")
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("work ran %d times, want 1", got)
	}
	for i, resp := range results {
		if resp == nil || string(resp.Body) != `{"ok":true}` {
			t.Errorf("caller %d got %+v", i, resp)
		}
	}
	if r.InFlight("GET:/dashboard") || r.Len() != 0 {
		t.Error("key should be removed once settled")
	}
}

func TestInFlightRegistrySharesErrors(t *testing.T) {
	r := NewInFlightRegistry()
	boom := errors.New("boom")

	_, _, err := r.GetOrCreate(context.Background(), "k", func(context.Context) (*Response, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	// The failed call is forgotten; the next one runs again.
	resp, shared, err := r.GetOrCreate(context.Background(), "k", func(context.Context) (*Response, error) {
		return jsonResponse(200, `1`), nil
	})
	if err != nil || shared || string(resp.Body) != "1" {
		t.Errorf("second call: resp=%v shared=%v err=%v", resp, shared, err)
	}
}

func TestInFlightRegistryOwnerCancellation(t *testing.T) {
	r := NewInFlightRegistry()
	release := make(chan struct{})
	started := make(chan struct{})
	var workCtxAlive atomic.Bool

	ownerCtx, cancel := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, _, err := r.GetOrCreate(ownerCtx, "k", func(ctx context.Context) (*Response, error) {
			close(started)
			<-release
			workCtxAlive.Store(ctx.Err() == nil)
			return jsonResponse(200, `ok`), nil
		})
		ownerDone <- err
	}()
	<-started

	waiterDone := make(chan *Response, 1)
	go func() {
		resp, _, err := r.GetOrCreate(context.Background(), "k", nil)
		if err != nil {
			t.Errorf("waiter err = %v", err)
		}
		waiterDone <- resp
	}()
	waitFor(t, func() bool { return r.waiting("k") == 2 })

	cancel()
	if err := <-ownerDone; !errors.Is(err, context.Canceled) {
		t.Errorf("owner err = %v", err)
	}

	close(release)
	resp := <-waiterDone
	if resp == nil || string(resp.Body) != "ok" {
		t.Errorf("waiter got %+v", resp)
	}
	if !workCtxAlive.Load() {
		t.Error("shared work should not see the owner's cancellation")
	}
}
