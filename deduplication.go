package fieldsync

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// InFlightRegistry coalesces identical concurrent reads. The first caller for a
// key performs the work; callers arriving while it runs wait for and share its
// outcome. The key is forgotten as soon as the work settles, so a later call
// always starts a fresh round trip.
type InFlightRegistry struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

// NewInFlightRegistry returns an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		waiters: make(map[string]int),
	}
}

// GetOrCreate runs fn for key, or joins the call already running for key.
// shared reports whether the result was delivered to more than one caller.
//
// The work runs detached from the owner's cancellation so one impatient caller
// cannot fail everyone else; each caller still stops waiting when its own ctx is done.
func (r *InFlightRegistry) GetOrCreate(ctx context.Context, key string, fn func(context.Context) (*Response, error)) (resp *Response, shared bool, err error) {
	r.track(key, 1)
	defer r.track(key, -1)

	ch := r.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		out, _ := res.Val.(*Response)
		if res.Shared {
			out = out.Clone()
		}
		return out, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight reports whether some caller is currently waiting on key.
func (r *InFlightRegistry) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters[key] > 0
}

// Len returns the number of keys with at least one waiting caller.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

func (r *InFlightRegistry) track(key string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.waiters[key] + delta
	if n <= 0 {
		delete(r.waiters, key)
		return
	}
	r.waiters[key] = n
}
