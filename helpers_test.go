package fieldsync

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

// scriptedTransport answers with handler, which receives the 1-based call number.
type scriptedTransport struct {
	mu       sync.Mutex
	requests []*Request
	handler  func(n int, req *Request) (*Response, error)
}

func newScriptedTransport(handler func(n int, req *Request) (*Response, error)) *scriptedTransport {
	return &scriptedTransport{handler: handler}
}

func (s *scriptedTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	return s.handler(n, req)
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedTransport) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func jsonResponse(status int, body string) *Response {
	return &Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
	}
}

// sleepRecorder records requested waits and advances the mock clock instead of sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	clock  *clock.Mock
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.clock.Add(d)
	return nil
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

type testHarness struct {
	client    *Client
	transport *scriptedTransport
	clock     *clock.Mock
	sleeper   *sleepRecorder
}

func newTestHarness(t *testing.T, handler func(n int, req *Request) (*Response, error), opts ...Option) *testHarness {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	sleeper := &sleepRecorder{clock: mock}
	transport := newScriptedTransport(handler)

	base := []Option{WithClock(mock), WithSleeper(sleeper.Sleep)}
	client := New(transport, append(base, opts...)...)
	if !client.IsValid() {
		t.Fatalf("invalid client: %v", client.ValidationError())
	}
	return &testHarness{client: client, transport: transport, clock: mock, sleeper: sleeper}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
