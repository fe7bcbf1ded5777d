package fieldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Request is a single call handed to a Transport. Path never carries a query
// string; parameters travel in Params.
type Request struct {
	Method string
	Path   string
	Params url.Values
	Body   any
	Header http.Header
}

// Response is what a Transport produced for any HTTP status. Non-2xx statuses are
// not transport errors; the pipeline classifies them.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Clone returns a deep copy so callers sharing one coalesced result cannot
// observe each other's mutations.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
	}
}

// Transport is the HTTP capability the engine consumes. A non-nil error means no
// HTTP response was obtained (timeout, refused connection, DNS failure).
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// CacheOptions tunes a single CachedGet call.
type CacheOptions struct {
	// ForceRefresh skips the initial cache read; the fresh response still
	// replaces the cached one.
	ForceRefresh bool
	// TTLOverride replaces the path-derived TTL for the stored entry.
	TTLOverride time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option represents a configuration option
type Option func(*Client)
