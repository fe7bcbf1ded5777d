package fieldsync

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/time/rate"

	"github.com/ambiyansyah-risyal/fieldsync/kv"
)

// Client is the request pipeline: cache, in-flight de-duplication, throttle,
// classified retry and finally the Transport. Every retry re-enters the
// pipeline from the cache check. It is safe for concurrent use.
type Client struct {
	transport Transport

	cache    *ResponseCache
	inflight *InFlightRegistry
	throttle *ThrottleController
	pacer    *rate.Limiter

	retryPolicy RetryPolicy
	retryable   map[int]bool
	maxRetries  int
	baseDelay   time.Duration

	durable           kv.Store
	cacheTTLs         map[string]time.Duration
	defaultCacheTTL   time.Duration
	throttleIntervals map[string]time.Duration
	throttleFloor     time.Duration
	paceLimit         rate.Limit
	paceBurst         int

	clock   clock.Clock
	sleep   Sleeper
	logger  Logger
	metrics *MetricsCollector

	validationError error
}

// New constructs a Client around transport using the provided functional
// options. A best effort validation is performed; call IsValid /
// ValidationError for errors.
func New(transport Transport, options ...Option) *Client {
	client := &Client{
		transport:         transport,
		maxRetries:        DefaultMaxRetries,
		baseDelay:         DefaultBaseDelay,
		cacheTTLs:         DefaultCacheTTLs(),
		defaultCacheTTL:   DefaultCacheTTL,
		throttleIntervals: DefaultThrottleIntervals(),
		throttleFloor:     DefaultThrottleFloor,
		retryable:         statusSet(DefaultRetryableStatuses()),
		inflight:          NewInFlightRegistry(),
	}

	for _, option := range options {
		option(client)
	}

	if client.clock == nil {
		client.clock = clock.New()
	}
	if client.logger == nil {
		client.logger = NopLogger()
	}
	if client.sleep == nil {
		client.sleep = clockSleeper(client.clock)
	}
	if client.cache == nil {
		client.cache = NewResponseCache(ResponseCacheConfig{
			Durable:    client.durable,
			TTLs:       client.cacheTTLs,
			DefaultTTL: client.defaultCacheTTL,
			Clock:      client.clock,
			Logger:     client.logger,
			Metrics:    client.metrics,
		})
	}
	if client.throttle == nil {
		client.throttle = NewThrottleController(client.throttleIntervals, client.throttleFloor, client.clock)
	}
	client.throttle.setSleeper(client.sleep)
	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.maxRetries, client.baseDelay)
	}
	client.pacer = newPacer(client.paceLimit, client.paceBurst)

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get fetches path bypassing the initial cache read. Concurrent identical calls
// share one round trip and the fresh response replaces the cached one.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return c.read(ctx, path, params, CacheOptions{ForceRefresh: true})
}

// CachedGet answers from cache while the entry for (path, params) is fresh and
// otherwise behaves like Get.
func (c *Client) CachedGet(ctx context.Context, path string, params url.Values, opts CacheOptions) (*Response, error) {
	return c.read(ctx, path, params, opts)
}

// Post sends a mutation and invalidates the path's resource family on success.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.write(ctx, http.MethodPost, path, body)
}

// Put sends a mutation and invalidates the path's resource family on success.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.write(ctx, http.MethodPut, path, body)
}

// Delete sends a mutation and invalidates the path's resource family on success.
// body may be nil.
func (c *Client) Delete(ctx context.Context, path string, body any) (*Response, error) {
	return c.write(ctx, http.MethodDelete, path, body)
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) {
	c.cache.Clear(ctx)
	c.logger.Info("response cache cleared")
}

// ClearCacheFor drops cached responses whose path starts with prefix and
// returns how many were removed.
func (c *Client) ClearCacheFor(ctx context.Context, prefix string) int {
	n := c.cache.Invalidate(ctx, prefix)
	c.logger.Debug("response cache invalidated", "prefix", prefix, "removed", n)
	return n
}

// Cache exposes the response cache.
func (c *Client) Cache() *ResponseCache {
	return c.cache
}

// Throttle exposes the throttle controller.
func (c *Client) Throttle() *ThrottleController {
	return c.throttle
}

// InFlight exposes the in-flight registry.
func (c *Client) InFlight() *InFlightRegistry {
	return c.inflight
}

func (c *Client) read(ctx context.Context, path string, params url.Values, opts CacheOptions) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}

	fp := NewFingerprint(http.MethodGet, path, params)
	endpoint := ResourceFamily(fp.Path)
	start := c.clock.Now()
	req := &Request{Method: fp.Method, Path: fp.Path, Params: queryValues(fp)}

	for attempt := 1; ; attempt++ {
		// A forced refresh skips the cache on its first attempt. Its retries still
		// accept entries written since it started, so another caller's fresh
		// result short-circuits the backoff loop.
		if !opts.ForceRefresh || attempt > 1 {
			if entry, ok := c.cache.Get(ctx, fp); ok && (!opts.ForceRefresh || !entry.StoredAt.Before(start)) {
				return entry.Response(), nil
			}
		}

		resp, shared, err := c.inflight.GetOrCreate(ctx, fp.String(), func(ctx context.Context) (*Response, error) {
			resp, err := c.issue(ctx, fp, req)
			if err != nil {
				return nil, err
			}
			if storable(resp) {
				c.cache.Put(ctx, fp, resp, opts.TTLOverride)
			}
			return resp, nil
		})
		if shared {
			c.metrics.RecordDeduplicationHit(endpoint)
		}
		if err == nil {
			return resp, nil
		}

		decision := c.retryPolicy.Classify(err, attempt)
		switch decision.Action {
		case ActionRetry:
			if err := c.backoff(ctx, fp, err, attempt, decision.Delay); err != nil {
				return nil, err
			}
			continue
		case ActionFallbackToCache:
			entry, ok := c.cache.Get(ctx, fp)
			c.metrics.RecordCacheFallback(endpoint, ok)
			if ok {
				c.logger.Info("rate limited, serving cached response", "fingerprint", fp.String())
				return entry.Response(), nil
			}
		}
		return nil, c.fail(fp, err, attempt)
	}
}

func (c *Client) write(ctx context.Context, method, path string, body any) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}

	fp := NewFingerprint(method, path, nil)
	req := &Request{Method: fp.Method, Path: fp.Path, Params: queryValues(fp), Body: body}

	for attempt := 1; ; attempt++ {
		resp, err := c.issue(ctx, fp, req)
		if err == nil {
			c.ClearCacheFor(ctx, ResourceFamily(fp.Path))
			return resp, nil
		}

		decision := c.retryPolicy.Classify(err, attempt)
		if decision.Action == ActionRetry {
			if err := c.backoff(ctx, fp, err, attempt, decision.Delay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, c.fail(fp, err, attempt)
	}
}

// issue performs one throttled round trip and classifies the outcome.
func (c *Client) issue(ctx context.Context, fp Fingerprint, req *Request) (*Response, error) {
	endpoint := ResourceFamily(fp.Path)

	waited, err := c.throttle.Acquire(ctx, fp)
	if err != nil {
		return nil, err
	}
	if waited > 0 {
		c.metrics.RecordThrottleDelay(endpoint, waited)
		c.logger.Debug("request throttled", "fingerprint", fp.String(), "waited", waited)
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	c.metrics.RecordRequestStart(fp.Method, endpoint)
	defer c.metrics.RecordRequestEnd(fp.Method, endpoint)

	start := c.clock.Now()
	resp, err := c.transport.Send(ctx, req)
	duration := c.clock.Now().Sub(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		c.metrics.RecordRequest(fp.Method, endpoint, 0, duration)
		return nil, &ClientError{
			Type:      ErrorTypeNetwork,
			Message:   "network request failed",
			Cause:     err,
			Method:    fp.Method,
			Path:      fp.Path,
			Timestamp: start,
			Duration:  duration,
		}
	}

	c.metrics.RecordRequest(fp.Method, endpoint, resp.StatusCode, duration)
	if resp.StatusCode < 400 {
		return resp, nil
	}

	return nil, &ClientError{
		Type:       statusErrorType(resp.StatusCode, c.retryable),
		Message:    http.StatusText(resp.StatusCode),
		Method:     fp.Method,
		Path:       fp.Path,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), start),
		Timestamp:  start,
		Duration:   duration,
	}
}

func (c *Client) backoff(ctx context.Context, fp Fingerprint, err error, attempt int, delay time.Duration) error {
	errType := errorType(err)
	c.metrics.RecordRetry(fp.Method, ResourceFamily(fp.Path), errType)
	c.logger.Warn("retrying request",
		"fingerprint", fp.String(),
		"attempt", attempt,
		"delay", delay,
		"error_type", errType,
	)
	return c.sleep(ctx, delay)
}

func (c *Client) fail(fp Fingerprint, err error, attempt int) error {
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return err
	}
	c.metrics.RecordError(clientErr.Type, fp.Method, ResourceFamily(fp.Path))
	return clientErr.withAttempt(attempt)
}

func errorType(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return "unknown"
}

func queryValues(fp Fingerprint) url.Values {
	if fp.Query == "" {
		return nil
	}
	values, _ := url.ParseQuery(fp.Query)
	return values
}

func statusSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return set
}
