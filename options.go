package fieldsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ambiyansyah-risyal/fieldsync/kv"
)

// WithDurableStore persists cached responses in store in addition to memory.
func WithDurableStore(store kv.Store) Option {
	return func(c *Client) {
		c.durable = store
	}
}

// WithResponseCache shares an existing cache. TTL and durable store options are
// then ignored for this client.
func WithResponseCache(cache *ResponseCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithCacheTTLs replaces the per-path TTL table and the fallback TTL.
func WithCacheTTLs(ttls map[string]time.Duration, fallback time.Duration) Option {
	return func(c *Client) {
		c.cacheTTLs = ttls
		c.defaultCacheTTL = fallback
	}
}

// WithDefaultCacheTTL sets the TTL for paths without a table entry.
func WithDefaultCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.defaultCacheTTL = d
	}
}

// WithThrottleIntervals replaces the per-path throttle table and the floor.
func WithThrottleIntervals(intervals map[string]time.Duration, floor time.Duration) Option {
	return func(c *Client) {
		c.throttleIntervals = intervals
		c.throttleFloor = floor
	}
}

// WithThrottleController shares an existing throttle controller.
func WithThrottleController(t *ThrottleController) Option {
	return func(c *Client) {
		c.throttle = t
	}
}

// WithMaxRetries sets the retry budget for generic retryable statuses.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the first backoff for network errors and generic retries.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithRetryableStatuses replaces the statuses retried as generic server errors.
func WithRetryableStatuses(codes ...int) Option {
	return func(c *Client) {
		c.retryable = statusSet(codes)
	}
}

// WithRetryPolicy replaces the retry classifier.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// WithRateLimit adds a process-wide pacing limit applied after per-endpoint
// throttling. Like throttling it delays, never rejects.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.paceLimit = limit
		c.paceBurst = burst
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithSleeper replaces how the pipeline waits for throttle and backoff delays.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleep = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger logs human-readable lines to stderr.
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger()
	}
}

// WithMetrics enables Prometheus metrics collection on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables Prometheus metrics on registry.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// IsValid reports whether the configuration passed validation.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration error, if any. Every operation on
// an invalid client returns it.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, c.validateTransportConfig()...)
	errs = append(errs, c.validateRetryConfig()...)
	errs = append(errs, c.validateCacheConfig()...)
	errs = append(errs, c.validateThrottleConfig()...)
	errs = append(errs, c.validateExtremeValues()...)

	if len(errs) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %s", strings.Join(errs, "; ")),
		}
	}

	return nil
}

func (c *Client) validateTransportConfig() []string {
	if c.transport == nil {
		return []string{"transport cannot be nil"}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errs []string

	if c.maxRetries < 0 {
		errs = append(errs, "maxRetries must be non-negative")
	}
	if c.baseDelay <= 0 {
		errs = append(errs, "baseDelay must be positive")
	}
	if c.paceLimit < 0 {
		errs = append(errs, "rate limit must be non-negative")
	}

	return errs
}

func (c *Client) validateCacheConfig() []string {
	var errs []string

	if c.defaultCacheTTL <= 0 {
		errs = append(errs, "default cache TTL must be positive")
	}
	for prefix, ttl := range c.cacheTTLs {
		if !strings.HasPrefix(prefix, "/") {
			errs = append(errs, fmt.Sprintf("cache TTL prefix %q must start with /", prefix))
		}
		if ttl <= 0 {
			errs = append(errs, fmt.Sprintf("cache TTL for %q must be positive", prefix))
		}
	}

	return errs
}

func (c *Client) validateThrottleConfig() []string {
	var errs []string

	if c.throttleFloor < 0 {
		errs = append(errs, "throttle floor must be non-negative")
	}
	for prefix, d := range c.throttleIntervals {
		if !strings.HasPrefix(prefix, "/") {
			errs = append(errs, fmt.Sprintf("throttle prefix %q must start with /", prefix))
		}
		if d < 0 {
			errs = append(errs, fmt.Sprintf("throttle interval for %q must be non-negative", prefix))
		}
	}

	return errs
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errs []string

	if c.maxRetries > 10 {
		errs = append(errs, "maxRetries > 10 may keep field devices waiting for minutes")
	}
	if c.baseDelay > time.Minute {
		errs = append(errs, "baseDelay > 1m may cause very long delays")
	}
	if c.defaultCacheTTL > 24*time.Hour {
		errs = append(errs, "default cache TTL > 24h may cause stale data issues")
	}

	return errs
}
