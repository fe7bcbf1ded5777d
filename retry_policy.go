package fieldsync

import (
	"errors"
	"time"

	"github.com/ambiyansyah-risyal/fieldsync/internal/backoff"
)

// RetryAction is what the pipeline does after a failed attempt.
type RetryAction int

const (
	// ActionFail surfaces the error to the caller.
	ActionFail RetryAction = iota
	// ActionRetry waits Delay and re-enters the pipeline from the cache check.
	ActionRetry
	// ActionFallbackToCache answers from cache if a fresh entry exists.
	ActionFallbackToCache
)

func (a RetryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallbackToCache:
		return "fallback_to_cache"
	default:
		return "fail"
	}
}

// RetryDecision is the outcome of classifying a failed attempt.
type RetryDecision struct {
	Action RetryAction
	Delay  time.Duration
}

// RetryPolicy classifies a failure on a given attempt (1-based).
type RetryPolicy interface {
	Classify(err error, attempt int) RetryDecision
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(err error, attempt int) RetryDecision

// Classify implements RetryPolicy.
func (f RetryPolicyFunc) Classify(err error, attempt int) RetryDecision {
	return f(err, attempt)
}

const (
	// DefaultMaxRetries bounds retries of generic retryable statuses.
	DefaultMaxRetries = 2
	// DefaultBaseDelay is the first backoff for network and generic retries.
	DefaultBaseDelay = time.Second

	unavailableRetries  = 3
	unavailableBase     = 2 * time.Second
	unavailableMaxDelay = 10 * time.Second
	networkRetries      = 2
)

// DefaultRetryableStatuses are retried as generic server errors. 503 has its own
// schedule and 429 is never retried.
func DefaultRetryableStatuses() []int {
	return []int{408, 500, 502, 503, 504}
}

// DefaultRetryPolicy implements the engine's retry table:
//
//	429                  -> fall back to cache
//	503                  -> min(10s, 2s*2^(n-1)), up to 3 retries
//	network error        -> base*2^(n-1), up to 2 retries
//	408/500/502/504      -> base*2^(n-1), up to maxRetries
//	anything else        -> fail
type DefaultRetryPolicy struct {
	maxRetries  int
	general     *backoff.Calculator
	unavailable *backoff.Calculator
}

// NewDefaultRetryPolicy creates the default policy with the given generic retry
// budget and base delay.
func NewDefaultRetryPolicy(maxRetries int, baseDelay time.Duration) *DefaultRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &DefaultRetryPolicy{
		maxRetries:  maxRetries,
		general:     backoff.Exponential(baseDelay, 0),
		unavailable: backoff.Exponential(unavailableBase, unavailableMaxDelay),
	}
}

// Classify implements RetryPolicy.
func (p *DefaultRetryPolicy) Classify(err error, attempt int) RetryDecision {
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return RetryDecision{Action: ActionFail}
	}

	switch clientErr.Type {
	case ErrorTypeRateLimited:
		return RetryDecision{Action: ActionFallbackToCache}
	case ErrorTypeServiceUnavailable:
		if attempt <= unavailableRetries {
			return RetryDecision{Action: ActionRetry, Delay: p.unavailable.Delay(attempt)}
		}
	case ErrorTypeNetwork:
		if attempt <= networkRetries {
			return RetryDecision{Action: ActionRetry, Delay: p.general.Delay(attempt)}
		}
	case ErrorTypeRetryableServer:
		if attempt <= p.maxRetries {
			return RetryDecision{Action: ActionRetry, Delay: p.general.Delay(attempt)}
		}
	}
	return RetryDecision{Action: ActionFail}
}

// MaxRetries returns the generic retry budget.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}
