package fieldsync

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error types produced by the pipeline and the offline store.
const (
	ErrorTypeNetwork            = "TransientNetwork"
	ErrorTypeRateLimited        = "RateLimited"
	ErrorTypeServiceUnavailable = "ServiceUnavailable"
	ErrorTypeRetryableServer    = "RetryableServerError"
	ErrorTypeClient             = "ClientError"
	ErrorTypeServer             = "ServerError"
	ErrorTypeStorage            = "StorageError"
	ErrorTypeValidation         = "Validation"
)

// Sentinels for errors.Is. They match any *ClientError of the same Type.
var (
	ErrNetwork            = &ClientError{Type: ErrorTypeNetwork, Message: "network request failed"}
	ErrRateLimited        = &ClientError{Type: ErrorTypeRateLimited, Message: "rate limited"}
	ErrServiceUnavailable = &ClientError{Type: ErrorTypeServiceUnavailable, Message: "service unavailable"}
	ErrRetryableServer    = &ClientError{Type: ErrorTypeRetryableServer, Message: "server error"}
	ErrClient             = &ClientError{Type: ErrorTypeClient, Message: "request rejected"}
	ErrServer             = &ClientError{Type: ErrorTypeServer, Message: "server error"}
	ErrStorage            = &ClientError{Type: ErrorTypeStorage, Message: "storage failure"}
	ErrValidation         = &ClientError{Type: ErrorTypeValidation, Message: "invalid input"}
)

// ClientError is the structured error returned by every Client operation.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Attempt    int
	RetryAfter time.Duration
	Timestamp  time.Time
	Duration   time.Duration
}

// IsTransient determines if an error represents a transient failure that might succeed later.
// Rate limiting counts as transient even though the pipeline never retries it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeRateLimited, ErrorTypeServiceUnavailable, ErrorTypeRetryableServer:
			return true
		default:
			return false
		}
	}

	return false
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Method != "" || e.Path != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Method, e.Path, msg)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d)", msg, e.Attempt)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error Type: %s\n", e.Type)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.Method != "" {
		fmt.Fprintf(&b, "Method: %s\n", e.Method)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "Path: %s\n", e.Path)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, "Attempt: %d\n", e.Attempt)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, "Retry-After: %v\n", e.RetryAfter)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

// withAttempt returns a copy tagged with the attempt number. Coalesced callers
// share one error value, so the original is never mutated.
func (e *ClientError) withAttempt(attempt int) *ClientError {
	cp := *e
	cp.Attempt = attempt
	return &cp
}

// statusErrorType maps an HTTP status to an error type. retryable is the set of
// statuses the retry policy treats as generic retryable server errors.
func statusErrorType(status int, retryable map[int]bool) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimited
	case status == http.StatusServiceUnavailable:
		return ErrorTypeServiceUnavailable
	case retryable[status]:
		return ErrorTypeRetryableServer
	case status >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeClient
	}
}

// parseRetryAfter parses the Retry-After header (seconds or HTTP-date).
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
