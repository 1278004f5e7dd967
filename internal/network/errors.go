package network

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means the network rejected the credentials. It is fatal for the
	// session; nothing retries it automatically.
	ErrAuth = errors.New("network authentication failed")
	// ErrNetwork is a transient transport failure. Sessions reconnect with backoff.
	ErrNetwork = errors.New("network unavailable")
	// ErrRateLimited means the network asked us to slow down. Match *RateLimitError
	// with errors.As to read the hint.
	ErrRateLimited = errors.New("network rate limit exceeded")
	// ErrRejected means the network refused this particular request, for example
	// an unknown chat. Retrying the same request will not help.
	ErrRejected = errors.New("network rejected the request")
	// ErrUnknownNetwork is returned for an account whose network has no registered driver.
	ErrUnknownNetwork = errors.New("unknown network")
)

// RateLimitError carries the wait the network asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// AuthError wraps ErrAuth with a network-specific message.
func AuthError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuth, fmt.Sprintf(format, args...))
}

// RejectedError wraps ErrRejected with a network-specific message.
func RejectedError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// TransportError wraps ErrNetwork around the underlying cause.
func TransportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

// RetryAfter returns the rate-limit hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr.RetryAfter, true
	}
	return 0, false
}

// Kind names the failure class of err for status reporting.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

// StatusReason formats err the way accounts.status_reason stores it.
func StatusReason(err error) string {
	if err == nil {
		return ""
	}
	return Kind(err) + ": " + err.Error()
}
