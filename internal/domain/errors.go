package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("not found")
	ErrAuthExpired        = errors.New("auth expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrBrokerRejected     = errors.New("broker rejected")
	ErrBrokerUnreachable  = errors.New("broker unreachable")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrTimeout            = errors.New("timeout")
	ErrInternal           = errors.New("internal error")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrLockHeld           = errors.New("lock already held")
	ErrQueueFull          = errors.New("queue full")
	ErrDuplicate          = errors.New("duplicate")
	ErrStrategyDisabled   = errors.New("strategy disabled")
)

// RateLimitedError carries the broker's requested retry delay. It matches
// ErrRateLimited under errors.Is so callers can branch without unwrapping.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// BrokerRejectedError is a definitive decline from the broker (including a
// 2xx response whose body carries a structured error). Never retried.
type BrokerRejectedError struct {
	Reason string
}

func (e *BrokerRejectedError) Error() string {
	return fmt.Sprintf("broker rejected: %s", e.Reason)
}

func (e *BrokerRejectedError) Is(target error) bool { return target == ErrBrokerRejected }

// ErrorKind names the error-model kind an error maps to, for structured
// failure records and API responses. Unknown errors report "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrBrokerRejected):
		return "broker_rejected"
	case errors.Is(err, ErrBrokerUnreachable):
		return "broker_unreachable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	}
	return "internal"
}

// Retriable reports whether an error should be retried with backoff.
// Only rate limits and transport failures qualify; rejections, auth
// failures, and integrity violations are terminal for the attempt.
func Retriable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBrokerUnreachable)
}
