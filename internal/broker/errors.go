package broker

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// MapHTTPStatus converts a non-2xx broker response into the structured
// error kinds the rest of the system branches on. retryAfter is the raw
// Retry-After header value, seconds or empty.
func MapHTTPStatus(statusCode int, body []byte, retryAfter string) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrAuthExpired, statusCode, trimBody(body))
	case statusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(retryAfter)}
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404: %s", domain.ErrNotFound, trimBody(body))
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrBrokerUnreachable, statusCode, trimBody(body))
	default:
		return &domain.BrokerRejectedError{Reason: fmt.Sprintf("HTTP %d: %s", statusCode, trimBody(body))}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// trimBody caps error-message bodies so a broker HTML error page does
// not flood the logs.
func trimBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
