package reliability

import (
	"errors"
	"time"

	"github.com/ent0n29/stoicguide/internal/apperr"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a caller may repeat the failed operation
// unchanged and reasonably expect a different outcome.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, apperr.ErrRateLimited), errors.Is(err, apperr.ErrUpstreamUnavailable):
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
