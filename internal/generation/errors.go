package generation

import (
	"fmt"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/reliability"
)

// StatusError is a non-2xx reply from the generation service. It unwraps to
// apperr.ErrUpstreamUnavailable.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation http status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return apperr.ErrUpstreamUnavailable }

// Retryable reports whether the upstream status suggests trying again later.
func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.StatusCode) }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrUpstreamUnavailable, err)
}

func protocolError(op string, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, apperr.ErrUpstreamProtocol, fmt.Sprintf(format, args...))
}
