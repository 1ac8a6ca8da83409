package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/reliability"
)

type errorResponse struct {
	Error       string                `json:"error"`
	Code        string                `json:"code"`
	Retryable   bool                  `json:"retryable"`
	UserMessage *conversation.Message `json:"user_message,omitempty"`
}

// classify maps an error to its HTTP status and outward code. Anything
// without a sentinel is internal.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errors.Is(err, apperr.ErrUpstreamProtocol):
		return http.StatusBadGateway, "upstream_protocol_error"
	case errors.Is(err, apperr.ErrEmailTaken):
		return http.StatusConflict, "email_taken"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// publicMessage hides wrapped detail except for validation failures, which
// the caller needs to fix the request.
func publicMessage(err error, code string) string {
	switch code {
	case "invalid_request":
		return err.Error()
	case "invalid_credentials":
		return apperr.ErrInvalidCredentials.Error()
	case "unauthenticated":
		return apperr.ErrUnauthenticated.Error()
	case "not_found":
		return apperr.ErrNotFound.Error()
	case "rate_limited":
		return apperr.ErrRateLimited.Error()
	case "upstream_unavailable":
		return apperr.ErrUpstreamUnavailable.Error()
	case "upstream_protocol_error":
		return apperr.ErrUpstreamProtocol.Error()
	case "email_taken":
		return apperr.ErrEmailTaken.Error()
	default:
		return "internal error"
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	s.respondFailure(w, r, err, nil)
}

// respondFailure writes the error body. userMsg is set when a send stored
// the user message before failing.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error, userMsg *conversation.Message) {
	status, code := classify(err)
	switch {
	case status == http.StatusInternalServerError:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	case status >= 500:
		s.logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	respondJSON(w, status, errorResponse{
		Error:       publicMessage(err, code),
		Code:        code,
		Retryable:   reliability.IsRetryable(err),
		UserMessage: userMsg,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
