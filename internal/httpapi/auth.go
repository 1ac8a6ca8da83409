package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/policy"
	"github.com/ent0n29/stoicguide/internal/session"
)

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type guestSessionResponse struct {
	Token   string        `json:"token"`
	Session session.Lease `json:"session"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	sess, err := s.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrEmailTaken) {
			s.logger.InfoContext(r.Context(), "registration for existing email", "email", policy.MaskEmail(req.Email))
		}
		s.respondErr(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "user registered", "user_id", sess.User.ID, "email", policy.MaskEmail(sess.User.Email))
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	sess, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidCredentials) {
			s.logger.InfoContext(r.Context(), "login rejected", "email", policy.MaskEmail(req.Email))
		}
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.Me(r.Context(), identityFrom(r))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = apperr.ErrUnauthenticated
		}
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// handleCreateGuestSession opens a fresh guest lease and signs its id.
func (s *Server) handleCreateGuestSession(w http.ResponseWriter, r *http.Request) {
	lease, err := s.guests.OpenNew()
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	token, err := s.tokens.IssueGuestToken(lease.SessionID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("opened").Inc()
		s.metrics.GuestSessions.Set(float64(s.guests.Len()))
	}
	respondJSON(w, http.StatusCreated, guestSessionResponse{Token: token, Session: lease})
}

// decodeValid decodes a JSON body into out and runs its validate tags.
// Both failures are apperr.ErrValidation.
func (s *Server) decodeValid(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil {
		if errors.Is(err, errEmptyBody) {
			return fmt.Errorf("%w: request body is required", apperr.ErrValidation)
		}
		return fmt.Errorf("%w: invalid json: %v", apperr.ErrValidation, err)
	}
	if err := s.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %s", apperr.ErrValidation, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "email":
			parts = append(parts, field+" must be a valid email address")
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}
