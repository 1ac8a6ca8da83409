package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/logging"
)

// Credentials are the raw request credentials; either may be empty.
type Credentials struct {
	BearerToken string
	GuestToken  string
}

// Resolver maps request credentials to exactly one Identity.
type Resolver struct {
	tokens *Tokens
	users  UserStore
	logger *slog.Logger
}

func NewResolver(tokens *Tokens, users UserStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{tokens: tokens, users: users, logger: logger.With("component", "identity.resolver")}
}

// Resolve tries the bearer token first. A bearer token that fails
// verification, or that names a user who no longer exists, does not fail
// the request: resolution continues with the guest token. Without a usable
// guest token the result is apperr.ErrUnauthenticated. A failing user
// lookup is returned as is.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Identity, error) {
	if bearer := strings.TrimSpace(creds.BearerToken); bearer != "" {
		id, ok, err := r.resolveRegistered(ctx, bearer)
		if err != nil {
			return Identity{}, err
		}
		if ok {
			return id, nil
		}
	}

	if guest := strings.TrimSpace(creds.GuestToken); guest != "" {
		sessionID, err := r.tokens.VerifyGuestToken(guest)
		if err == nil {
			return Guest(sessionID), nil
		}
		r.logger.DebugContext(ctx, "guest token rejected", "error", err)
	}

	return Identity{}, apperr.ErrUnauthenticated
}

func (r *Resolver) resolveRegistered(ctx context.Context, bearer string) (Identity, bool, error) {
	userID, err := r.tokens.VerifyUserToken(bearer)
	if err != nil {
		r.logger.DebugContext(ctx, "bearer token rejected, trying guest", "error", err)
		return Identity{}, false, nil
	}
	u, err := r.users.UserByID(ctx, userID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		r.logger.DebugContext(ctx, "bearer token names unknown user, trying guest", "user_id", userID)
		return Identity{}, false, nil
	case err != nil:
		return Identity{}, false, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return Registered(u.ID, u.Email), true, nil
}
