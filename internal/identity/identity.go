// Package identity resolves who is acting on a request: a registered user
// holding a bearer token, or an anonymous guest holding a signed session
// token.
package identity

import (
	"context"
	"strconv"
	"time"
)

type Kind string

const (
	KindRegistered Kind = "registered"
	KindGuest      Kind = "guest"
)

// Identity is the resolved actor of a request. Exactly one of UserID or
// SessionID is meaningful, selected by Kind.
type Identity struct {
	Kind      Kind
	UserID    int64
	Email     string
	SessionID string
}

func Registered(userID int64, email string) Identity {
	return Identity{Kind: KindRegistered, UserID: userID, Email: email}
}

func Guest(sessionID string) Identity {
	return Identity{Kind: KindGuest, SessionID: sessionID}
}

// Owner is the key conversations are stored under.
func (i Identity) Owner() string {
	if i.Kind == KindRegistered {
		return strconv.FormatInt(i.UserID, 10)
	}
	return i.SessionID
}

func (i Identity) IsGuest() bool { return i.Kind == KindGuest }

// User is a durable account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists accounts. UserByEmail and UserByID return
// apperr.ErrNotFound when no account matches; CreateUser returns
// apperr.ErrEmailTaken on a duplicate email.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
}

type ctxKey struct{}

// WithIdentity stores id in ctx for downstream handlers.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
