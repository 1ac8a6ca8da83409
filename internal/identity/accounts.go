package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/stoicguide/internal/apperr"
)

// Accounts implements register and login on top of a UserStore.
type Accounts struct {
	users  UserStore
	tokens *Tokens
	cost   int
}

func NewAccounts(users UserStore, tokens *Tokens) *Accounts {
	return &Accounts{users: users, tokens: tokens, cost: bcrypt.DefaultCost}
}

// Session is what register and login hand back to the client.
type Session struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

func (a *Accounts) Register(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	u, err := a.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		return Session{}, err
	}
	return a.issue(u)
}

// Login returns apperr.ErrInvalidCredentials for an unknown email and for a
// wrong password alike.
func (a *Accounts) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := a.users.UserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Session{}, apperr.ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Session{}, apperr.ErrInvalidCredentials
	}
	return a.issue(u)
}

func (a *Accounts) Me(ctx context.Context, id Identity) (User, error) {
	if id.Kind != KindRegistered {
		return User{}, apperr.ErrUnauthenticated
	}
	return a.users.UserByID(ctx, id.UserID)
}

func (a *Accounts) issue(u User) (Session, error) {
	token, err := a.tokens.IssueUserToken(u)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: token}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
