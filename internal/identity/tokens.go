package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer        = "stoicguide"
	guestTokenTyp = "guest"
	userTokenTyp  = "user"
)

var errWrongTokenType = errors.New("wrong token type")

type userClaims struct {
	Email string `json:"email"`
	Typ   string `json:"typ"`
	jwt.RegisteredClaims
}

type guestClaims struct {
	SessionID string `json:"sid"`
	Typ       string `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 tokens. User and guest tokens are signed
// with different secrets so one can never be replayed as the other.
type Tokens struct {
	userSecret  []byte
	guestSecret []byte
	userTTL     time.Duration
	now         func() time.Time
}

func NewTokens(userSecret, guestSecret string, userTTL time.Duration) *Tokens {
	if userTTL <= 0 {
		userTTL = 7 * 24 * time.Hour
	}
	return &Tokens{
		userSecret:  []byte(userSecret),
		guestSecret: []byte(guestSecret),
		userTTL:     userTTL,
		now:         time.Now,
	}
}

func (t *Tokens) IssueUserToken(u User) (string, error) {
	now := t.now()
	claims := userClaims{
		Email: u.Email,
		Typ:   userTokenTyp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.userTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.userSecret)
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return signed, nil
}

// VerifyUserToken checks signature and expiry and returns the user id.
func (t *Tokens) VerifyUserToken(raw string) (int64, error) {
	var claims userClaims
	if _, err := t.parser().ParseWithClaims(strings.TrimSpace(raw), &claims, keyFunc(t.userSecret)); err != nil {
		return 0, fmt.Errorf("parse user token: %w", err)
	}
	if claims.Typ != userTokenTyp {
		return 0, errWrongTokenType
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return id, nil
}

// IssueGuestToken signs a session id. Guest tokens carry no expiry; the
// session's idle TTL is enforced by the ephemeral store.
func (t *Tokens) IssueGuestToken(sessionID string) (string, error) {
	claims := guestClaims{
		SessionID: sessionID,
		Typ:       guestTokenTyp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(t.now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.guestSecret)
	if err != nil {
		return "", fmt.Errorf("sign guest token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) VerifyGuestToken(raw string) (string, error) {
	var claims guestClaims
	if _, err := t.parser().ParseWithClaims(strings.TrimSpace(raw), &claims, keyFunc(t.guestSecret)); err != nil {
		return "", fmt.Errorf("parse guest token: %w", err)
	}
	if claims.Typ != guestTokenTyp {
		return "", errWrongTokenType
	}
	if strings.TrimSpace(claims.SessionID) == "" {
		return "", errors.New("guest token without session id")
	}
	return claims.SessionID, nil
}

func (t *Tokens) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
}

func keyFunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secret, nil }
}
