// Package auth resolves connection credentials into user identities. Token
// issuance lives elsewhere; the coordinator only verifies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is an authenticated user.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// Error rejects a connection before any room interaction.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Authenticator verifies a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Static authenticates against a fixed token table. It is meant for
// development and tests.
type Static map[string]Identity

// NewStatic builds a Static authenticator from a token -> user id table.
func NewStatic(tokens map[string]string) Static {
	s := make(Static, len(tokens))
	for tok, user := range tokens {
		s[tok] = Identity{UserID: user, Name: user}
	}
	return s
}

func (s Static) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &Error{Reason: "missing token"}
	}
	id, ok := s[token]
	if !ok {
		return Identity{}, &Error{Reason: "unknown token"}
	}
	return id, nil
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens whose subject is the user id.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWT returns a verifier for tokens signed with secret. A non-empty issuer
// must match the token's iss claim.
func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (j *JWT) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &Error{Reason: "missing token"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &Error{Reason: "expired token", Err: err}
		}
		return Identity{}, &Error{Reason: "invalid token", Err: err}
	}
	if c.Subject == "" {
		return Identity{}, &Error{Reason: "token has no subject"}
	}
	return Identity{UserID: c.Subject, Name: c.Name}, nil
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (Identity, error) {
	err := error(&Error{Reason: "no authenticator configured"})
	for _, a := range c {
		id, aerr := a.Authenticate(ctx, token)
		if aerr == nil {
			return id, nil
		}
		err = aerr
	}
	return Identity{}, err
}

// TokenFromHeader extracts the token of an "Authorization: Bearer" header.
func TokenFromHeader(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
