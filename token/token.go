// Package token parses the bearer tokens an Attestation Service issues and
// defines how such tokens are obtained.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/google/go-kbs-client/keypair"
)

var (
	// ErrExpired is returned by Token.Check when the token is past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrNotYetValid is returned by Token.Check before the not-before time.
	ErrNotYetValid = errors.New("token not yet valid")
)

// Token is a compact serialized JWT together with its time claims. The
// signature is not checked here; that is the job of the KBS the token is
// presented to.
type Token struct {
	raw    string
	claims jwt.RegisteredClaims
}

// New parses raw. The token must carry an "exp" claim.
func New(raw string) (*Token, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return nil, errors.New("token has no exp claim")
	}
	return &Token{raw: raw, claims: *claims}, nil
}

// String returns the compact serialization.
func (t *Token) String() string {
	return t.raw
}

// Claims returns the registered claims of the token.
func (t *Token) Claims() jwt.RegisteredClaims {
	return t.claims
}

// IssuedAt returns the iat claim, or the zero time when absent.
func (t *Token) IssuedAt() time.Time {
	return numericTime(t.claims.IssuedAt)
}

// ExpiresAt returns the exp claim.
func (t *Token) ExpiresAt() time.Time {
	return numericTime(t.claims.ExpiresAt)
}

// NotBefore returns the nbf claim, or the zero time when absent.
func (t *Token) NotBefore() time.Time {
	return numericTime(t.claims.NotBefore)
}

// Check reports whether the token may be used at now, that is whether
// nbf <= now < exp.
func (t *Token) Check(now time.Time) error {
	if nbf := t.claims.NotBefore; nbf != nil && now.Before(nbf.Time) {
		return fmt.Errorf("%w: not before %v", ErrNotYetValid, nbf.Time.UTC())
	}
	if exp := t.ExpiresAt(); !now.Before(exp) {
		return fmt.Errorf("%w at %v", ErrExpired, exp.UTC())
	}
	return nil
}

// Valid is shorthand for Check(time.Now()) == nil. A nil token is invalid.
func (t *Token) Valid() bool {
	return t != nil && t.Check(time.Now()) == nil
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}

// Provider acquires a token from an Attestation Service. The key pair the
// token is bound to is returned with it and is owned by the caller.
type Provider interface {
	GetToken(ctx context.Context) (*Token, *keypair.TeeKeyPair, error)
}
