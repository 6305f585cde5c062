// Package auth verifies bearer credentials and guards identity-scoped access.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the canonical subject extracted from a verified credential.
type Identity string

func (id Identity) String() string { return string(id) }

var (
	// ErrNoCredential means no bearer credential was presented at all.
	ErrNoCredential = errors.New("no credential supplied")
	// ErrInvalidCredential covers malformed, unsigned, expired and tampered tokens.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrIdentityMismatch means the verified identity differs from the requested one.
	ErrIdentityMismatch = errors.New("identity mismatch")
)

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	Secret string
	Issuer string
	Leeway time.Duration
	Now    func() time.Time
}

// Verify returns the token subject. It has no side effects.
func (v Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoCredential
	}
	if strings.TrimSpace(v.Secret) == "" {
		return "", fmt.Errorf("%w: verifier secret not configured", ErrInvalidCredential)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	c := &claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidCredential
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		subject = strings.TrimSpace(c.UserID)
	}
	if subject == "" {
		return "", fmt.Errorf("%w: subject claim required", ErrInvalidCredential)
	}
	return Identity(subject), nil
}

// Signer mints tokens accepted by a Verifier with the same secret. It exists
// for tests and local development only.
type Signer struct {
	Secret string
	Issuer string
	Now    func() time.Time
}

func (s Signer) Sign(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: subject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.Secret))
}

// Authorize allows access only when the verified identity equals the
// requested one.
func Authorize(verified, requested Identity) error {
	if verified == "" || requested == "" || verified != requested {
		return ErrIdentityMismatch
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value. It
// reports false when the header carries no bearer credential at all: another
// scheme, or the scheme with nothing after it.
func BearerToken(header string) (string, bool) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	token := strings.TrimSpace(rest)
	if !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id != ""
}
