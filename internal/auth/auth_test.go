package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskline/internal/auth"
)

const secret = "test-secret"

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestVerifyRoundTrip(t *testing.T) {
	signer := auth.Signer{Secret: secret, Issuer: "taskline", Now: clock}
	tok, err := signer.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v := auth.Verifier{Secret: secret, Issuer: "taskline", Now: clock}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "user-1" {
		t.Fatalf("identity = %q", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := auth.Verifier{Secret: secret, Now: clock}
	valid, err := auth.Signer{Secret: secret, Now: clock}.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := auth.Signer{Secret: secret, Now: func() time.Time { return fixedNow.Add(-2 * time.Hour) }}.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := auth.Signer{Secret: "other", Now: clock}.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "user-1", "exp": fixedNow.Add(time.Hour).Unix()}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", auth.ErrNoCredential},
		{"garbage", "not-a-jwt", auth.ErrInvalidCredential},
		{"expired", expired, auth.ErrInvalidCredential},
		{"wrong key", otherKey, auth.ErrInvalidCredential},
		{"tampered", valid[:len(valid)-2] + "xx", auth.ErrInvalidCredential},
		{"no expiry", noExp, auth.ErrInvalidCredential},
		{"wrong alg", hs512, auth.ErrInvalidCredential},
		{"no subject", noSubject, auth.ErrInvalidCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyUserIDClaimFallback(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "legacy-user",
		"exp":     fixedNow.Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	id, err := auth.Verifier{Secret: secret, Now: clock}.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "legacy-user" {
		t.Fatalf("identity = %q", id)
	}
}

func TestVerifyLeeway(t *testing.T) {
	tok, err := auth.Signer{Secret: secret, Now: func() time.Time { return fixedNow.Add(-time.Hour - 10*time.Second) }}.Sign("u", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (auth.Verifier{Secret: secret, Now: clock}).Verify(tok); err == nil {
		t.Fatalf("expected expiry without leeway")
	}
	if _, err := (auth.Verifier{Secret: secret, Now: clock, Leeway: 30 * time.Second}).Verify(tok); err != nil {
		t.Fatalf("leeway should accept: %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	if err := auth.Authorize("a", "a"); err != nil {
		t.Fatalf("same identity: %v", err)
	}
	for _, pair := range [][2]auth.Identity{{"a", "b"}, {"", ""}, {"a", ""}, {"", "a"}} {
		if err := auth.Authorize(pair[0], pair[1]); !errors.Is(err, auth.ErrIdentityMismatch) {
			t.Fatalf("%v: got %v", pair, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := auth.BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("got %q %v", tok, ok)
	}
	if tok, ok := auth.BearerToken("bearer   abc"); !ok || tok != "abc" {
		t.Fatalf("got %q %v", tok, ok)
	}
	if tok, ok := auth.BearerToken("Bearer a b"); !ok || tok != "a b" {
		t.Fatalf("malformed bearer credential should still parse, got %q %v", tok, ok)
	}
	for _, h := range []string{"", "Basic abc", "Bearer", "Bearer   ", "Token abc"} {
		if _, ok := auth.BearerToken(h); ok {
			t.Fatalf("%q should not parse", h)
		}
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := auth.IdentityFromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no identity")
	}
	ctx := auth.WithIdentity(context.Background(), "u1")
	id, ok := auth.IdentityFromContext(ctx)
	if !ok || id != "u1" {
		t.Fatalf("got %q %v", id, ok)
	}
}
