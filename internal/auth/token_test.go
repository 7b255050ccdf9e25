package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type revokedSet map[string]bool

func (s revokedSet) IsRevoked(_ context.Context, jti string) (bool, error) { return s[jti], nil }

func TestIssueAndVerifyToken(t *testing.T) {
	sec := "secret123"
	tok, err := IssueToken(sec, "user-42", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := NewVerifier(sec, nil).Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("subject mismatch: %q", claims.Subject)
	}
	if claims.ID == "" {
		t.Fatalf("expected a token id")
	}
}

func TestBadSignature(t *testing.T) {
	tok, _ := IssueToken("secret123", "user-42", 5*time.Minute)

	_, err := NewVerifier("other-secret", nil).Verify(context.Background(), tok)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	tok, _ := IssueToken("secret123", "user-42", -time.Hour)
	_, err := NewVerifier("secret123", nil).Verify(context.Background(), tok)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenWithoutSubjectOrExpiry(t *testing.T) {
	sec := []byte("secret123")
	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(sec)
	if _, err := NewVerifier("secret123", nil).Verify(context.Background(), noSub); !errors.Is(err, ErrNoSubject) {
		t.Fatalf("expected ErrNoSubject, got %v", err)
	}

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).SignedString(sec)
	if _, err := NewVerifier("secret123", nil).Verify(context.Background(), noExp); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	if _, err := NewVerifier("secret123", nil).Verify(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestRevokedToken(t *testing.T) {
	tok, _ := IssueToken("secret123", "user-42", time.Minute)
	claims, err := NewVerifier("secret123", nil).Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	v := NewVerifier("secret123", revokedSet{claims.ID: true})
	if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/voice?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token: %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header token: %q", got)
	}
}
