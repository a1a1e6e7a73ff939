package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.Sign("player-1", "Ada", *jwt.NewNumericDate(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.PlayerID != "player-1" || id.Username != "Ada" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.Sign("player-1", "Ada", *jwt.NewNumericDate(time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTVerifier("secret-a")
	verifier := NewJWTVerifier("secret-b")

	token, err := issuer.Sign("player-1", "Ada", *jwt.NewNumericDate(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected token signed with wrong secret to fail")
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := raw.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected subject-less token to fail")
	}
}

func TestUsernameDefaultsToSubject(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.Sign("player-1", "", *jwt.NewNumericDate(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Username != "player-1" {
		t.Fatalf("expected username to default to subject, got %q", id.Username)
	}
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{"tok": {PlayerID: "p1", Username: "One"}}

	id, err := v.Verify("tok")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.PlayerID != "p1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if _, err := v.Verify("nope"); err == nil {
		t.Fatal("expected unknown token to fail")
	}
}
