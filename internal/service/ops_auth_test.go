package service

import (
	"errors"
	"testing"
	"time"
)

func TestOpsTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, expiresAt, err := GenerateOpsToken("ops-secret-for-tests-0123456789abcdef", " Alice ", time.Hour, now)
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}
	if !expiresAt.After(now) {
		t.Fatalf("expiry should be in the future")
	}
	claims, err := ParseOpsToken("ops-secret-for-tests-0123456789abcdef", token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if claims.Operator != "alice" || claims.Subject != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestOpsTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	token, _, err := GenerateOpsToken("secret-a", "bob", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}
	if _, err := ParseOpsToken("secret-b", token); !errors.Is(err, ErrOpsTokenInvalid) {
		t.Fatalf("wrong secret should be rejected, got %v", err)
	}

	expired, _, err := GenerateOpsToken("secret-a", "bob", time.Minute, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("generate token failed: %v", err)
	}
	if _, err := ParseOpsToken("secret-a", expired); !errors.Is(err, ErrOpsTokenInvalid) {
		t.Fatalf("expired token should be rejected, got %v", err)
	}

	if _, _, err := GenerateOpsToken("", "bob", time.Hour, time.Now()); !errors.Is(err, ErrOpsSecretMissing) {
		t.Fatalf("missing secret should fail, got %v", err)
	}
}
