package auth

import (
	"testing"
	"time"
)

func newTestService() *Service {
	return NewService(Config{
		JWTSecret:     "test-secret",
		TokenDuration: time.Hour,
		BCryptCost:    4, // minimum cost keeps the test fast
	})
}

// TestPasswordRoundTrip hashes and verifies a password.
func TestPasswordRoundTrip(t *testing.T) {
	svc := newTestService()

	hash, err := svc.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if err := svc.ComparePassword(hash, "correct horse battery staple"); err != nil {
		t.Errorf("ComparePassword with the right password: %v", err)
	}
	if err := svc.ComparePassword(hash, "wrong"); err != ErrInvalidCredentials {
		t.Errorf("ComparePassword with the wrong password = %v, want ErrInvalidCredentials", err)
	}
}

// TestTokenRoundTrip issues and validates a session token.
func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService()

	token, err := svc.GenerateToken("operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "operator" {
		t.Errorf("claims username = %q, want operator", claims.Username)
	}
}

// TestValidateRejectsGarbage rejects malformed and foreign tokens.
func TestValidateRejectsGarbage(t *testing.T) {
	svc := newTestService()

	if _, err := svc.ValidateToken("not-a-token"); err != ErrInvalidToken {
		t.Errorf("ValidateToken(garbage) = %v, want ErrInvalidToken", err)
	}

	// A token signed with a different secret must not validate.
	other := NewService(Config{JWTSecret: "other-secret"})
	token, err := other.GenerateToken("operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := svc.ValidateToken(token); err != ErrInvalidToken {
		t.Errorf("ValidateToken(foreign) = %v, want ErrInvalidToken", err)
	}
}
