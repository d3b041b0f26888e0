package bearer

import (
	"errors"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T, secret string) *Authority {
	t.Helper()
	a, err := New([]byte(secret))
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return a
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestMintVerify_RoundTrip(t *testing.T) {
	a := newTestAuthority(t, "test-secret")

	token, err := a.Mint("user-123", "agent-nexus", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("Subject = %q, want user-123", claims.Subject)
	}
	if claims.ClientID != "agent-nexus" {
		t.Errorf("ClientID = %q, want agent-nexus", claims.ClientID)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "user" {
		t.Errorf("Scopes = %v, want [user]", claims.Scopes)
	}
	if claims.ExpiresAt.Before(claims.IssuedAt) {
		t.Error("ExpiresAt before IssuedAt")
	}
}

func TestVerify_Expired(t *testing.T) {
	a := newTestAuthority(t, "test-secret")

	token, err := a.Mint("user-123", "agent-nexus", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := a.Verify(token); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated for expired token, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := newTestAuthority(t, "secret-a")
	verifier := newTestAuthority(t, "secret-b")

	token, err := issuer.Mint("user-123", "agent-nexus", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated for foreign signature, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	a := newTestAuthority(t, "test-secret")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"truncated", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Verify(tt.token); !errors.Is(err, ErrNotAuthenticated) {
				t.Fatalf("expected ErrNotAuthenticated, got %v", err)
			}
		})
	}
}

func TestMint_DefaultTTL(t *testing.T) {
	a := newTestAuthority(t, "test-secret")

	token, err := a.Mint("user-123", "agent-nexus", 0)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt)
	if ttl != DefaultTTL {
		t.Errorf("default ttl = %v, want %v", ttl, DefaultTTL)
	}
}
