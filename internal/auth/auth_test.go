package auth

import (
	"testing"
	"time"
)

func TestHandshakeValidator_AcceptsExactMatch(t *testing.T) {
	v := NewHandshakeValidator("s3cr3t")
	if err := v.Validate("s3cr3t"); err != nil {
		t.Fatalf("expected valid token to pass, got %v", err)
	}
}

func TestHandshakeValidator_RejectsMismatch(t *testing.T) {
	v := NewHandshakeValidator("s3cr3t")
	if err := v.Validate("wrong"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHandshakeValidator_RejectsWhenUnconfigured(t *testing.T) {
	v := NewHandshakeValidator("")
	if err := v.Validate("anything"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for unconfigured validator, got %v", err)
	}
}

func TestCallbackSigner_RoundTrip(t *testing.T) {
	s := NewCallbackSigner("signing-secret", time.Minute)
	token, err := s.Sign("req-1", "alice", "approve")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.RequestID != "req-1" || claims.Guardian != "alice" || claims.Decision != "approve" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestCallbackSigner_RejectsExpiredToken(t *testing.T) {
	s := NewCallbackSigner("signing-secret", -time.Minute)
	token, err := s.Sign("req-1", "alice", "approve")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s.Verify(token); err != ErrCallbackExpired {
		t.Fatalf("expected ErrCallbackExpired, got %v", err)
	}
}

func TestCallbackSigner_RejectsTamperedToken(t *testing.T) {
	s := NewCallbackSigner("signing-secret", time.Minute)
	token, err := s.Sign("req-1", "alice", "approve")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	other := NewCallbackSigner("different-secret", time.Minute)
	if _, err := other.Verify(token); err != ErrCallbackInvalid {
		t.Fatalf("expected ErrCallbackInvalid for wrong secret, got %v", err)
	}
}

func TestGuardianList_EmptyMeansEveryoneTrusted(t *testing.T) {
	l := NewGuardianList(nil)
	if !l.IsGuardian("anyone") {
		t.Fatal("expected empty guardian list to trust everyone")
	}
}

func TestGuardianList_RestrictsToConfiguredIdentities(t *testing.T) {
	l := NewGuardianList([]string{"alice", "bob"})
	if !l.IsGuardian("alice") {
		t.Fatal("expected alice to be a guardian")
	}
	if l.IsGuardian("mallory") {
		t.Fatal("expected mallory to not be a guardian")
	}
}
