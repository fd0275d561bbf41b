package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}

	if pkce.CodeChallengeMethod != "S256" {
		t.Errorf("Expected S256, got %q", pkce.CodeChallengeMethod)
	}
	if len(pkce.CodeVerifier) != 43 {
		t.Errorf("Expected 43-character verifier, got %d", len(pkce.CodeVerifier))
	}

	hash := sha256.Sum256([]byte(pkce.CodeVerifier))
	expected := base64.RawURLEncoding.EncodeToString(hash[:])
	if pkce.CodeChallenge != expected {
		t.Error("Challenge is not the S256 hash of the verifier")
	}
}

func TestGeneratePKCE_Unique(t *testing.T) {
	a, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}
	if a.CodeVerifier == b.CodeVerifier {
		t.Error("Expected distinct verifiers")
	}
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState failed: %v", err)
	}
	if len(state) < 32 {
		t.Errorf("Expected at least 32 characters of state, got %d", len(state))
	}
	if _, err := base64.RawURLEncoding.DecodeString(state); err != nil {
		t.Errorf("State is not base64url: %v", err)
	}

	other, err := GenerateState()
	if err != nil {
		t.Fatal(err)
	}
	if state == other {
		t.Error("Expected distinct state values")
	}
}
