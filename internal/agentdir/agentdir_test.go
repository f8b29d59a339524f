package agentdir

import (
	"crypto/ed25519"
	"regexp"
	"testing"
)

var agentIDPattern = regexp.MustCompile(`^ag_[0-9A-Za-z]{12}$`)

func TestGenerateAgentIDMatchesFormat(t *testing.T) {
	t.Parallel()

	id, err := GenerateAgentID()
	if err != nil {
		t.Fatalf("GenerateAgentID() error = %v", err)
	}
	if !agentIDPattern.MatchString(id) {
		t.Errorf("GenerateAgentID() = %q, want match of %s", id, agentIDPattern)
	}
}

func TestGenerateAgentIDProducesDistinctIDs(t *testing.T) {
	t.Parallel()

	id1, _ := GenerateAgentID()
	id2, _ := GenerateAgentID()
	if id1 == id2 {
		t.Error("two GenerateAgentID() calls returned the same id")
	}
}

func TestHasCapabilitiesRequiresSuperset(t *testing.T) {
	t.Parallel()

	a := &Agent{Capabilities: []string{"code", "search", "shell"}}

	if !a.HasCapabilities([]string{"code", "search"}) {
		t.Error("HasCapabilities() = false, want true for a subset requirement")
	}
	if a.HasCapabilities([]string{"code", "vision"}) {
		t.Error("HasCapabilities() = true, want false when a required capability is missing")
	}
	if !a.HasCapabilities(nil) {
		t.Error("HasCapabilities(nil) = false, want true (empty requirement always satisfied)")
	}
}

func TestVerifyChallengeSignatureRejectsMissingPublicKey(t *testing.T) {
	t.Parallel()

	a := &Agent{}
	if err := a.VerifyChallengeSignature([]byte("challenge"), []byte("sig")); err != ErrNoPublicKey {
		t.Errorf("error = %v, want ErrNoPublicKey", err)
	}
}

func TestVerifyChallengeSignatureAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey() error = %v", err)
	}
	challenge := []byte("random-challenge-bytes")
	sig := ed25519.Sign(priv, challenge)

	a := &Agent{PublicKey: pub}
	if err := a.VerifyChallengeSignature(challenge, sig); err != nil {
		t.Errorf("VerifyChallengeSignature() error = %v, want nil", err)
	}
}

func TestVerifyChallengeSignatureRejectsBadSignature(t *testing.T) {
	t.Parallel()

	pub, _, _ := ed25519.GenerateKey(nil)
	a := &Agent{PublicKey: pub}

	if err := a.VerifyChallengeSignature([]byte("challenge"), []byte("not-a-real-signature-00000000000")); err != ErrInvalidSignature {
		t.Errorf("error = %v, want ErrInvalidSignature", err)
	}
}
