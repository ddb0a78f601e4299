package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyPairIsStable(t *testing.T) {
	tempDir := t.TempDir()
	signingPath := filepath.Join(tempDir, "keys", "signing_private.pem")
	agreementPath := filepath.Join(tempDir, "keys", "agreement_private.pem")

	first, err := EnsureKeyPair(signingPath, agreementPath)
	if err != nil {
		t.Fatalf("first EnsureKeyPair failed: %v", err)
	}
	second, err := EnsureKeyPair(signingPath, agreementPath)
	if err != nil {
		t.Fatalf("second EnsureKeyPair failed: %v", err)
	}

	if !bytes.Equal(first.SigningPublicKey(), second.SigningPublicKey()) {
		t.Fatalf("expected stable signing key across runs")
	}
	if !bytes.Equal(first.AgreementPublicKey(), second.AgreementPublicKey()) {
		t.Fatalf("expected stable agreement key across runs")
	}
	if len(first.SigningPublicKey()) != p256PublicKeySize {
		t.Fatalf("expected %d-byte signing public key, got %d", p256PublicKeySize, len(first.SigningPublicKey()))
	}

	info, err := os.Stat(signingPath)
	if err != nil {
		t.Fatalf("stat signing key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected signing key mode 0600, got %o", perm)
	}
}

func TestLoadSigningKeyRejectsWrongPEMType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agreement.pem")
	key, err := GenerateAgreementKey()
	if err != nil {
		t.Fatalf("GenerateAgreementKey failed: %v", err)
	}
	if err := SaveAgreementKey(path, key); err != nil {
		t.Fatalf("SaveAgreementKey failed: %v", err)
	}

	if _, err := LoadSigningKey(path); err == nil {
		t.Fatalf("expected agreement PEM to be rejected as a signing key")
	}
}

func TestFormatFingerprintGroupsByFour(t *testing.T) {
	got := FormatFingerprint("deadbeefcafe01")
	if got != "DEAD BEEF CAFE 01" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty fingerprint to stay empty")
	}
}
