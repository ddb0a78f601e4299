package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func generateKeyPair(t *testing.T) *KeyPair {
	t.Helper()

	signing, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	agreement, err := GenerateAgreementKey()
	if err != nil {
		t.Fatalf("generate agreement key: %v", err)
	}
	return &KeyPair{Signing: signing, Agreement: agreement}
}

func TestDeriveAndSealRoundTrip(t *testing.T) {
	responder := generateKeyPair(t)
	initiator := generateKeyPair(t)

	message := []byte("c2Vzc2lvbi1rZXktbWF0ZXJpYWw=")
	cipherText, signature, err := responder.DeriveAndSeal(initiator.AgreementPublicKey(), message)
	if err != nil {
		t.Fatalf("DeriveAndSeal failed: %v", err)
	}
	if bytes.Contains(cipherText, message) {
		t.Fatalf("expected ciphertext to hide the message")
	}

	plaintext, err := initiator.OpenAndVerify(responder.SigningPublicKey(), responder.AgreementPublicKey(), cipherText, signature)
	if err != nil {
		t.Fatalf("OpenAndVerify failed: %v", err)
	}
	if !bytes.Equal(plaintext, message) {
		t.Fatalf("round trip mismatch: got %q want %q", plaintext, message)
	}
}

func TestSealedKeyCannotBeOpenedByOtherPeer(t *testing.T) {
	responder := generateKeyPair(t)
	peerA := generateKeyPair(t)
	peerB := generateKeyPair(t)

	cipherText, signature, err := responder.DeriveAndSeal(peerA.AgreementPublicKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("DeriveAndSeal failed: %v", err)
	}

	_, err = peerB.OpenAndVerify(responder.SigningPublicKey(), responder.AgreementPublicKey(), cipherText, signature)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for wrong agreement key, got %v", err)
	}
}

func TestOpenAndVerifyRejectsForgedSignature(t *testing.T) {
	responder := generateKeyPair(t)
	attacker := generateKeyPair(t)
	initiator := generateKeyPair(t)

	// The attacker knows the initiator's agreement key but not the responder's signing key.
	forged := attacker.WithAgreement(responder.Agreement)
	cipherText, signature, err := forged.DeriveAndSeal(initiator.AgreementPublicKey(), []byte("attacker key"))
	if err != nil {
		t.Fatalf("DeriveAndSeal failed: %v", err)
	}

	_, err = initiator.OpenAndVerify(responder.SigningPublicKey(), responder.AgreementPublicKey(), cipherText, signature)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for forged signature, got %v", err)
	}
}

func TestOpenAndVerifyCollapsesTamperingToSingleError(t *testing.T) {
	responder := generateKeyPair(t)
	initiator := generateKeyPair(t)

	cipherText, signature, err := responder.DeriveAndSeal(initiator.AgreementPublicKey(), []byte("payload"))
	if err != nil {
		t.Fatalf("DeriveAndSeal failed: %v", err)
	}

	tampered := append([]byte(nil), cipherText...)
	tampered[len(tampered)-1] ^= 0xff

	cases := map[string]func() error{
		"tampered ciphertext": func() error {
			_, err := initiator.OpenAndVerify(responder.SigningPublicKey(), responder.AgreementPublicKey(), tampered, signature)
			return err
		},
		"truncated signature": func() error {
			_, err := initiator.OpenAndVerify(responder.SigningPublicKey(), responder.AgreementPublicKey(), cipherText, signature[:8])
			return err
		},
		"garbage agreement key": func() error {
			_, err := initiator.OpenAndVerify(responder.SigningPublicKey(), []byte{0x04, 0x01}, cipherText, signature)
			return err
		},
	}
	for name, run := range cases {
		if err := run(); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed, got %v", name, err)
		}
	}

	if _, _, err := responder.DeriveAndSeal([]byte("not a point"), []byte("payload")); !errors.Is(err, ErrEncryptionFailed) {
		t.Fatalf("expected ErrEncryptionFailed for invalid remote key, got %v", err)
	}
}

func TestNewSessionKeyIsUnique(t *testing.T) {
	first, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}
	second, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}
	if first == "" || first == second {
		t.Fatalf("expected distinct non-empty session keys")
	}
}
