package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length in bytes of a freshly generated session key.
const SessionKeySize = 32

var (
	// ErrEncryptionFailed hides every failure reason on the sealing side.
	ErrEncryptionFailed = errors.New("crypto: encryption failed")
	// ErrDecryptionFailed hides every failure reason on the opening side.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// DeriveAndSeal runs ECDH with the remote agreement key, derives a symmetric key with
// HKDF-SHA256, seals message with ChaCha20-Poly1305 and signs the sealed blob.
func (kp *KeyPair) DeriveAndSeal(remoteAgreementKey, message []byte) (cipherText, signature []byte, err error) {
	if kp == nil || kp.Signing == nil || kp.Agreement == nil {
		return nil, nil, ErrEncryptionFailed
	}

	key, err := kp.deriveKey(remoteAgreementKey)
	if err != nil {
		return nil, nil, ErrEncryptionFailed
	}
	cipherText, err = Seal(key, message)
	if err != nil {
		return nil, nil, ErrEncryptionFailed
	}
	signature, err = Sign(kp.Signing, cipherText)
	if err != nil {
		return nil, nil, ErrEncryptionFailed
	}
	return cipherText, signature, nil
}

// OpenAndVerify checks the remote signature over cipherText and then opens it with the
// key agreed between the local agreement key and remoteAgreementKey.
func (kp *KeyPair) OpenAndVerify(remoteSigningKey, remoteAgreementKey, cipherText, signature []byte) ([]byte, error) {
	if kp == nil || kp.Agreement == nil {
		return nil, ErrDecryptionFailed
	}
	if !Verify(remoteSigningKey, cipherText, signature) {
		return nil, ErrDecryptionFailed
	}

	key, err := kp.deriveKey(remoteAgreementKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := Open(key, cipherText)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (kp *KeyPair) deriveKey(remoteAgreementKey []byte) ([]byte, error) {
	remote, err := ParseAgreementPublicKey(remoteAgreementKey)
	if err != nil {
		return nil, err
	}
	shared, err := kp.Agreement.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return DeriveSymmetricKey(shared)
}

// DeriveSymmetricKey expands a shared secret with HKDF-SHA256, empty salt and info.
func DeriveSymmetricKey(sharedSecret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, nil)
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// NewSessionKey returns a random session key in its base64 string form.
func NewSessionKey() (string, error) {
	raw := make([]byte, SessionKeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
