package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const signingPrivatePEMType = "EC PRIVATE KEY"

// KeyPair holds the long-lived signing key and the key-agreement key of one device identity.
type KeyPair struct {
	Signing   *ecdsa.PrivateKey
	Agreement *ecdh.PrivateKey
}

// SigningPublicKey returns the uncompressed SEC1 encoding of the signing public key.
func (kp *KeyPair) SigningPublicKey() []byte {
	if kp == nil || kp.Signing == nil {
		return nil
	}
	pub, err := kp.Signing.PublicKey.ECDH()
	if err != nil {
		return nil
	}
	return pub.Bytes()
}

// AgreementPublicKey returns the uncompressed SEC1 encoding of the agreement public key.
func (kp *KeyPair) AgreementPublicKey() []byte {
	if kp == nil || kp.Agreement == nil {
		return nil
	}
	return kp.Agreement.PublicKey().Bytes()
}

// WithAgreement returns a copy that signs with the same key but agrees with another one.
func (kp *KeyPair) WithAgreement(agreement *ecdh.PrivateKey) *KeyPair {
	return &KeyPair{Signing: kp.Signing, Agreement: agreement}
}

// EnsureKeyPair loads the signing and agreement keys from disk, generating each on first run.
func EnsureKeyPair(signingPath, agreementPath string) (*KeyPair, error) {
	signing, err := EnsureSigningKey(signingPath)
	if err != nil {
		return nil, err
	}
	agreement, err := EnsureAgreementKey(agreementPath)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Signing: signing, Agreement: agreement}, nil
}

// EnsureSigningKey loads a P-256 ECDSA key from PEM, generating and writing it once if absent.
func EnsureSigningKey(path string) (*ecdsa.PrivateKey, error) {
	privateKey, err := LoadSigningKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	if err := SaveSigningKey(path, privateKey); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// GenerateSigningKey creates a new P-256 ECDSA key.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return privateKey, nil
}

// LoadSigningKey reads a P-256 ECDSA key from a PEM file.
func LoadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode signing PEM: no PEM block")
	}
	if block.Type != signingPrivatePEMType {
		return nil, fmt.Errorf("decode signing PEM: unexpected type %q", block.Type)
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("parse signing key: unexpected curve %s", privateKey.Curve.Params().Name)
	}
	return privateKey, nil
}

// SaveSigningKey writes a signing key PEM file with 0600 permissions.
func SaveSigningKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{Type: signingPrivatePEMType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	return nil
}
