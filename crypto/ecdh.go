package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const agreementPrivatePEMType = "P256 AGREEMENT PRIVATE KEY"

var p256 = ecdh.P256()

// EnsureAgreementKey loads a P-256 agreement key from disk, generating it if absent.
func EnsureAgreementKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadAgreementKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateAgreementKey()
	if err != nil {
		return nil, err
	}
	if err := SaveAgreementKey(path, privateKey); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// GenerateAgreementKey creates a new P-256 agreement key. Pairing initiators use one per attempt.
func GenerateAgreementKey() (*ecdh.PrivateKey, error) {
	privateKey, err := p256.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}
	return privateKey, nil
}

// LoadAgreementKey reads a P-256 agreement key from PEM.
func LoadAgreementKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agreement key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode agreement PEM: no PEM block")
	}
	if block.Type != agreementPrivatePEMType {
		return nil, fmt.Errorf("decode agreement PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("decode agreement PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := p256.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse agreement key: %w", err)
	}
	return privateKey, nil
}

// SaveAgreementKey writes an agreement key PEM file with 0600 permissions.
func SaveAgreementKey(path string, key *ecdh.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{
		Type:  agreementPrivatePEMType,
		Bytes: key.Bytes(),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write agreement key: %w", err)
	}
	return nil
}

// ParseAgreementPublicKey validates an uncompressed P-256 point.
func ParseAgreementPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := p256.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse agreement public key: %w", err)
	}
	return publicKey, nil
}
