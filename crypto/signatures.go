package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// p256PublicKeySize is the uncompressed SEC1 point size: 0x04 || X || Y.
const p256PublicKeySize = 65

// Sign signs SHA-256(data) with a P-256 ECDSA key and returns an ASN.1 signature.
func Sign(privateKey *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("signing key is required")
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	digest := sha256.Sum256(data)
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign data: %w", err)
	}
	return signature, nil
}

// Verify checks an ASN.1 ECDSA signature against an uncompressed P-256 public key.
func Verify(publicKey, data, signature []byte) bool {
	if len(data) == 0 || len(signature) == 0 {
		return false
	}
	key, err := ParseSigningPublicKey(publicKey)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}

// ParseSigningPublicKey converts an uncompressed SEC1 point to an ECDSA public key.
func ParseSigningPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != p256PublicKeySize || raw[0] != 0x04 {
		return nil, fmt.Errorf("invalid signing public key length %d", len(raw))
	}
	// Rejects points that are not on the curve.
	if _, err := p256.NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("parse signing public key: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}, nil
}
