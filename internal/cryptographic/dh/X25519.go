package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// KeyAgreement is the Diffie-Hellman primitive the ratchet and X3DH layers
// call into. Implementations must be a real key agreement, not a KDF over
// public material.
type KeyAgreement interface {
	GenerateKeyPair() (priv, pub []byte, err error)
	SharedSecret(priv, pub []byte) ([]byte, error)
}

type X25519 struct{}

var _ KeyAgreement = X25519{}

func (X25519) GenerateKeyPair() ([]byte, []byte, error) {
	var priv, pub [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv[:], pub[:], nil
}

func (X25519) SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, fmt.Errorf("x25519: keys must be %d bytes", KeySize)
	}
	return curve25519.X25519(priv, pub)
}
