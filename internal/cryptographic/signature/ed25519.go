package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

func NewEd25519Keypair() (pub, priv []byte, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// SignPreKey signs a signed pre-key's public half with the owner's Ed25519 key.
func SignPreKey(privKeyBytes []byte, preKeyPub []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privKeyBytes), preKeyPub)
}

// VerifyPreKey reports false for malformed keys or signatures instead of panicking.
func VerifyPreKey(pubKeyBytes []byte, preKeyPub []byte, sig []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), preKeyPub, sig)
}
