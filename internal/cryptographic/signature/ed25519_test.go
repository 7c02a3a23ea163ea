package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedPreKeyVerification(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	require.NoError(t, err)

	spk := []byte("0123456789abcdef0123456789abcdef")
	sig := SignPreKey(priv, spk)

	assert.True(t, VerifyPreKey(pub, spk, sig))
	assert.False(t, VerifyPreKey(pub, []byte("tampered"), sig))
	assert.False(t, VerifyPreKey(pub[:10], spk, sig))
	assert.False(t, VerifyPreKey(pub, spk, sig[:10]))
}
