package dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX25519Agreement(t *testing.T) {
	var ka KeyAgreement = X25519{}

	aPriv, aPub, err := ka.GenerateKeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := ka.GenerateKeyPair()
	require.NoError(t, err)

	ab, err := ka.SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	ba, err := ka.SharedSecret(bPriv, aPub)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Len(t, ab, KeySize)
}

func TestX25519RejectsShortKeys(t *testing.T) {
	_, err := X25519{}.SharedSecret(make([]byte, 31), make([]byte, 32))
	assert.Error(t, err)
}
