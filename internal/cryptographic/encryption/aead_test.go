package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	ct, err := Seal(key, []byte("hello"), []byte("aad"))
	require.NoError(t, err)

	pt, err := Open(key, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestOpenFailuresAreOpaque(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	ct, err := Seal(key, []byte("hello"), nil)
	require.NoError(t, err)

	wrongKey := bytes.Repeat([]byte{0x43}, 32)
	_, err = Open(wrongKey, ct, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Open(key, ct[:4], nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Open([]byte("short"), ct, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
