package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// DeriveChainKey is the two-output root KDF: it expands secret under the
// purpose label into (chainKey, nextRootKey). salt may be nil.
func DeriveChainKey(secret, salt []byte, purpose string) (chainKey, nextRootKey []byte, err error) {
	buffer := make([]byte, 2*KeySize)
	if _, err := HKDF(secret, salt, []byte(purpose), buffer); err != nil {
		return nil, nil, err
	}
	return buffer[:KeySize], buffer[KeySize:], nil
}

// MessageKey computes HMAC-SHA256(chainKey, label || le32(index)).
func MessageKey(chainKey []byte, label string, index uint32) []byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)

	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte(label))
	mac.Write(idx[:])
	return mac.Sum(nil)
}

// AdvanceChainKey computes HMAC-SHA256(chainKey, 0x02).
func AdvanceChainKey(chainKey []byte) []byte {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x02})
	return mac.Sum(nil)
}
