package doubleratchet

import (
	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/kdf"
)

const (
	purposeSending   = "sending"
	purposeReceiving = "receiving"
	purposeDHRecv    = "dh-ratchet-recv"
	purposeDHSend    = "dh-ratchet-send"

	messageKeyLabel = "message-key"
)

// KDFRootKey derives a chain key and the next root key from the current root
// key. Used at construction, once per direction.
func KDFRootKey(rootKey []byte, purpose string) (chainKey, nextRootKey []byte, err error) {
	return kdf.DeriveChainKey(rootKey, nil, purpose)
}

// KDFRatchetKey mixes a DH output into the root key: the DH output is the
// input key material, the old root key acts as salt.
func KDFRatchetKey(rootKey, dhOut []byte, purpose string) (chainKey, nextRootKey []byte, err error) {
	return kdf.DeriveChainKey(dhOut, rootKey, purpose)
}

// KDFChainKey derives the message key for index and the next chain key.
func KDFChainKey(chainKey []byte, index uint32) (nextChainKey, msgKey []byte) {
	msgKey = kdf.MessageKey(chainKey, messageKeyLabel, index)
	nextChainKey = kdf.AdvanceChainKey(chainKey)
	return nextChainKey, msgKey
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
