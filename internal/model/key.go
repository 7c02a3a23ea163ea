package model

type (
	SignedPreKey struct {
		KeyID     uint32 `json:"key_id"`
		PublicKey []byte `json:"public_key"`
		Signature []byte `json:"signature"`
	}

	OneTimePreKey struct {
		KeyID     uint32 `json:"key_id"`
		PublicKey []byte `json:"public_key"`
	}

	// PreKeyBundle is what the directory service serves for a user.
	// SigningKey is optional; when present it is the Ed25519 key that
	// signed SignedPreKey.PublicKey.
	PreKeyBundle struct {
		UserID         string          `json:"user_id"`
		IdentityKey    []byte          `json:"identity_key"`
		SigningKey     []byte          `json:"signing_key,omitempty"`
		SignedPreKey   SignedPreKey    `json:"signed_pre_key"`
		OneTimePreKeys []OneTimePreKey `json:"one_time_pre_keys"`
		Timestamp      int64           `json:"timestamp"`
	}

	// PublishBundle is a bundle as uploaded by its owner; the owner id and
	// timestamp are filled in by the directory client.
	PublishBundle struct {
		IdentityKey    []byte          `json:"identity_key"`
		SigningKey     []byte          `json:"signing_key,omitempty"`
		SignedPreKey   SignedPreKey    `json:"signed_pre_key"`
		OneTimePreKeys []OneTimePreKey `json:"one_time_pre_keys"`
	}
)

func (b *PreKeyBundle) HasOneTimePreKey(keyID uint32) bool {
	for _, k := range b.OneTimePreKeys {
		if k.KeyID == keyID {
			return true
		}
	}
	return false
}
