package x3dh

import (
	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/dh"
	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/kdf"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
)

const SecretSize = 32

var info = []byte("X3DH")

// combine hashes DH1 || DH2 || DH3 [|| DH4] into the 32-byte shared secret,
// salted with 32 zero bytes.
func combine(dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	concat := make([]byte, 0, 4*dh.KeySize)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	if dh4 != nil {
		concat = append(concat, dh4...)
	}

	sk := make([]byte, SecretSize)
	if _, err := kdf.HKDF(concat, make([]byte, SecretSize), info, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

// InitiatorSecret computes the initiator side of the agreement.
// ResponderOneTimePreKey may be nil.
func InitiatorSecret(ka dh.KeyAgreement, keys *model.InitiatorKeys) ([]byte, error) {
	dh1, err := ka.SharedSecret(keys.IdentityPriv, keys.ResponderSignedPreKey)
	if err != nil {
		return nil, err
	}

	dh2, err := ka.SharedSecret(keys.EphemeralPriv, keys.ResponderIdentityPub)
	if err != nil {
		return nil, err
	}

	dh3, err := ka.SharedSecret(keys.EphemeralPriv, keys.ResponderSignedPreKey)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	if keys.ResponderOneTimePreKey != nil {
		dh4, err = ka.SharedSecret(keys.EphemeralPriv, keys.ResponderOneTimePreKey)
		if err != nil {
			return nil, err
		}
	}

	return combine(dh1, dh2, dh3, dh4)
}

// ResponderSecret computes the responder side of the agreement.
// OneTimePreKeyPriv may be nil.
func ResponderSecret(ka dh.KeyAgreement, keys *model.ResponderKeys) ([]byte, error) {
	dh1, err := ka.SharedSecret(keys.SignedPreKeyPriv, keys.InitiatorIdentityPub)
	if err != nil {
		return nil, err
	}

	dh2, err := ka.SharedSecret(keys.IdentityPriv, keys.InitiatorEphemeralPub)
	if err != nil {
		return nil, err
	}

	dh3, err := ka.SharedSecret(keys.SignedPreKeyPriv, keys.InitiatorEphemeralPub)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	if keys.OneTimePreKeyPriv != nil {
		dh4, err = ka.SharedSecret(keys.OneTimePreKeyPriv, keys.InitiatorEphemeralPub)
		if err != nil {
			return nil, err
		}
	}

	return combine(dh1, dh2, dh3, dh4)
}
