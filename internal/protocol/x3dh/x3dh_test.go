package x3dh

import (
	"testing"

	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/dh"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	priv, pub []byte
}

func gen(t *testing.T) keyPair {
	t.Helper()
	priv, pub, err := dh.X25519{}.GenerateKeyPair()
	require.NoError(t, err)
	return keyPair{priv: priv, pub: pub}
}

func TestInitiatorAndResponderAgree(t *testing.T) {
	ka := dh.X25519{}
	aliceIK, aliceEK := gen(t), gen(t)
	bobIK, bobSPK, bobOPK := gen(t), gen(t), gen(t)

	tests := []struct {
		name   string
		useOPK bool
	}{
		{"with one-time pre-key", true},
		{"without one-time pre-key", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ik := &model.InitiatorKeys{
				IdentityPriv:          aliceIK.priv,
				EphemeralPriv:         aliceEK.priv,
				ResponderIdentityPub:  bobIK.pub,
				ResponderSignedPreKey: bobSPK.pub,
			}
			rk := &model.ResponderKeys{
				InitiatorIdentityPub:  aliceIK.pub,
				InitiatorEphemeralPub: aliceEK.pub,
				IdentityPriv:          bobIK.priv,
				SignedPreKeyPriv:      bobSPK.priv,
			}
			if tt.useOPK {
				ik.ResponderOneTimePreKey = bobOPK.pub
				rk.OneTimePreKeyPriv = bobOPK.priv
			}

			a, err := InitiatorSecret(ka, ik)
			require.NoError(t, err)
			b, err := ResponderSecret(ka, rk)
			require.NoError(t, err)

			assert.Len(t, a, SecretSize)
			assert.Equal(t, a, b)
		})
	}
}

func TestOneTimePreKeyChangesSecret(t *testing.T) {
	ka := dh.X25519{}
	aliceIK, aliceEK := gen(t), gen(t)
	bobIK, bobSPK, bobOPK := gen(t), gen(t), gen(t)

	base := model.InitiatorKeys{
		IdentityPriv:          aliceIK.priv,
		EphemeralPriv:         aliceEK.priv,
		ResponderIdentityPub:  bobIK.pub,
		ResponderSignedPreKey: bobSPK.pub,
	}
	withOPK := base
	withOPK.ResponderOneTimePreKey = bobOPK.pub

	s1, err := InitiatorSecret(ka, &base)
	require.NoError(t, err)
	s2, err := InitiatorSecret(ka, &withOPK)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}
