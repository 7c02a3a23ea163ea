package model

type (
	// InitiatorKeys is the private material the initiating client holds
	// plus the responder's published keys.
	InitiatorKeys struct {
		IdentityPriv  []byte
		EphemeralPriv []byte

		ResponderIdentityPub   []byte
		ResponderSignedPreKey  []byte
		ResponderOneTimePreKey []byte
	}

	ResponderKeys struct {
		InitiatorIdentityPub  []byte
		InitiatorEphemeralPub []byte

		IdentityPriv      []byte
		SignedPreKeyPriv  []byte
		OneTimePreKeyPriv []byte
	}

	InitiateRequest struct {
		InitiatorID     string  `json:"initiator_id"`
		ResponderID     string  `json:"responder_id"`
		IdentityKey     []byte  `json:"identity_key"`
		EphemeralKey    []byte  `json:"ephemeral_key"`
		OneTimePreKeyID *uint32 `json:"one_time_pre_key_id,omitempty"`
		InitialMessage  []byte  `json:"initial_message,omitempty"`
	}

	RespondRequest struct {
		ResponderID  string `json:"responder_id"`
		InitiatorID  string `json:"initiator_id"`
		IdentityKey  []byte `json:"identity_key"`
		EphemeralKey []byte `json:"ephemeral_key"`
		Accepted     bool   `json:"accepted"`
	}

	CompleteRequest struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		PartnerID      string `json:"partner_id"`
		SharedSecret   []byte `json:"shared_secret"`
		IsInitiator    bool   `json:"is_initiator"`
	}
)
