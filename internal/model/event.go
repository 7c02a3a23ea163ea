package model

import "encoding/json"

const (
	EventPreKeyBundleRequest         = "prekey_bundle_request"
	EventPreKeyBundleResponse        = "prekey_bundle_response"
	EventPublishPreKeyBundle         = "publish_prekey_bundle"
	EventPublishPreKeyBundleResponse = "publish_prekey_bundle_response"
	EventX3DHInitiate                = "x3dh_initiate"
	EventX3DHInitiationResponse      = "x3dh_initiation_response"
	EventX3DHRespond                 = "x3dh_respond"
	EventX3DHResponseSent            = "x3dh_response_sent"
	EventGroupSenderKeyDistribute    = "group_sender_key_distribute"
	EventGroupKeyUpdate              = "group_key_update"
	EventGroupKeyAnnouncement        = "group_key_announcement"
	EventGroupRotationPrepare        = "group_rotation_prepare"
	EventGroupRotationComplete       = "group_rotation_complete"
	EventGroupConflictResolved       = "group_conflict_resolved"
)

const (
	ReasonRotation     = "rotation"
	ReasonMemberChange = "member_change"
	ReasonMemberLeft   = "member_left"
	ReasonCompromise   = "compromise"
)

type (
	// Envelope is the frame exchanged over client connections.
	Envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data,omitempty"`
	}

	PreKeyBundleRequest struct {
		TargetUserID string `json:"target_user_id"`
	}

	PreKeyBundleResponse struct {
		Success      bool          `json:"success"`
		TargetUserID string        `json:"target_user_id"`
		Bundle       *PreKeyBundle `json:"bundle,omitempty"`
		Error        string        `json:"error,omitempty"`
	}

	PublishPreKeyBundleResponse struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}

	X3DHInitiate struct {
		InitiatorID     string  `json:"initiator_id"`
		IdentityKey     []byte  `json:"identity_key"`
		EphemeralKey    []byte  `json:"ephemeral_key"`
		OneTimePreKeyID *uint32 `json:"one_time_pre_key_id,omitempty"`
		InitialMessage  []byte  `json:"initial_message,omitempty"`
		Timestamp       int64   `json:"timestamp"`
	}

	X3DHRespond struct {
		ResponderID  string `json:"responder_id"`
		IdentityKey  []byte `json:"identity_key"`
		EphemeralKey []byte `json:"ephemeral_key"`
		Accepted     bool   `json:"accepted"`
		Timestamp    int64  `json:"timestamp"`
	}

	HandshakeAck struct {
		Success     bool   `json:"success"`
		ResponderID string `json:"responder_id,omitempty"`
		HandshakeID string `json:"handshake_id,omitempty"`
		Error       string `json:"error,omitempty"`
	}

	GroupSenderKeyDistribute struct {
		SenderID       string `json:"sender_id"`
		ConversationID string `json:"conversation_id"`
		ChainKey       []byte `json:"chain_key"`
		Generation     uint64 `json:"generation"`
		Timestamp      int64  `json:"timestamp"`
	}

	GroupKeyUpdate struct {
		ConversationID  string `json:"conversation_id"`
		Reason          string `json:"reason"`
		LeavingMemberID string `json:"leaving_member_id,omitempty"`
		Timestamp       int64  `json:"timestamp"`
	}

	GroupKeyAnnouncement struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		Reason         string `json:"reason"`
		Timestamp      int64  `json:"timestamp"`
	}

	GroupRotationPrepare struct {
		ConversationID string   `json:"conversation_id"`
		MemberIDs      []string `json:"member_ids"`
		Timestamp      int64    `json:"timestamp"`
	}

	GroupRotationComplete struct {
		ConversationID string `json:"conversation_id"`
		Timestamp      int64  `json:"timestamp"`
	}

	GroupConflictResolved struct {
		ConversationID    string `json:"conversation_id"`
		UserID            string `json:"user_id"`
		WinningGeneration uint64 `json:"winning_generation"`
		NewGeneration     uint64 `json:"new_generation"`
		Timestamp         int64  `json:"timestamp"`
	}
)
