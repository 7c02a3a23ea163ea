package model

type (
	// SkippedKey is one entry of the skip buffer, kept in insertion order.
	SkippedKey struct {
		ChainLength   uint32 `json:"chain_length"`
		MessageNumber uint32 `json:"message_number"`
		Key           []byte `json:"key"`
	}

	RatchetState struct {
		RootKey                    []byte       `json:"root_key"`
		SendingChainKey            []byte       `json:"sending_chain_key"`
		ReceivingChainKey          []byte       `json:"receiving_chain_key"`
		SendingChainLength         uint32       `json:"sending_chain_length"`
		ReceivingChainLength       uint32       `json:"receiving_chain_length"`
		PreviousSendingChainLength uint32       `json:"previous_sending_chain_length"`
		SkippedMessageKeys         []SkippedKey `json:"skipped_message_keys"`
		IsInitiator                bool         `json:"is_initiator"`
		DHPrivate                  []byte       `json:"dh_private"`
		DHPublic                   []byte       `json:"dh_public"`
	}

	// SessionRecord is the persisted pairwise session. SessionID changes on
	// every initialization; Version increases on every write.
	SessionRecord struct {
		SessionID      string       `json:"session_id"`
		ConversationID string       `json:"conversation_id"`
		UserID         string       `json:"user_id"`
		PartnerID      string       `json:"partner_id"`
		State          RatchetState `json:"state"`
		CreatedAt      int64        `json:"created_at"`
		LastRotationAt int64        `json:"last_rotation_at"`
		MessageCount   uint64       `json:"message_count"`
		Version        uint64       `json:"version"`
	}

	// MessageKey is a derived sending key together with the header values
	// the receiver needs to reproduce it.
	MessageKey struct {
		Key           []byte `json:"key"`
		MessageNumber uint32 `json:"message_number"`
		ChainLength   uint32 `json:"chain_length"`
		RotationDue   bool   `json:"rotation_due"`
	}
)
