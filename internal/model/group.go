package model

type (
	SenderKey struct {
		UserID         string `json:"user_id"`
		ConversationID string `json:"conversation_id"`
		ChainKey       []byte `json:"chain_key"`
		Generation     uint64 `json:"generation"`
		CreatedAt      int64  `json:"created_at"`
	}
)
