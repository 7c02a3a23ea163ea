package model

import "time"

type (
	Participant struct {
		ConversationID string     `bson:"conversation_id" json:"conversation_id"`
		UserID         string     `bson:"user_id" json:"user_id"`
		Role           string     `bson:"role" json:"role"`
		JoinedAt       time.Time  `bson:"joined_at" json:"joined_at"`
		LeftAt         *time.Time `bson:"left_at" json:"left_at,omitempty"`
	}
)
