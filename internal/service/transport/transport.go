package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
)

var ErrUserOffline = errors.New("user has no active connection")

type (
	// Transport pushes named events to connected clients. Delivery is
	// best effort; an offline recipient yields ErrUserOffline.
	Transport interface {
		PushToUser(ctx context.Context, userID, event string, payload any) error
		PushToConversation(ctx context.Context, conversationID, event string, payload any) error
	}

	// MembershipDirectory lists the active members of a conversation.
	MembershipDirectory interface {
		ActiveMembers(ctx context.Context, conversationID string) ([]string, error)
	}
)

// Encode wraps payload in the {event, data} frame sent to clients.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Event: event, Data: data})
}
