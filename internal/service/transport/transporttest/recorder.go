// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
)

type (
	Push struct {
		// exactly one of UserID and ConversationID is set
		UserID         string
		ConversationID string
		Event          string
		Data           json.RawMessage
	}

	// Recorder records pushes. Users listed in Offline get
	// transport.ErrUserOffline.
	Recorder struct {
		mu      sync.Mutex
		pushes  []Push
		Offline map[string]bool
		// Err, when set, fails every push
		Err error
	}
)

func NewRecorder() *Recorder {
	return &Recorder{Offline: make(map[string]bool)}
}

func (r *Recorder) PushToUser(_ context.Context, userID, event string, payload any) error {
	return r.record(Push{UserID: userID, Event: event}, payload)
}

func (r *Recorder) PushToConversation(_ context.Context, conversationID, event string, payload any) error {
	return r.record(Push{ConversationID: conversationID, Event: event}, payload)
}

func (r *Recorder) record(p Push, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	if p.UserID != "" && r.Offline[p.UserID] {
		return transport.ErrUserOffline
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.Data = data
	r.pushes = append(r.pushes, p)
	return nil
}

func (r *Recorder) Pushes() []Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Push(nil), r.pushes...)
}

// ToUser returns the pushes addressed to userID, optionally filtered by event.
func (r *Recorder) ToUser(userID string, event string) []Push {
	var out []Push
	for _, p := range r.Pushes() {
		if p.UserID == userID && (event == "" || p.Event == event) {
			out = append(out, p)
		}
	}
	return out
}

// Events lists event names in push order.
func (r *Recorder) Events() []string {
	var out []string
	for _, p := range r.Pushes() {
		out = append(out, p.Event)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = nil
}

// Members is a fixed MembershipDirectory.
type Members map[string][]string

func (m Members) ActiveMembers(_ context.Context, conversationID string) ([]string, error) {
	return m[conversationID], nil
}

func (m Members) IsActive(_ context.Context, conversationID, userID string) (bool, error) {
	for _, id := range m[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}
