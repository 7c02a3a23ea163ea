package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/encryption"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"go.uber.org/zap"
)

const DefaultMailboxTTL = 7 * 24 * time.Hour

type (
	// Mailbox wraps a Transport and parks selected events for users that
	// are offline. Parked envelopes are handed back by Drain when the user
	// reconnects.
	Mailbox struct {
		next    Transport
		redis   *redisSvc.RedisService
		ttl     time.Duration
		events  map[string]bool
		sealKey []byte
	}

	MailboxOption func(*Mailbox)
)

// WithSealKey encrypts parked frames with AES-256-GCM under key, bound to
// the recipient's id.
func WithSealKey(key []byte) MailboxOption {
	return func(m *Mailbox) {
		m.sealKey = key
	}
}

func NewMailbox(next Transport, rds *redisSvc.RedisService, ttl time.Duration, events []string, opts ...MailboxOption) *Mailbox {
	if ttl <= 0 {
		ttl = DefaultMailboxTTL
	}
	m := &Mailbox{
		next:   next,
		redis:  rds,
		ttl:    ttl,
		events: make(map[string]bool, len(events)),
	}
	for _, e := range events {
		m.events[e] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func mailboxKey(userID string) string {
	return fmt.Sprintf("mailbox:%s", userID)
}

func (m *Mailbox) PushToUser(ctx context.Context, userID, event string, payload any) error {
	err := m.next.PushToUser(ctx, userID, event, payload)
	if !errors.Is(err, ErrUserOffline) || !m.events[event] {
		return err
	}

	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	if m.sealKey != nil {
		if frame, err = encryption.Seal(m.sealKey, frame, []byte(userID)); err != nil {
			return fmt.Errorf("seal %s for %s: %w", event, userID, err)
		}
	}
	key := mailboxKey(userID)
	if err := m.redis.RPush(ctx, key, frame); err != nil {
		return fmt.Errorf("park %s for %s: %w", event, userID, err)
	}
	if err := m.redis.Expire(ctx, key, m.ttl); err != nil {
		return err
	}

	log.Info("event parked for offline user", zap.String("user_id", userID), zap.String("event", event))
	return nil
}

func (m *Mailbox) PushToConversation(ctx context.Context, conversationID, event string, payload any) error {
	return m.next.PushToConversation(ctx, conversationID, event, payload)
}

// Drain returns and removes every envelope parked for userID, oldest first.
func (m *Mailbox) Drain(ctx context.Context, userID string) ([]model.Envelope, error) {
	items, err := m.redis.Drain(ctx, mailboxKey(userID))
	if err != nil {
		return nil, err
	}

	envs := make([]model.Envelope, 0, len(items))
	for _, item := range items {
		frame := []byte(item)
		if m.sealKey != nil {
			if frame, err = encryption.Open(m.sealKey, frame, []byte(userID)); err != nil {
				log.Error("dropping unopenable parked envelope", zap.String("user_id", userID), zap.Error(err))
				continue
			}
		}

		var env model.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			log.Error("dropping unreadable parked envelope", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}
