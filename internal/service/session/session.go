package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/dh"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/protocol/doubleratchet"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/keylock"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ArchiveTTL = 30 * 24 * time.Hour

	maxUpdateAttempts = 5
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrConcurrentUpdate    = errors.New("session updated concurrently")
	ErrInvalidSessionState = doubleratchet.ErrInvalidSessionState
	ErrInvalidSharedSecret = doubleratchet.ErrInvalidSharedSecret
)

type (
	Config struct {
		SessionLifetime   time.Duration
		RotationThreshold uint64
		CacheSize         int
		CacheTTL          time.Duration
	}

	// cached mirrors one stored record; it is only trusted while the
	// stored session id and version still match.
	cached struct {
		engine    *doubleratchet.Engine
		sessionID string
		version   uint64
	}

	// Store owns pairwise sessions keyed by (conversation, user). Redis is
	// authoritative; the engine cache only saves a decode per message.
	Store struct {
		redis *redisSvc.RedisService
		cfg   Config
		ka    dh.KeyAgreement
		now   func() time.Time

		cache *expirable.LRU[string, *cached]
		locks *keylock.KeyLock
	}

	Option func(*Store)
)

func DefaultConfig() Config {
	return Config{
		SessionLifetime:   24 * time.Hour,
		RotationThreshold: 1000,
		CacheSize:         10000,
		CacheTTL:          10 * time.Minute,
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithKeyAgreement(ka dh.KeyAgreement) Option {
	return func(s *Store) {
		s.ka = ka
	}
}

func NewStore(rds *redisSvc.RedisService, cfg Config, opts ...Option) *Store {
	s := &Store{
		redis: rds,
		cfg:   cfg,
		ka:    dh.X25519{},
		now:   time.Now,
		locks: keylock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = expirable.NewLRU[string, *cached](cfg.CacheSize, nil, cfg.CacheTTL)
	return s
}

func sessionKey(conversationID, userID string) string {
	return fmt.Sprintf("session:%s:%s", conversationID, userID)
}

func archiveKey(conversationID, userID string, at time.Time) string {
	return fmt.Sprintf("%s:archived:%d", sessionKey(conversationID, userID), at.UnixMilli())
}

// InitializeSession seeds a new ratchet from sharedSecret and persists it.
// A live session for the pair is archived first, so the newest call wins
// and the superseded record stays readable for ArchiveTTL.
func (s *Store) InitializeSession(ctx context.Context, conversationID, userID, partnerID string, sharedSecret []byte, isInitiator bool) (*model.SessionRecord, error) {
	unlock := s.locks.Lock(sessionKey(conversationID, userID))
	defer unlock()

	if err := s.archiveLocked(ctx, conversationID, userID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return s.initLocked(ctx, conversationID, userID, partnerID, sharedSecret, isInitiator)
}

func (s *Store) initLocked(ctx context.Context, conversationID, userID, partnerID string, sharedSecret []byte, isInitiator bool) (*model.SessionRecord, error) {
	engine, err := doubleratchet.New(sharedSecret, isInitiator, doubleratchet.WithKeyAgreement(s.ka))
	if err != nil {
		return nil, err
	}

	key := sessionKey(conversationID, userID)
	now := s.now().UnixMilli()
	rec := &model.SessionRecord{
		SessionID:      uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		PartnerID:      partnerID,
		State:          engine.State(),
		CreatedAt:      now,
		LastRotationAt: now,
		Version:        1,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	if err := s.redis.Set(ctx, key, data, s.cfg.SessionLifetime); err != nil {
		s.cache.Remove(key)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.cache.Add(key, &cached{engine: engine, sessionID: rec.SessionID, version: rec.Version})

	log.Info("session initialized",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.String("partner_id", partnerID),
		zap.Bool("initiator", isInitiator),
	)
	return rec, nil
}

// GetMessageKey ratchets the sending chain once. RotationDue reports the
// rotation policy after the increment; nothing is rotated here.
func (s *Store) GetMessageKey(ctx context.Context, conversationID, userID string) (*model.MessageKey, error) {
	var mk model.MessageKey
	rec, err := s.update(ctx, conversationID, userID, func(rec *model.SessionRecord, e *doubleratchet.Engine) error {
		mk.Key = e.RatchetSendingChain()
		mk.MessageNumber = e.SendingChainLength() - 1
		mk.ChainLength = e.PreviousSendingChainLength()
		rec.MessageCount++
		return nil
	})
	if err != nil {
		log.Error("get message key failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}

	mk.RotationDue = s.rotationDue(rec)
	if mk.RotationDue {
		log.Debug("session rotation due",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Uint64("message_count", rec.MessageCount),
		)
	}
	return &mk, nil
}

// DecryptMessage returns the receiving key for messageNumber of the sender
// chain identified by chainLength.
func (s *Store) DecryptMessage(ctx context.Context, conversationID, userID string, messageNumber, chainLength uint32) ([]byte, error) {
	var key []byte
	_, err := s.update(ctx, conversationID, userID, func(rec *model.SessionRecord, e *doubleratchet.Engine) error {
		k, err := e.RatchetReceivingChain(messageNumber, chainLength)
		if err != nil {
			return err
		}
		key = k
		rec.MessageCount++
		return nil
	})
	if err != nil {
		log.Error("decrypt message failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Uint32("message_number", messageNumber),
			zap.Error(err),
		)
		return nil, err
	}
	return key, nil
}

// RotateKeys reseeds the session from newRootKey and resets its counters.
func (s *Store) RotateKeys(ctx context.Context, conversationID, userID string, newRootKey []byte) error {
	_, err := s.update(ctx, conversationID, userID, func(rec *model.SessionRecord, e *doubleratchet.Engine) error {
		if err := e.Reseed(newRootKey); err != nil {
			return err
		}
		rec.MessageCount = 0
		rec.LastRotationAt = s.now().UnixMilli()
		return nil
	})
	if err != nil {
		log.Error("rotate session keys failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return err
	}

	log.Info("session keys rotated",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

// CheckRotation is advisory: it never blocks or performs rotation.
func (s *Store) CheckRotation(ctx context.Context, conversationID, userID string) (bool, error) {
	rec, err := s.GetSession(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	return s.rotationDue(rec), nil
}

func (s *Store) rotationDue(rec *model.SessionRecord) bool {
	if rec.MessageCount >= s.cfg.RotationThreshold {
		return true
	}
	age := s.now().Sub(time.UnixMilli(rec.LastRotationAt))
	return age > s.cfg.SessionLifetime
}

// ArchiveSession moves the live record to the archive keyspace and drops
// the cached engine.
func (s *Store) ArchiveSession(ctx context.Context, conversationID, userID string) error {
	key := sessionKey(conversationID, userID)
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.archiveLocked(ctx, conversationID, userID)
}

func (s *Store) archiveLocked(ctx context.Context, conversationID, userID string) error {
	key := sessionKey(conversationID, userID)
	defer s.cache.Remove(key)

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if redisSvc.IsNil(err) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, archiveKey(conversationID, userID, s.now()), data, ArchiveTTL)
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	log.Info("session archived",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

func (s *Store) GetSession(ctx context.Context, conversationID, userID string) (*model.SessionRecord, error) {
	data, err := s.redis.GetBytes(ctx, sessionKey(conversationID, userID))
	if redisSvc.IsNil(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *Store) HasSession(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.redis.Exists(ctx, sessionKey(conversationID, userID))
}

// ClearCache drops every cached engine. Stored sessions are untouched.
func (s *Store) ClearCache() {
	s.cache.Purge()
}

func decode(data []byte) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionState, err)
	}
	return &rec, nil
}

// update is the load-mutate-persist cycle shared by every session mutation.
// Callers on this process are serialized by the key lock; other processes
// are fenced by WATCH on the record. A lost race reloads from the store.
func (s *Store) update(ctx context.Context, conversationID, userID string, fn func(*model.SessionRecord, *doubleratchet.Engine) error) (*model.SessionRecord, error) {
	key := sessionKey(conversationID, userID)
	unlock := s.locks.Lock(key)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var out *model.SessionRecord
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if redisSvc.IsNil(err) {
				return ErrSessionNotFound
			}
			if err != nil {
				return err
			}

			rec, err := decode(data)
			if err != nil {
				return err
			}

			engine, err := s.engineFor(key, rec)
			if err != nil {
				return err
			}

			if err := fn(rec, engine); err != nil {
				return err
			}

			rec.State = engine.State()
			rec.Version++
			data, err = json.Marshal(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, s.cfg.SessionLifetime)
				return nil
			})
			if err != nil {
				return err
			}

			s.cache.Add(key, &cached{engine: engine, sessionID: rec.SessionID, version: rec.Version})
			out = rec
			return nil
		}, key)
		if err == nil {
			return out, nil
		}

		// the cached engine may have advanced past what was persisted
		s.cache.Remove(key)

		if !redisSvc.IsTxFailed(err) {
			return nil, err
		}
		log.Debug("session write lost race, retrying",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, ErrConcurrentUpdate
}

func (s *Store) engineFor(key string, rec *model.SessionRecord) (*doubleratchet.Engine, error) {
	if c, ok := s.cache.Get(key); ok && c.sessionID == rec.SessionID && c.version == rec.Version {
		return c.engine, nil
	}

	engine, err := doubleratchet.Restore(rec.State, doubleratchet.WithKeyAgreement(s.ka))
	if err != nil {
		return nil, err
	}
	return engine, nil
}
