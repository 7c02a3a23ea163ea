package group

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/kdf"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ChainKeySize = 32

	DefaultRotationInterval = 7 * 24 * time.Hour

	generationTTL  = 365 * 24 * time.Hour
	keyTTLBuffer   = 24 * time.Hour
	messageKeyInfo = "group-message-key"

	maxAdvanceAttempts = 5
)

var (
	ErrSenderKeyNotFound = errors.New("sender key not found")
	ErrKeyConflict       = errors.New("sender key generation conflict")
)

// nextGeneration increments the per-member counter, lifting it above
// ARGV[1] when needed so a resolved conflict always moves forward.
var nextGeneration = redisSvc.NewScript(`
local gen = redis.call('INCR', KEYS[1])
local floor = tonumber(ARGV[1])
if gen <= floor then
	gen = floor + 1
	redis.call('SET', KEYS[1], gen)
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return gen
`)

type (
	// KeyRing keeps one sender key per member per conversation and moves
	// them between members through the transport.
	KeyRing struct {
		redis            *redisSvc.RedisService
		transport        transport.Transport
		rotationInterval time.Duration
		now              func() time.Time
	}

	Option func(*KeyRing)
)

func WithClock(now func() time.Time) Option {
	return func(k *KeyRing) {
		k.now = now
	}
}

func NewKeyRing(rds *redisSvc.RedisService, t transport.Transport, rotationInterval time.Duration, opts ...Option) *KeyRing {
	if rotationInterval <= 0 {
		rotationInterval = DefaultRotationInterval
	}
	k := &KeyRing{
		redis:            rds,
		transport:        t,
		rotationInterval: rotationInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func senderKeyKey(conversationID, userID string) string {
	return fmt.Sprintf("sender_key:%s:%s", conversationID, userID)
}

func generationKey(conversationID, userID string) string {
	return fmt.Sprintf("sender_key_gen:%s:%s", conversationID, userID)
}

// GenerateSenderKey replaces userID's sender key with a fresh random chain
// under the next generation.
func (k *KeyRing) GenerateSenderKey(ctx context.Context, userID, conversationID string) (*model.SenderKey, error) {
	return k.GenerateAbove(ctx, userID, conversationID, 0)
}

// GenerateAbove is GenerateSenderKey with a generation strictly greater
// than floor. When a concurrent call stored a higher generation first, the
// returned key is that newer one.
func (k *KeyRing) GenerateAbove(ctx context.Context, userID, conversationID string, floor uint64) (*model.SenderKey, error) {
	chainKey := make([]byte, ChainKeySize)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, err
	}

	gen, err := k.redis.Run(ctx, nextGeneration,
		[]string{generationKey(conversationID, userID)},
		floor, int64(generationTTL/time.Second),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("next generation: %w", err)
	}

	sk := &model.SenderKey{
		UserID:         userID,
		ConversationID: conversationID,
		ChainKey:       chainKey,
		Generation:     uint64(gen),
		CreatedAt:      k.now().UnixMilli(),
	}
	active, err := k.storeIfNewer(ctx, sk)
	if err != nil {
		return nil, err
	}
	if active.Generation != sk.Generation {
		log.Info("sender key generation superseded",
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
			zap.Uint64("generation", sk.Generation),
			zap.Uint64("active_generation", active.Generation),
		)
		return active, nil
	}

	log.Info("sender key generated",
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Uint64("generation", sk.Generation),
	)
	return sk, nil
}

// storeIfNewer writes sk unless the stored key already carries a
// generation at least as high, and returns whichever key is active
// afterwards. The active generation never moves backwards.
func (k *KeyRing) storeIfNewer(ctx context.Context, sk *model.SenderKey) (*model.SenderKey, error) {
	key := senderKeyKey(sk.ConversationID, sk.UserID)
	data, err := json.Marshal(sk)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		active := sk
		err := k.redis.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			switch {
			case redisSvc.IsNil(err):
			case err != nil:
				return err
			default:
				var stored model.SenderKey
				if err := json.Unmarshal(cur, &stored); err != nil {
					log.Warn("overwriting unreadable sender key", zap.String("user_id", sk.UserID), zap.Error(err))
				} else if stored.Generation >= sk.Generation {
					active = &stored
					return nil
				}
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, k.rotationInterval+keyTTLBuffer)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return active, nil
		}
		if !redisSvc.IsTxFailed(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("store sender key of %s: %w", sk.UserID, ErrKeyConflict)
}

func (k *KeyRing) GetSenderKey(ctx context.Context, userID, conversationID string) (*model.SenderKey, error) {
	data, err := k.redis.GetBytes(ctx, senderKeyKey(conversationID, userID))
	if redisSvc.IsNil(err) {
		return nil, ErrSenderKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	var sk model.SenderKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("decode sender key: %w", err)
	}
	return &sk, nil
}

// Distribute pushes sk to every member except its owner. Offline members
// are skipped; they catch up through the join path.
func (k *KeyRing) Distribute(ctx context.Context, sk *model.SenderKey, memberIDs []string) error {
	payload := model.GroupSenderKeyDistribute{
		SenderID:       sk.UserID,
		ConversationID: sk.ConversationID,
		ChainKey:       sk.ChainKey,
		Generation:     sk.Generation,
		Timestamp:      k.now().UnixMilli(),
	}

	sent := 0
	for _, memberID := range memberIDs {
		if memberID == sk.UserID {
			continue
		}
		if err := k.transport.PushToUser(ctx, memberID, model.EventGroupSenderKeyDistribute, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("sender key push failed",
				zap.String("conversation_id", sk.ConversationID),
				zap.String("sender_id", sk.UserID),
				zap.String("member_id", memberID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}

	log.Info("sender key distributed",
		zap.String("conversation_id", sk.ConversationID),
		zap.String("sender_id", sk.UserID),
		zap.Uint64("generation", sk.Generation),
		zap.Int("delivered", sent),
	)
	return nil
}

// HandleMemberJoin hands the new member every active sender key, then
// gives the new member a key of its own and shares it with the others.
func (k *KeyRing) HandleMemberJoin(ctx context.Context, conversationID, newMemberID string, existingMemberIDs []string) (*model.SenderKey, error) {
	var shared int
	for _, memberID := range existingMemberIDs {
		if memberID == newMemberID {
			continue
		}

		sk, err := k.GetSenderKey(ctx, memberID, conversationID)
		if errors.Is(err, ErrSenderKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		err = k.transport.PushToUser(ctx, newMemberID, model.EventGroupSenderKeyDistribute, model.GroupSenderKeyDistribute{
			SenderID:       sk.UserID,
			ConversationID: conversationID,
			ChainKey:       sk.ChainKey,
			Generation:     sk.Generation,
			Timestamp:      k.now().UnixMilli(),
		})
		if err != nil {
			log.Warn("sender key push to new member failed",
				zap.String("conversation_id", conversationID),
				zap.String("member_id", newMemberID),
				zap.Error(err),
			)
			continue
		}
		shared++
	}

	sk, err := k.GenerateSenderKey(ctx, newMemberID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := k.Distribute(ctx, sk, existingMemberIDs); err != nil {
		return nil, err
	}

	log.Info("member join key setup complete",
		zap.String("conversation_id", conversationID),
		zap.String("member_id", newMemberID),
		zap.Int("keys_shared", shared),
	)
	return sk, nil
}

// HandleMemberLeave drops the leaving member's key and rotates every
// remaining member's key, so nothing the leaver holds derives future
// messages.
func (k *KeyRing) HandleMemberLeave(ctx context.Context, conversationID, leavingMemberID string, remainingMemberIDs []string) error {
	if err := k.redis.Del(ctx, senderKeyKey(conversationID, leavingMemberID)); err != nil {
		return err
	}

	remaining := make([]string, 0, len(remainingMemberIDs))
	for _, id := range remainingMemberIDs {
		if id != leavingMemberID {
			remaining = append(remaining, id)
		}
	}

	for _, memberID := range remaining {
		sk, err := k.GenerateSenderKey(ctx, memberID, conversationID)
		if err != nil {
			return fmt.Errorf("rotate sender key of %s: %w", memberID, err)
		}
		if err := k.Distribute(ctx, sk, remaining); err != nil {
			return err
		}
	}

	err := k.transport.PushToConversation(ctx, conversationID, model.EventGroupKeyUpdate, model.GroupKeyUpdate{
		ConversationID:  conversationID,
		Reason:          model.ReasonMemberLeft,
		LeavingMemberID: leavingMemberID,
		Timestamp:       k.now().UnixMilli(),
	})
	if err != nil {
		log.Warn("key update broadcast failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	log.Info("member leave key rotation complete",
		zap.String("conversation_id", conversationID),
		zap.String("leaving_member_id", leavingMemberID),
		zap.Int("rotated", len(remaining)),
	)
	return nil
}

// AdvanceSenderKeyChain steps userID's chain once and returns the new
// chain key. The old chain key is gone from the store afterwards.
func (k *KeyRing) AdvanceSenderKeyChain(ctx context.Context, userID, conversationID string) ([]byte, error) {
	key := senderKeyKey(conversationID, userID)

	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		var next []byte
		err := k.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if redisSvc.IsNil(err) {
				return ErrSenderKeyNotFound
			}
			if err != nil {
				return err
			}

			var sk model.SenderKey
			if err := json.Unmarshal(data, &sk); err != nil {
				return fmt.Errorf("decode sender key: %w", err)
			}
			sk.ChainKey = kdf.AdvanceChainKey(sk.ChainKey)

			data, err = json.Marshal(&sk)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, k.rotationInterval+keyTTLBuffer)
				return nil
			})
			if err != nil {
				return err
			}
			next = sk.ChainKey
			return nil
		}, key)
		if err == nil {
			return next, nil
		}
		if !redisSvc.IsTxFailed(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("advance sender key of %s: %w", userID, ErrKeyConflict)
}

// DeriveMessageKey is HMAC-SHA256(chainKey, "group-message-key" || le32(index)).
func DeriveMessageKey(chainKey []byte, messageIndex uint32) []byte {
	return kdf.MessageKey(chainKey, messageKeyInfo, messageIndex)
}

// CheckRotation reports true when userID has no key or its key is at
// least one rotation interval old.
func (k *KeyRing) CheckRotation(ctx context.Context, userID, conversationID string) (bool, error) {
	sk, err := k.GetSenderKey(ctx, userID, conversationID)
	if errors.Is(err, ErrSenderKeyNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	age := k.now().Sub(time.UnixMilli(sk.CreatedAt))
	return age >= k.rotationInterval, nil
}

// VerifyGeneration checks an observed generation against the active key.
func (k *KeyRing) VerifyGeneration(ctx context.Context, userID, conversationID string, observed uint64) error {
	sk, err := k.GetSenderKey(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if sk.Generation != observed {
		return fmt.Errorf("%w: %s active generation %d, observed %d", ErrKeyConflict, userID, sk.Generation, observed)
	}
	return nil
}
