package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 2 * time.Second

	announceTimeout = 5 * time.Second
)

var ErrNoGenerations = errors.New("no conflicting generations given")

type (
	KeyRing interface {
		GenerateSenderKey(ctx context.Context, userID, conversationID string) (*model.SenderKey, error)
		GenerateAbove(ctx context.Context, userID, conversationID string, floor uint64) (*model.SenderKey, error)
		Distribute(ctx context.Context, sk *model.SenderKey, memberIDs []string) error
	}

	scheduled struct {
		timer          *time.Timer
		seq            uint64
		conversationID string
		userID         string
		reason         string
	}

	// Coordinator runs group-wide rotations and owns the registry of
	// debounced announcements.
	Coordinator struct {
		ring      KeyRing
		transport transport.Transport
		members   transport.MembershipDirectory
		debounce  time.Duration
		now       func() time.Time

		mu      sync.Mutex
		pending map[string]*scheduled
		seq     uint64
		closed  bool
		running sync.WaitGroup
	}
)

func NewCoordinator(ring KeyRing, t transport.Transport, members transport.MembershipDirectory, debounce time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		ring:      ring,
		transport: t,
		members:   members,
		debounce:  debounce,
		now:       time.Now,
		pending:   make(map[string]*scheduled),
	}
}

func announcementKey(conversationID, userID string) string {
	return conversationID + ":" + userID
}

// AnnounceKeyChange broadcasts now, replacing any scheduled announcement
// for the same member.
func (c *Coordinator) AnnounceKeyChange(ctx context.Context, conversationID, userID, reason string) error {
	c.CancelAnnouncement(conversationID, userID)
	return c.announce(ctx, conversationID, userID, reason)
}

func (c *Coordinator) announce(ctx context.Context, conversationID, userID, reason string) error {
	err := c.transport.PushToConversation(ctx, conversationID, model.EventGroupKeyAnnouncement, model.GroupKeyAnnouncement{
		ConversationID: conversationID,
		UserID:         userID,
		Reason:         reason,
		Timestamp:      c.now().UnixMilli(),
	})
	if err != nil {
		log.Error("key change announcement failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return err
	}

	log.Info("key change announced",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.String("reason", reason),
	)
	return nil
}

// CoordinateRotation regenerates every member's sender key between a
// prepare and a complete notice. There is no commit protocol: a member
// that only sees the distributed key is still consistent.
func (c *Coordinator) CoordinateRotation(ctx context.Context, conversationID string, memberIDs []string) ([]*model.SenderKey, error) {
	log.Info("coordinating key rotation", zap.String("conversation_id", conversationID), zap.Int("members", len(memberIDs)))

	err := c.transport.PushToConversation(ctx, conversationID, model.EventGroupRotationPrepare, model.GroupRotationPrepare{
		ConversationID: conversationID,
		MemberIDs:      memberIDs,
		Timestamp:      c.now().UnixMilli(),
	})
	if err != nil {
		log.Warn("rotation prepare broadcast failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	keys := make([]*model.SenderKey, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		sk, err := c.ring.GenerateSenderKey(ctx, memberID, conversationID)
		if err != nil {
			return nil, fmt.Errorf("rotate sender key of %s: %w", memberID, err)
		}
		keys = append(keys, sk)
	}

	for _, sk := range keys {
		if err := c.ring.Distribute(ctx, sk, memberIDs); err != nil {
			return nil, err
		}
	}

	err = c.transport.PushToConversation(ctx, conversationID, model.EventGroupRotationComplete, model.GroupRotationComplete{
		ConversationID: conversationID,
		Timestamp:      c.now().UnixMilli(),
	})
	if err != nil {
		log.Warn("rotation complete broadcast failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	log.Info("key rotation coordinated", zap.String("conversation_id", conversationID), zap.Int("keys", len(keys)))
	return keys, nil
}

// ResolveKeyConflict settles concurrently observed generations for one
// member: the highest wins and a new key is issued above it.
func (c *Coordinator) ResolveKeyConflict(ctx context.Context, conversationID, userID string, conflictingGenerations []uint64) (*model.SenderKey, error) {
	if len(conflictingGenerations) == 0 {
		return nil, ErrNoGenerations
	}

	winning := conflictingGenerations[0]
	for _, g := range conflictingGenerations[1:] {
		if g > winning {
			winning = g
		}
	}

	log.Warn("resolving key conflict",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Uint64s("generations", conflictingGenerations),
	)

	sk, err := c.ring.GenerateAbove(ctx, userID, conversationID, winning)
	if err != nil {
		return nil, err
	}

	members, err := c.members.ActiveMembers(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", conversationID, err)
	}
	if err := c.ring.Distribute(ctx, sk, members); err != nil {
		return nil, err
	}

	err = c.transport.PushToConversation(ctx, conversationID, model.EventGroupConflictResolved, model.GroupConflictResolved{
		ConversationID:    conversationID,
		UserID:            userID,
		WinningGeneration: winning,
		NewGeneration:     sk.Generation,
		Timestamp:         c.now().UnixMilli(),
	})
	if err != nil {
		log.Warn("conflict resolution broadcast failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	log.Info("key conflict resolved",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Uint64("new_generation", sk.Generation),
	)
	return sk, nil
}

// ScheduleAnnouncement announces after delay unless another call for the
// same member arrives first, in which case only the latest one fires.
// A non-positive delay uses the configured debounce.
func (c *Coordinator) ScheduleAnnouncement(conversationID, userID, reason string, delay time.Duration) {
	if delay <= 0 {
		delay = c.debounce
	}
	key := announcementKey(conversationID, userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		log.Warn("announcement scheduled after close, dropping",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
		)
		return
	}

	if prev, ok := c.pending[key]; ok {
		prev.timer.Stop()
	}

	c.seq++
	s := &scheduled{
		seq:            c.seq,
		conversationID: conversationID,
		userID:         userID,
		reason:         reason,
	}
	s.timer = time.AfterFunc(delay, func() { c.fire(key, s.seq) })
	c.pending[key] = s

	log.Debug("key announcement scheduled",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Duration("delay", delay),
	)
}

func (c *Coordinator) fire(key string, seq uint64) {
	c.mu.Lock()
	s, ok := c.pending[key]
	if !ok || s.seq != seq || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.running.Add(1)
	c.mu.Unlock()

	defer c.running.Done()

	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	_ = c.announce(ctx, s.conversationID, s.userID, s.reason)
}

// CancelAnnouncement drops the scheduled announcement, if any.
func (c *Coordinator) CancelAnnouncement(conversationID, userID string) bool {
	key := announcementKey(conversationID, userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pending[key]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(c.pending, key)

	log.Debug("key announcement cancelled", zap.String("conversation_id", conversationID), zap.String("user_id", userID))
	return true
}

// Pending reports how many announcements are waiting.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush sends every scheduled announcement now.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	due := make([]*scheduled, 0, len(c.pending))
	for key, s := range c.pending {
		s.timer.Stop()
		delete(c.pending, key)
		due = append(due, s)
	}
	c.mu.Unlock()

	var errs error
	for _, s := range due {
		errs = multierr.Append(errs, c.announce(ctx, s.conversationID, s.userID, s.reason))
	}
	return errs
}

// Close cancels every scheduled announcement and waits for those already
// firing. Later schedules are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for key, s := range c.pending {
		s.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	c.running.Wait()
	log.Info("key announcement scheduler closed")
}
