package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/signature"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRelayTimeout = 5 * time.Second

	// pendingTTL bounds how long an unanswered initiation is remembered.
	pendingTTL = 10 * time.Minute
)

var (
	// ErrCannotEstablish wraps every initiation failure; its text is what
	// clients are shown.
	ErrCannotEstablish = errors.New("cannot establish secure session")

	ErrBundleNotFound           = errors.New("responder pre-key bundle not found")
	ErrInvalidBundleSignature   = errors.New("signed pre-key signature does not verify")
	ErrOneTimePreKeyUnavailable = errors.New("one-time pre-key not offered by bundle")
)

type (
	BundleDirectory interface {
		RequestBundle(ctx context.Context, requesterID, targetUserID string) (*model.PreKeyBundle, error)
		RemoveUsedPreKey(ctx context.Context, userID string, keyID uint32) error
		CheckBundleRotation(ctx context.Context, userID string) (bool, error)
	}

	SessionInitializer interface {
		InitializeSession(ctx context.Context, conversationID, userID, partnerID string, sharedSecret []byte, isInitiator bool) (*model.SessionRecord, error)
	}

	pairKey struct {
		initiatorID string
		responderID string
	}

	pending struct {
		id        string
		startedAt time.Time
	}

	// Coordinator relays X3DH handshakes between connected users. It never
	// sees private key material; each client derives the shared secret
	// itself and hands it to CompleteSession.
	Coordinator struct {
		bundles   BundleDirectory
		sessions  SessionInitializer
		transport transport.Transport

		relayTimeout time.Duration
		now          func() time.Time

		mu      sync.Mutex
		pending map[pairKey]pending
	}
)

func NewCoordinator(bundles BundleDirectory, sessions SessionInitializer, t transport.Transport, relayTimeout time.Duration) *Coordinator {
	if relayTimeout <= 0 {
		relayTimeout = DefaultRelayTimeout
	}
	return &Coordinator{
		bundles:      bundles,
		sessions:     sessions,
		transport:    t,
		relayTimeout: relayTimeout,
		now:          time.Now,
		pending:      make(map[pairKey]pending),
	}
}

// Initiate validates the responder's bundle, consumes the one-time pre-key
// the initiator used and forwards the initiation. It returns the handshake
// id; a newer initiation for the same pair supersedes an older one.
func (c *Coordinator) Initiate(ctx context.Context, req model.InitiateRequest) (string, error) {
	id, err := c.initiate(ctx, req)
	if err != nil {
		log.Error("x3dh initiation failed",
			zap.String("initiator_id", req.InitiatorID),
			zap.String("responder_id", req.ResponderID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %w", ErrCannotEstablish, err)
	}
	return id, nil
}

func (c *Coordinator) initiate(ctx context.Context, req model.InitiateRequest) (string, error) {
	bundle, err := c.bundles.RequestBundle(ctx, req.InitiatorID, req.ResponderID)
	if err != nil {
		return "", err
	}
	if bundle == nil {
		return "", ErrBundleNotFound
	}

	if len(bundle.SigningKey) > 0 && !signature.VerifyPreKey(bundle.SigningKey, bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature) {
		return "", ErrInvalidBundleSignature
	}

	if req.OneTimePreKeyID != nil {
		if !bundle.HasOneTimePreKey(*req.OneTimePreKeyID) {
			return "", fmt.Errorf("%w: key id %d", ErrOneTimePreKeyUnavailable, *req.OneTimePreKeyID)
		}
		if err := c.bundles.RemoveUsedPreKey(ctx, req.ResponderID, *req.OneTimePreKeyID); err != nil {
			return "", err
		}
	}

	id := c.track(req.InitiatorID, req.ResponderID)

	relayCtx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()

	err = c.transport.PushToUser(relayCtx, req.ResponderID, model.EventX3DHInitiate, model.X3DHInitiate{
		InitiatorID:     req.InitiatorID,
		IdentityKey:     req.IdentityKey,
		EphemeralKey:    req.EphemeralKey,
		OneTimePreKeyID: req.OneTimePreKeyID,
		InitialMessage:  req.InitialMessage,
		Timestamp:       c.now().UnixMilli(),
	})
	if err != nil {
		c.forget(req.InitiatorID, req.ResponderID, id)
		return "", fmt.Errorf("relay initiation: %w", err)
	}

	log.Info("x3dh initiation forwarded",
		zap.String("initiator_id", req.InitiatorID),
		zap.String("responder_id", req.ResponderID),
		zap.String("handshake_id", id),
	)
	return id, nil
}

// Respond forwards the responder's answer to the initiator. A rejection
// drops the pending handshake.
func (c *Coordinator) Respond(ctx context.Context, req model.RespondRequest) error {
	relayCtx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()

	err := c.transport.PushToUser(relayCtx, req.InitiatorID, model.EventX3DHRespond, model.X3DHRespond{
		ResponderID:  req.ResponderID,
		IdentityKey:  req.IdentityKey,
		EphemeralKey: req.EphemeralKey,
		Accepted:     req.Accepted,
		Timestamp:    c.now().UnixMilli(),
	})
	if err != nil {
		log.Error("x3dh response relay failed",
			zap.String("initiator_id", req.InitiatorID),
			zap.String("responder_id", req.ResponderID),
			zap.Error(err),
		)
		return fmt.Errorf("relay response: %w", err)
	}

	if !req.Accepted {
		c.forget(req.InitiatorID, req.ResponderID, "")
	}

	log.Info("x3dh response forwarded",
		zap.String("initiator_id", req.InitiatorID),
		zap.String("responder_id", req.ResponderID),
		zap.Bool("accepted", req.Accepted),
	)
	return nil
}

// CompleteSession installs the session a client derived from the
// handshake. Any live session for the same pair is archived first; the
// last completion wins.
func (c *Coordinator) CompleteSession(ctx context.Context, req model.CompleteRequest) (*model.SessionRecord, error) {
	rec, err := c.sessions.InitializeSession(ctx, req.ConversationID, req.UserID, req.PartnerID, req.SharedSecret, req.IsInitiator)
	if err != nil {
		return nil, err
	}

	if req.IsInitiator {
		c.forget(req.UserID, req.PartnerID, "")
	} else {
		c.forget(req.PartnerID, req.UserID, "")
	}
	return rec, nil
}

// CheckRotation reports whether userID's bundle needs replenishing.
func (c *Coordinator) CheckRotation(ctx context.Context, userID string) (bool, error) {
	return c.bundles.CheckBundleRotation(ctx, userID)
}

// Pending returns the id of the outstanding handshake for the pair.
func (c *Coordinator) Pending(initiatorID, responderID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[pairKey{initiatorID, responderID}]
	return p.id, ok
}

func (c *Coordinator) track(initiatorID, responderID string) string {
	now := c.now()
	key := pairKey{initiatorID, responderID}
	id := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, p := range c.pending {
		if now.Sub(p.startedAt) > pendingTTL {
			delete(c.pending, k)
		}
	}
	if prev, ok := c.pending[key]; ok {
		log.Info("x3dh initiation superseded",
			zap.String("initiator_id", initiatorID),
			zap.String("responder_id", responderID),
			zap.String("handshake_id", prev.id),
		)
	}
	c.pending[key] = pending{id: id, startedAt: now}
	return id
}

// forget drops the pending entry for the pair; a non-empty id only drops
// that specific handshake.
func (c *Coordinator) forget(initiatorID, responderID, id string) {
	key := pairKey{initiatorID, responderID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[key]; ok && (id == "" || p.id == id) {
		delete(c.pending, key)
	}
}
