package doubleratchet

import (
	"errors"
	"fmt"

	"github.com/AtharvaBansod/CAAS-sub003/internal/cryptographic/dh"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
)

const (
	KeySize = 32

	// MaxSkippedKeys bounds the skip buffer. Crossing it evicts the oldest
	// half in insertion order.
	MaxSkippedKeys = 100

	// MaxSkip bounds how far ahead of the receiving chain a single message
	// may point.
	MaxSkip = 1000
)

var (
	ErrInvalidSessionState = errors.New("invalid session state")
	ErrInvalidSharedSecret = errors.New("shared secret must be 32 bytes")
	ErrInvalidRatchetKey   = errors.New("remote ratchet key must be 32 bytes")
	ErrMessageKeyNotFound  = errors.New("message key already used or evicted")
	ErrSkipLimitExceeded   = errors.New("skip limit exceeded")
)

type (
	skippedID struct {
		chainLength   uint32
		messageNumber uint32
	}

	// Engine is one pairwise Double Ratchet instance. It performs no I/O and
	// is not safe for concurrent use; callers serialize access per session.
	Engine struct {
		ka dh.KeyAgreement

		rootKey           []byte
		sendingChainKey   []byte
		receivingChainKey []byte

		sendingChainLength         uint32
		receivingChainLength       uint32
		previousSendingChainLength uint32

		skipped      map[skippedID][]byte
		skippedOrder []skippedID

		isInitiator bool

		// current ratchet key pair; replaced after every DH step
		dhPriv []byte
		dhPub  []byte
	}

	Option func(*Engine)
)

// WithKeyAgreement swaps the DH primitive. X25519 is the default.
func WithKeyAgreement(ka dh.KeyAgreement) Option {
	return func(e *Engine) {
		e.ka = ka
	}
}

func newEngine(isInitiator bool, opts []Option) *Engine {
	e := &Engine{
		ka:          dh.X25519{},
		isInitiator: isInitiator,
		skipped:     make(map[skippedID][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// New seeds an engine from a 32-byte shared secret. Both parties derive the
// same two chains; the initiator sends on the first and receives on the
// second, the responder the other way round.
func New(sharedSecret []byte, isInitiator bool, opts ...Option) (*Engine, error) {
	if len(sharedSecret) != KeySize {
		return nil, ErrInvalidSharedSecret
	}

	e := newEngine(isInitiator, opts)

	first, root, err := KDFRootKey(sharedSecret, purposeSending)
	if err != nil {
		return nil, err
	}
	second, root, err := KDFRootKey(root, purposeReceiving)
	if err != nil {
		return nil, err
	}
	e.rootKey = root

	if isInitiator {
		e.sendingChainKey, e.receivingChainKey = first, second
	} else {
		e.sendingChainKey, e.receivingChainKey = second, first
	}

	if err := e.rotateKeyPair(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reseed restarts the engine from a new 32-byte root secret, keeping the
// role. The outgoing sending chain length becomes the previous chain length.
func (e *Engine) Reseed(newRootKey []byte) error {
	fresh, err := New(newRootKey, e.isInitiator, WithKeyAgreement(e.ka))
	if err != nil {
		return err
	}

	prev := e.sendingChainLength
	wipe(e.rootKey)
	wipe(e.sendingChainKey)
	wipe(e.receivingChainKey)
	wipe(e.dhPriv)
	e.clearSkipped()

	*e = *fresh
	e.previousSendingChainLength = prev
	return nil
}

func (e *Engine) rotateKeyPair() error {
	priv, pub, err := e.ka.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate ratchet key pair: %w", err)
	}
	wipe(e.dhPriv)
	e.dhPriv, e.dhPub = priv, pub
	return nil
}

// RatchetSendingChain returns the key for the next outgoing message and
// advances the sending chain.
func (e *Engine) RatchetSendingChain() []byte {
	next, msgKey := KDFChainKey(e.sendingChainKey, e.sendingChainLength)
	wipe(e.sendingChainKey)
	e.sendingChainKey = next
	e.sendingChainLength++
	return msgKey
}

// RatchetReceivingChain returns the key for message messageNumber of the
// sender chain identified by chainLength. Keys for skipped indices are kept
// in the skip buffer and handed out at most once.
func (e *Engine) RatchetReceivingChain(messageNumber, chainLength uint32) ([]byte, error) {
	id := skippedID{chainLength: chainLength, messageNumber: messageNumber}
	if key, ok := e.skipped[id]; ok {
		e.removeSkipped(id)
		return key, nil
	}

	if messageNumber < e.receivingChainLength {
		return nil, ErrMessageKeyNotFound
	}
	if messageNumber-e.receivingChainLength > MaxSkip {
		return nil, fmt.Errorf("%w: %d keys requested (max %d)", ErrSkipLimitExceeded, messageNumber-e.receivingChainLength, MaxSkip)
	}

	for i := e.receivingChainLength; i < messageNumber; i++ {
		next, skippedKey := KDFChainKey(e.receivingChainKey, i)
		e.storeSkipped(skippedID{chainLength: chainLength, messageNumber: i}, skippedKey)
		wipe(e.receivingChainKey)
		e.receivingChainKey = next
	}

	next, msgKey := KDFChainKey(e.receivingChainKey, messageNumber)
	wipe(e.receivingChainKey)
	e.receivingChainKey = next
	e.receivingChainLength = messageNumber + 1

	return msgKey, nil
}

func (e *Engine) storeSkipped(id skippedID, key []byte) {
	if _, ok := e.skipped[id]; !ok {
		e.skippedOrder = append(e.skippedOrder, id)
	}
	e.skipped[id] = key

	if len(e.skippedOrder) > MaxSkippedKeys {
		evict := MaxSkippedKeys / 2
		for _, old := range e.skippedOrder[:evict] {
			wipe(e.skipped[old])
			delete(e.skipped, old)
		}
		e.skippedOrder = append([]skippedID(nil), e.skippedOrder[evict:]...)
	}
}

func (e *Engine) removeSkipped(id skippedID) {
	delete(e.skipped, id)
	for i, cur := range e.skippedOrder {
		if cur == id {
			e.skippedOrder = append(e.skippedOrder[:i], e.skippedOrder[i+1:]...)
			return
		}
	}
}

// DHRatchet performs one Diffie-Hellman ratchet step against the remote
// party's current ratchet public key. Both chains restart at zero and the
// skip buffer is dropped: keys skipped before this point are gone for good.
func (e *Engine) DHRatchet(remotePublicKey []byte) error {
	if len(remotePublicKey) != KeySize {
		return ErrInvalidRatchetKey
	}

	shared, err := e.ka.SharedSecret(e.dhPriv, remotePublicKey)
	if err != nil {
		return fmt.Errorf("dh ratchet: %w", err)
	}
	defer wipe(shared)

	first, root, err := KDFRatchetKey(e.rootKey, shared, purposeDHRecv)
	if err != nil {
		return err
	}
	second, root, err := KDFRootKey(root, purposeDHSend)
	if err != nil {
		return err
	}

	wipe(e.rootKey)
	wipe(e.sendingChainKey)
	wipe(e.receivingChainKey)

	e.rootKey = root
	if e.isInitiator {
		e.receivingChainKey, e.sendingChainKey = first, second
	} else {
		e.receivingChainKey, e.sendingChainKey = second, first
	}

	e.previousSendingChainLength = e.sendingChainLength
	e.sendingChainLength = 0
	e.receivingChainLength = 0
	e.clearSkipped()

	return e.rotateKeyPair()
}

func (e *Engine) clearSkipped() {
	for _, key := range e.skipped {
		wipe(key)
	}
	e.skipped = make(map[skippedID][]byte)
	e.skippedOrder = nil
}

// PublicKey is the current ratchet public key to announce to the remote party.
func (e *Engine) PublicKey() []byte {
	return clone(e.dhPub)
}

func (e *Engine) SendingChainLength() uint32 {
	return e.sendingChainLength
}

func (e *Engine) ReceivingChainLength() uint32 {
	return e.receivingChainLength
}

func (e *Engine) PreviousSendingChainLength() uint32 {
	return e.previousSendingChainLength
}

func (e *Engine) SkippedCount() int {
	return len(e.skippedOrder)
}

// State returns a deep copy of the engine state for persistence.
func (e *Engine) State() model.RatchetState {
	skipped := make([]model.SkippedKey, 0, len(e.skippedOrder))
	for _, id := range e.skippedOrder {
		skipped = append(skipped, model.SkippedKey{
			ChainLength:   id.chainLength,
			MessageNumber: id.messageNumber,
			Key:           clone(e.skipped[id]),
		})
	}

	return model.RatchetState{
		RootKey:                    clone(e.rootKey),
		SendingChainKey:            clone(e.sendingChainKey),
		ReceivingChainKey:          clone(e.receivingChainKey),
		SendingChainLength:         e.sendingChainLength,
		ReceivingChainLength:       e.receivingChainLength,
		PreviousSendingChainLength: e.previousSendingChainLength,
		SkippedMessageKeys:         skipped,
		IsInitiator:                e.isInitiator,
		DHPrivate:                  clone(e.dhPriv),
		DHPublic:                   clone(e.dhPub),
	}
}

// Restore rebuilds an engine from persisted state. Any malformed key yields
// ErrInvalidSessionState; the state is not repaired.
func Restore(state model.RatchetState, opts ...Option) (*Engine, error) {
	for name, key := range map[string][]byte{
		"root key":            state.RootKey,
		"sending chain key":   state.SendingChainKey,
		"receiving chain key": state.ReceivingChainKey,
	} {
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrInvalidSessionState, name, len(key))
		}
	}

	hasPriv, hasPub := len(state.DHPrivate) > 0, len(state.DHPublic) > 0
	if hasPriv != hasPub {
		return nil, fmt.Errorf("%w: incomplete ratchet key pair", ErrInvalidSessionState)
	}
	if hasPriv && (len(state.DHPrivate) != KeySize || len(state.DHPublic) != KeySize) {
		return nil, fmt.Errorf("%w: ratchet key pair must be %d bytes", ErrInvalidSessionState, KeySize)
	}
	if len(state.SkippedMessageKeys) > MaxSkippedKeys {
		return nil, fmt.Errorf("%w: %d skipped keys exceeds bound", ErrInvalidSessionState, len(state.SkippedMessageKeys))
	}

	e := newEngine(state.IsInitiator, opts)
	e.rootKey = clone(state.RootKey)
	e.sendingChainKey = clone(state.SendingChainKey)
	e.receivingChainKey = clone(state.ReceivingChainKey)
	e.sendingChainLength = state.SendingChainLength
	e.receivingChainLength = state.ReceivingChainLength
	e.previousSendingChainLength = state.PreviousSendingChainLength

	for _, sk := range state.SkippedMessageKeys {
		if len(sk.Key) != KeySize {
			return nil, fmt.Errorf("%w: skipped key is %d bytes", ErrInvalidSessionState, len(sk.Key))
		}
		e.storeSkipped(skippedID{chainLength: sk.ChainLength, messageNumber: sk.MessageNumber}, clone(sk.Key))
	}

	if hasPriv {
		e.dhPriv = clone(state.DHPrivate)
		e.dhPub = clone(state.DHPublic)
	} else if err := e.rotateKeyPair(); err != nil {
		return nil, err
	}

	return e, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
