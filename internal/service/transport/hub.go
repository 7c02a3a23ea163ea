package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 10 * time.Second

type (
	conn struct {
		id string
		ws *websocket.Conn

		// gorilla/websocket allows one concurrent writer per connection
		mu sync.Mutex
	}

	// Hub tracks every websocket a user has open and fans events out to
	// them. A user may hold several connections at once.
	Hub struct {
		mu      sync.RWMutex
		conns   map[string]map[string]*conn
		members MembershipDirectory

		writeTimeout time.Duration
	}
)

func NewHub(members MembershipDirectory) *Hub {
	return &Hub{
		conns:        make(map[string]map[string]*conn),
		members:      members,
		writeTimeout: defaultWriteTimeout,
	}
}

// Register adds ws under userID and returns its connection id.
func (h *Hub) Register(userID string, ws *websocket.Conn) string {
	c := &conn{id: uuid.NewString(), ws: ws}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[string]*conn)
	}
	h.conns[userID][c.id] = c

	log.Debug("connection registered", zap.String("user_id", userID), zap.String("conn_id", c.id))
	return c.id
}

// Unregister removes and closes one connection.
func (h *Hub) Unregister(userID, connID string) {
	h.mu.Lock()
	c, ok := h.conns[userID][connID]
	if ok {
		delete(h.conns[userID], connID)
		if len(h.conns[userID]) == 0 {
			delete(h.conns, userID)
		}
	}
	h.mu.Unlock()

	if ok {
		c.ws.Close()
		log.Debug("connection unregistered", zap.String("user_id", userID), zap.String("conn_id", connID))
	}
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

func (h *Hub) connsOf(userID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*conn, 0, len(h.conns[userID]))
	for _, c := range h.conns[userID] {
		out = append(out, c)
	}
	return out
}

// Send writes to a single connection, e.g. a reply to the request it sent.
func (h *Hub) Send(ctx context.Context, userID, connID, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[userID][connID]
	h.mu.RUnlock()
	if !ok {
		return ErrUserOffline
	}

	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return h.write(ctx, userID, c, frame)
}

// PushToUser writes the event to every connection of userID. Connections
// that fail are dropped; the push succeeds if any connection took it.
func (h *Hub) PushToUser(ctx context.Context, userID, event string, payload any) error {
	conns := h.connsOf(userID)
	if len(conns) == 0 {
		return ErrUserOffline
	}

	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}

	var errs error
	delivered := 0
	for _, c := range conns {
		if err := h.write(ctx, userID, c, frame); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errs
	}
	return nil
}

// PushToConversation delivers to every active member that is online.
// Offline members are skipped.
func (h *Hub) PushToConversation(ctx context.Context, conversationID, event string, payload any) error {
	members, err := h.members.ActiveMembers(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", conversationID, err)
	}

	var errs error
	for _, userID := range members {
		err := h.PushToUser(ctx, userID, event, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrUserOffline):
			log.Debug("member offline, skipping", zap.String("conversation_id", conversationID), zap.String("user_id", userID))
		default:
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (h *Hub) write(ctx context.Context, userID string, c *conn, frame []byte) error {
	deadline := time.Now().Add(h.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteMessage(websocket.TextMessage, frame)
	c.mu.Unlock()

	if err != nil {
		log.Warn("websocket write failed, dropping connection",
			zap.String("user_id", userID),
			zap.String("conn_id", c.id),
			zap.Error(err),
		)
		h.Unregister(userID, c.id)
		return err
	}
	return nil
}
