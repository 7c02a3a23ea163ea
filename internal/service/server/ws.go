package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/handshake"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/prekey"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
			return
		}

		connID := s.svc.Hub.Register(userID, conn)
		if err := s.forwardParked(userID, connID); err != nil {
			log.Error("forward parked events failed", zap.String("user_id", userID), zap.Error(err))
		}
		go s.processWSMessage(userID, connID, conn)
	}
}

// forwardParked hands a newly connected user whatever was relayed to them
// while offline.
func (s *HttpServer) forwardParked(userID, connID string) error {
	if s.svc.Mailbox == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	envs, err := s.svc.Mailbox.Drain(ctx, userID)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := s.svc.Hub.Send(ctx, userID, connID, env.Event, env.Data); err != nil {
			return err
		}
	}
	if len(envs) > 0 {
		log.Info("parked events forwarded", zap.String("user_id", userID), zap.Int("count", len(envs)))
	}
	return nil
}

func (s *HttpServer) processWSMessage(userID, connID string, conn *websocket.Conn) {
	defer s.svc.Hub.Unregister(userID, connID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.String("user_id", userID), zap.Error(err))
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error("unmarshal envelope failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		s.dispatch(ctx, userID, connID, env)
		cancel()
	}
}

func (s *HttpServer) dispatch(ctx context.Context, userID, connID string, env model.Envelope) {
	var (
		event string
		reply any
	)

	switch env.Event {
	case model.EventPreKeyBundleRequest:
		event, reply = model.EventPreKeyBundleResponse, s.bundleRequest(ctx, userID, env.Data)
	case model.EventPublishPreKeyBundle:
		event, reply = model.EventPublishPreKeyBundleResponse, s.publishBundle(ctx, userID, env.Data)
	case model.EventX3DHInitiate:
		event, reply = model.EventX3DHInitiationResponse, s.initiate(ctx, userID, env.Data)
	case model.EventX3DHRespond:
		event, reply = model.EventX3DHResponseSent, s.respond(ctx, userID, env.Data)
	default:
		log.Warn("unknown event", zap.String("user_id", userID), zap.String("event", env.Event))
		return
	}

	if err := s.svc.Hub.Send(ctx, userID, connID, event, reply); err != nil {
		log.Warn("reply failed", zap.String("user_id", userID), zap.String("event", event), zap.Error(err))
	}
}

func (s *HttpServer) bundleRequest(ctx context.Context, userID string, data json.RawMessage) model.PreKeyBundleResponse {
	var req model.PreKeyBundleRequest
	if err := json.Unmarshal(data, &req); err != nil || req.TargetUserID == "" {
		return model.PreKeyBundleResponse{Error: "target_user_id is required"}
	}

	resp := model.PreKeyBundleResponse{TargetUserID: req.TargetUserID}
	bundle, err := s.svc.Bundles.RequestBundle(ctx, userID, req.TargetUserID)
	switch {
	case err != nil:
		resp.Error = bundleErrorText(err)
	case bundle == nil:
		resp.Error = "bundle not found"
	default:
		resp.Success = true
		resp.Bundle = bundle
	}
	return resp
}

func (s *HttpServer) publishBundle(ctx context.Context, userID string, data json.RawMessage) model.PublishPreKeyBundleResponse {
	var bundle model.PublishBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return model.PublishPreKeyBundleResponse{Error: "malformed bundle"}
	}

	if err := s.svc.Bundles.PublishBundle(ctx, userID, bundle); err != nil {
		return model.PublishPreKeyBundleResponse{Error: bundleErrorText(err)}
	}
	return model.PublishPreKeyBundleResponse{Success: true}
}

func (s *HttpServer) initiate(ctx context.Context, userID string, data json.RawMessage) model.HandshakeAck {
	var req model.InitiateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ResponderID == "" {
		return model.HandshakeAck{Error: handshake.ErrCannotEstablish.Error()}
	}
	// the initiator is whoever owns the connection
	req.InitiatorID = userID

	id, err := s.svc.Handshakes.Initiate(ctx, req)
	if err != nil {
		return model.HandshakeAck{ResponderID: req.ResponderID, Error: handshake.ErrCannotEstablish.Error()}
	}
	return model.HandshakeAck{Success: true, ResponderID: req.ResponderID, HandshakeID: id}
}

func (s *HttpServer) respond(ctx context.Context, userID string, data json.RawMessage) model.HandshakeAck {
	var req model.RespondRequest
	if err := json.Unmarshal(data, &req); err != nil || req.InitiatorID == "" {
		return model.HandshakeAck{Error: "initiator_id is required"}
	}
	req.ResponderID = userID

	if err := s.svc.Handshakes.Respond(ctx, req); err != nil {
		return model.HandshakeAck{Error: "response could not be delivered"}
	}
	return model.HandshakeAck{Success: true}
}

// bundleErrorText keeps directory internals out of client replies.
func bundleErrorText(err error) string {
	switch {
	case errors.Is(err, prekey.ErrRateLimited):
		return prekey.ErrRateLimited.Error()
	case errors.Is(err, prekey.ErrBundleRejected):
		return prekey.ErrBundleRejected.Error()
	case errors.Is(err, prekey.ErrDirectoryUnavailable):
		return prekey.ErrDirectoryUnavailable.Error()
	default:
		log.Error("pre-key request failed", zap.Error(err))
		return "internal error"
	}
}
