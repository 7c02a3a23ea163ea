package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/rotation"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	memberRequest struct {
		UserID string `json:"user_id"`
	}

	conflictRequest struct {
		UserID      string   `json:"user_id"`
		Generations []uint64 `json:"generations"`
	}

	generationResponse struct {
		UserID     string `json:"user_id"`
		Generation uint64 `json:"generation"`
	}

	rotateResponse struct {
		Rotated []generationResponse `json:"rotated"`
	}
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func without(ids []string, userID string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// membershipMatches writes 409 unless the directory agrees that userID's
// membership is active.
func (s *HttpServer) membershipMatches(w http.ResponseWriter, r *http.Request, conversationID, userID string, active bool) bool {
	ok, err := s.svc.Members.IsActive(r.Context(), conversationID, userID)
	if err != nil {
		log.Error("membership lookup failed", zap.String("conversation_id", conversationID), zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "membership lookup failed")
		return false
	}
	if ok != active {
		log.Warn("membership change does not match directory",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Bool("active", ok),
		)
		writeError(w, http.StatusConflict, "membership change does not match directory")
		return false
	}
	return true
}

// HandleMemberJoin is called by the membership service once a user has
// joined. The newcomer receives every current sender key and gets one of
// its own.
func (s *HttpServer) HandleMemberJoin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		conversationID := mux.Vars(r)["id"]

		var req memberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		if !s.membershipMatches(w, r, conversationID, req.UserID, true) {
			return
		}

		members, err := s.svc.Members.ActiveMembers(ctx, conversationID)
		if err != nil {
			log.Error("list members failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list members failed")
			return
		}

		sk, err := s.svc.Groups.HandleMemberJoin(ctx, conversationID, req.UserID, without(members, req.UserID))
		if err != nil {
			log.Error("member join failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "member join failed")
			return
		}

		s.svc.Rotation.ScheduleAnnouncement(conversationID, req.UserID, model.ReasonMemberChange, 0)
		writeJSON(w, http.StatusOK, generationResponse{UserID: sk.UserID, Generation: sk.Generation})
	}
}

// HandleMemberLeave rotates every remaining member's key after a departure.
func (s *HttpServer) HandleMemberLeave() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		conversationID, userID := vars["id"], vars["userId"]

		if !s.membershipMatches(w, r, conversationID, userID, false) {
			return
		}

		members, err := s.svc.Members.ActiveMembers(ctx, conversationID)
		if err != nil {
			log.Error("list members failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list members failed")
			return
		}

		if err := s.svc.Groups.HandleMemberLeave(ctx, conversationID, userID, without(members, userID)); err != nil {
			log.Error("member leave failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "member leave failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) HandleRotate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		conversationID := mux.Vars(r)["id"]

		members, err := s.svc.Members.ActiveMembers(ctx, conversationID)
		if err != nil {
			log.Error("list members failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list members failed")
			return
		}
		if len(members) == 0 {
			writeError(w, http.StatusNotFound, "conversation has no active members")
			return
		}

		keys, err := s.svc.Rotation.CoordinateRotation(ctx, conversationID, members)
		if err != nil {
			log.Error("rotation failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rotation failed")
			return
		}

		resp := rotateResponse{Rotated: make([]generationResponse, 0, len(keys))}
		for _, sk := range keys {
			resp.Rotated = append(resp.Rotated, generationResponse{UserID: sk.UserID, Generation: sk.Generation})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *HttpServer) HandleConflict() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		conversationID := mux.Vars(r)["id"]

		var req conflictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		sk, err := s.svc.Rotation.ResolveKeyConflict(ctx, conversationID, req.UserID, req.Generations)
		if errors.Is(err, rotation.ErrNoGenerations) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			log.Error("conflict resolution failed", zap.String("conversation_id", conversationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "conflict resolution failed")
			return
		}
		writeJSON(w, http.StatusOK, generationResponse{UserID: sk.UserID, Generation: sk.Generation})
	}
}
