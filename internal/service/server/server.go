package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

type (
	BundleService interface {
		RequestBundle(ctx context.Context, requesterID, targetUserID string) (*model.PreKeyBundle, error)
		PublishBundle(ctx context.Context, userID string, bundle model.PublishBundle) error
	}

	Handshaker interface {
		Initiate(ctx context.Context, req model.InitiateRequest) (string, error)
		Respond(ctx context.Context, req model.RespondRequest) error
	}

	GroupKeys interface {
		HandleMemberJoin(ctx context.Context, conversationID, newMemberID string, existingMemberIDs []string) (*model.SenderKey, error)
		HandleMemberLeave(ctx context.Context, conversationID, leavingMemberID string, remainingMemberIDs []string) error
	}

	Rotator interface {
		CoordinateRotation(ctx context.Context, conversationID string, memberIDs []string) ([]*model.SenderKey, error)
		ResolveKeyConflict(ctx context.Context, conversationID, userID string, conflictingGenerations []uint64) (*model.SenderKey, error)
		ScheduleAnnouncement(conversationID, userID, reason string, delay time.Duration)
	}

	// Membership is the membership service's view of who is in a
	// conversation.
	Membership interface {
		transport.MembershipDirectory
		IsActive(ctx context.Context, conversationID, userID string) (bool, error)
	}

	Mailbox interface {
		Drain(ctx context.Context, userID string) ([]model.Envelope, error)
	}

	Config struct {
		ListenAddr               string
		DrainDuration            time.Duration
		GracefulShutdownDuration time.Duration
		ReadTimeout              time.Duration
	}

	Services struct {
		Hub        *transport.Hub
		Members    Membership
		Bundles    BundleService
		Handshakes Handshaker
		Groups     GroupKeys
		Rotation   Rotator
		Mailbox    Mailbox

		// ReadinessChecks must all pass for /readyz to report ready.
		ReadinessChecks []func(context.Context) error
	}

	// HttpServer is the client-facing gateway: a websocket endpoint relaying
	// key exchange events and a control API for the membership service.
	HttpServer struct {
		cfg Config
		svc Services

		isReady  atomic.Bool
		upgrader websocket.Upgrader
		srv      *http.Server
	}
)

func NewHttpServer(cfg Config, svc Services) *HttpServer {
	s := &HttpServer{
		cfg: cfg,
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
	s.isReady.Store(true)

	s.srv = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.Router(),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/livez", s.handleLivenessCheck).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadinessCheck).Methods(http.MethodGet)

	// the request logger wraps the ResponseWriter, which would break the
	// websocket hijack, so it only covers the control API
	api := r.PathPrefix("/conversations").Subrouter()
	api.Use(requestLogger)
	api.HandleFunc("/{id}/members", s.HandleMemberJoin()).Methods(http.MethodPost)
	api.HandleFunc("/{id}/members/{userId}", s.HandleMemberLeave()).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/rotate", s.HandleRotate()).Methods(http.MethodPost)
	api.HandleFunc("/{id}/conflicts", s.HandleConflict()).Methods(http.MethodPost)
	return r
}

func (s *HttpServer) RunInBackground() {
	go func() {
		log.Info("starting HTTP server", zap.String("listen_addr", s.cfg.ListenAddr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown fails readiness, waits the drain duration so load balancers
// notice, then stops accepting requests.
func (s *HttpServer) Shutdown() {
	s.isReady.Store(false)
	if s.cfg.DrainDuration > 0 {
		log.Info("draining", zap.Duration("duration", s.cfg.DrainDuration))
		time.Sleep(s.cfg.DrainDuration)
	}

	timeout := s.cfg.GracefulShutdownDuration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Error("graceful HTTP server shutdown failed", zap.Error(err))
		return
	}
	log.Info("HTTP server gracefully stopped")
}

func (s *HttpServer) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *HttpServer) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	for _, check := range s.svc.ReadinessChecks {
		if err := check(r.Context()); err != nil {
			log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
