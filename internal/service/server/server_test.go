package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/prekey"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/rotation"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport/transporttest"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type mockBundles struct{ mock.Mock }

func (m *mockBundles) RequestBundle(ctx context.Context, requesterID, targetUserID string) (*model.PreKeyBundle, error) {
	args := m.Called(ctx, requesterID, targetUserID)
	b, _ := args.Get(0).(*model.PreKeyBundle)
	return b, args.Error(1)
}

func (m *mockBundles) PublishBundle(ctx context.Context, userID string, bundle model.PublishBundle) error {
	return m.Called(ctx, userID, bundle).Error(0)
}

type mockHandshakes struct{ mock.Mock }

func (m *mockHandshakes) Initiate(ctx context.Context, req model.InitiateRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockHandshakes) Respond(ctx context.Context, req model.RespondRequest) error {
	return m.Called(ctx, req).Error(0)
}

type mockGroups struct{ mock.Mock }

func (m *mockGroups) HandleMemberJoin(ctx context.Context, conversationID, newMemberID string, existing []string) (*model.SenderKey, error) {
	args := m.Called(ctx, conversationID, newMemberID, existing)
	sk, _ := args.Get(0).(*model.SenderKey)
	return sk, args.Error(1)
}

func (m *mockGroups) HandleMemberLeave(ctx context.Context, conversationID, leavingMemberID string, remaining []string) error {
	return m.Called(ctx, conversationID, leavingMemberID, remaining).Error(0)
}

type mockRotation struct{ mock.Mock }

func (m *mockRotation) CoordinateRotation(ctx context.Context, conversationID string, memberIDs []string) ([]*model.SenderKey, error) {
	args := m.Called(ctx, conversationID, memberIDs)
	keys, _ := args.Get(0).([]*model.SenderKey)
	return keys, args.Error(1)
}

func (m *mockRotation) ResolveKeyConflict(ctx context.Context, conversationID, userID string, generations []uint64) (*model.SenderKey, error) {
	args := m.Called(ctx, conversationID, userID, generations)
	sk, _ := args.Get(0).(*model.SenderKey)
	return sk, args.Error(1)
}

func (m *mockRotation) ScheduleAnnouncement(conversationID, userID, reason string, delay time.Duration) {
	m.Called(conversationID, userID, reason, delay)
}

type parked map[string][]model.Envelope

func (p parked) Drain(_ context.Context, userID string) ([]model.Envelope, error) {
	envs := p[userID]
	delete(p, userID)
	return envs, nil
}

type fixture struct {
	server     *HttpServer
	url        string
	bundles    *mockBundles
	handshakes *mockHandshakes
	groups     *mockGroups
	rotation   *mockRotation
}

func newFixture(t *testing.T, members transporttest.Members, mailbox Mailbox, checks ...func(context.Context) error) *fixture {
	t.Helper()
	f := &fixture{
		bundles:    &mockBundles{},
		handshakes: &mockHandshakes{},
		groups:     &mockGroups{},
		rotation:   &mockRotation{},
	}
	f.server = NewHttpServer(Config{}, Services{
		Hub:             transport.NewHub(members),
		Members:         members,
		Bundles:         f.bundles,
		Handshakes:      f.handshakes,
		Groups:          f.groups,
		Rotation:        f.rotation,
		Mailbox:         mailbox,
		ReadinessChecks: checks,
	})

	srv := httptest.NewServer(f.server.Router())
	t.Cleanup(srv.Close)
	f.url = srv.URL

	t.Cleanup(func() {
		f.bundles.AssertExpectations(t)
		f.handshakes.AssertExpectations(t)
		f.groups.AssertExpectations(t)
		f.rotation.AssertExpectations(t)
	})
	return f
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.url, "http") + "/ws?userID=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := transport.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func receive(t *testing.T, ws *websocket.Conn, wantEvent string, out any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env model.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	require.Equal(t, wantEvent, env.Event)
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.url+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebsocketRequiresUserID(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp := f.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBundleRequest(t *testing.T) {
	f := newFixture(t, nil, nil)
	bundle := &model.PreKeyBundle{UserID: "bob", IdentityKey: []byte{1, 2, 3}}
	f.bundles.On("RequestBundle", mock.Anything, "alice", "bob").Return(bundle, nil).Once()
	f.bundles.On("RequestBundle", mock.Anything, "alice", "ghost").Return(nil, nil).Once()
	f.bundles.On("RequestBundle", mock.Anything, "alice", "carol").Return(nil, prekey.ErrRateLimited).Once()

	ws := f.dial(t, "alice")

	var resp model.PreKeyBundleResponse
	send(t, ws, model.EventPreKeyBundleRequest, model.PreKeyBundleRequest{TargetUserID: "bob"})
	receive(t, ws, model.EventPreKeyBundleResponse, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, bundle, resp.Bundle)

	resp = model.PreKeyBundleResponse{}
	send(t, ws, model.EventPreKeyBundleRequest, model.PreKeyBundleRequest{TargetUserID: "ghost"})
	receive(t, ws, model.EventPreKeyBundleResponse, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "bundle not found", resp.Error)

	resp = model.PreKeyBundleResponse{}
	send(t, ws, model.EventPreKeyBundleRequest, model.PreKeyBundleRequest{TargetUserID: "carol"})
	receive(t, ws, model.EventPreKeyBundleResponse, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, prekey.ErrRateLimited.Error(), resp.Error)
}

func TestPublishBundle(t *testing.T) {
	f := newFixture(t, nil, nil)
	bundle := model.PublishBundle{
		IdentityKey:  []byte{1},
		SignedPreKey: model.SignedPreKey{KeyID: 1, PublicKey: []byte{2}},
	}
	f.bundles.On("PublishBundle", mock.Anything, "alice", bundle).Return(nil).Once()

	ws := f.dial(t, "alice")
	send(t, ws, model.EventPublishPreKeyBundle, bundle)

	var resp model.PublishPreKeyBundleResponse
	receive(t, ws, model.EventPublishPreKeyBundleResponse, &resp)
	assert.True(t, resp.Success)
}

func TestInitiateUsesConnectionIdentity(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.handshakes.On("Initiate", mock.Anything, mock.MatchedBy(func(req model.InitiateRequest) bool {
		return req.InitiatorID == "alice" && req.ResponderID == "bob"
	})).Return("hs-1", nil).Once()

	ws := f.dial(t, "alice")
	send(t, ws, model.EventX3DHInitiate, model.InitiateRequest{
		InitiatorID:  "mallory",
		ResponderID:  "bob",
		IdentityKey:  []byte{1},
		EphemeralKey: []byte{2},
	})

	var ack model.HandshakeAck
	receive(t, ws, model.EventX3DHInitiationResponse, &ack)
	assert.True(t, ack.Success)
	assert.Equal(t, "bob", ack.ResponderID)
	assert.Equal(t, "hs-1", ack.HandshakeID)
}

func TestInitiateFailureIsOpaque(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.handshakes.On("Initiate", mock.Anything, mock.Anything).
		Return("", errors.New("cannot establish secure session: redis: connection refused")).Once()

	ws := f.dial(t, "alice")
	send(t, ws, model.EventX3DHInitiate, model.InitiateRequest{ResponderID: "bob"})

	var ack model.HandshakeAck
	receive(t, ws, model.EventX3DHInitiationResponse, &ack)
	assert.False(t, ack.Success)
	assert.Equal(t, "cannot establish secure session", ack.Error)
}

func TestRespond(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.handshakes.On("Respond", mock.Anything, mock.MatchedBy(func(req model.RespondRequest) bool {
		return req.ResponderID == "bob" && req.InitiatorID == "alice" && req.Accepted
	})).Return(nil).Once()

	ws := f.dial(t, "bob")
	send(t, ws, model.EventX3DHRespond, model.RespondRequest{InitiatorID: "alice", Accepted: true})

	var ack model.HandshakeAck
	receive(t, ws, model.EventX3DHResponseSent, &ack)
	assert.True(t, ack.Success)
}

func TestParkedEventsForwardedOnConnect(t *testing.T) {
	initiate, err := json.Marshal(model.X3DHInitiate{InitiatorID: "alice", EphemeralKey: []byte{9}})
	require.NoError(t, err)
	f := newFixture(t, nil, parked{"bob": {{Event: model.EventX3DHInitiate, Data: initiate}}})

	ws := f.dial(t, "bob")

	var got model.X3DHInitiate
	receive(t, ws, model.EventX3DHInitiate, &got)
	assert.Equal(t, "alice", got.InitiatorID)
	assert.Equal(t, []byte{9}, got.EphemeralKey)
}

func TestMemberJoin(t *testing.T) {
	f := newFixture(t, transporttest.Members{"c1": {"alice", "bob", "carol"}}, nil)
	f.groups.On("HandleMemberJoin", mock.Anything, "c1", "carol", []string{"alice", "bob"}).
		Return(&model.SenderKey{UserID: "carol", ConversationID: "c1", Generation: 1}, nil).Once()
	f.rotation.On("ScheduleAnnouncement", "c1", "carol", model.ReasonMemberChange, time.Duration(0)).Return().Once()

	resp := f.do(t, http.MethodPost, "/conversations/c1/members", memberRequest{UserID: "carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got generationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, generationResponse{UserID: "carol", Generation: 1}, got)

	resp = f.do(t, http.MethodPost, "/conversations/c1/members", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/conversations/c1/members", memberRequest{UserID: "dave"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "dave has not joined")
	f.groups.AssertNumberOfCalls(t, "HandleMemberJoin", 1)
}

func TestMemberLeave(t *testing.T) {
	f := newFixture(t, transporttest.Members{"c1": {"alice", "carol"}}, nil)
	f.groups.On("HandleMemberLeave", mock.Anything, "c1", "bob", []string{"alice", "carol"}).Return(nil).Once()

	resp := f.do(t, http.MethodDelete, "/conversations/c1/members/bob", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/conversations/c1/members/alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "alice is still active")
	f.groups.AssertNumberOfCalls(t, "HandleMemberLeave", 1)
}

func TestRotate(t *testing.T) {
	f := newFixture(t, transporttest.Members{"c1": {"alice", "bob"}}, nil)
	f.rotation.On("CoordinateRotation", mock.Anything, "c1", []string{"alice", "bob"}).Return([]*model.SenderKey{
		{UserID: "alice", Generation: 4},
		{UserID: "bob", Generation: 2},
	}, nil).Once()

	resp := f.do(t, http.MethodPost, "/conversations/c1/rotate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got rotateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []generationResponse{{UserID: "alice", Generation: 4}, {UserID: "bob", Generation: 2}}, got.Rotated)

	resp = f.do(t, http.MethodPost, "/conversations/empty/rotate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConflict(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.rotation.On("ResolveKeyConflict", mock.Anything, "c1", "alice", []uint64{3, 5}).
		Return(&model.SenderKey{UserID: "alice", Generation: 6}, nil).Once()
	f.rotation.On("ResolveKeyConflict", mock.Anything, "c1", "alice", []uint64(nil)).
		Return(nil, rotation.ErrNoGenerations).Once()

	resp := f.do(t, http.MethodPost, "/conversations/c1/conflicts", conflictRequest{UserID: "alice", Generations: []uint64{3, 5}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got generationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, uint64(6), got.Generation)

	resp = f.do(t, http.MethodPost, "/conversations/c1/conflicts", conflictRequest{UserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	var failing atomic.Bool
	check := func(context.Context) error {
		if failing.Load() {
			return errors.New("redis down")
		}
		return nil
	}
	f := newFixture(t, nil, nil, check)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/livez", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).StatusCode)

	failing.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil).StatusCode)

	failing.Store(false)
	f.server.Shutdown()
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/livez", nil).StatusCode)
}
