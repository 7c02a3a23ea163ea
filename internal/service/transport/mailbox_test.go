package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport/transporttest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMailbox(t *testing.T, opts ...transport.MailboxOption) (*transport.Mailbox, *transporttest.Recorder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rec := transporttest.NewRecorder()
	events := []string{model.EventX3DHInitiate}
	return transport.NewMailbox(rec, redisSvc.NewRedis(rdb), time.Hour, events, opts...), rec, mr
}

func TestMailboxParksSelectedEvents(t *testing.T) {
	ctx := context.Background()
	box, rec, mr := newMailbox(t)
	rec.Offline["bob"] = true

	initiate := model.X3DHInitiate{InitiatorID: "alice", IdentityKey: []byte{1}, EphemeralKey: []byte{2}}
	require.NoError(t, box.PushToUser(ctx, "bob", model.EventX3DHInitiate, initiate))
	assert.Equal(t, time.Hour, mr.TTL("mailbox:bob"))

	err := box.PushToUser(ctx, "bob", model.EventGroupKeyUpdate, model.GroupKeyUpdate{})
	assert.ErrorIs(t, err, transport.ErrUserOffline, "other events are not parked")

	envs, err := box.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, model.EventX3DHInitiate, envs[0].Event)

	var got model.X3DHInitiate
	require.NoError(t, json.Unmarshal(envs[0].Data, &got))
	assert.Equal(t, initiate, got)

	envs, err = box.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestMailboxPassesThroughWhenOnline(t *testing.T) {
	ctx := context.Background()
	box, rec, mr := newMailbox(t)

	require.NoError(t, box.PushToUser(ctx, "bob", model.EventX3DHInitiate, model.X3DHInitiate{InitiatorID: "alice"}))
	assert.Len(t, rec.ToUser("bob", model.EventX3DHInitiate), 1)
	assert.False(t, mr.Exists("mailbox:bob"))

	require.NoError(t, box.PushToConversation(ctx, "c1", model.EventGroupKeyUpdate, model.GroupKeyUpdate{}))
	assert.Equal(t, []string{model.EventX3DHInitiate, model.EventGroupKeyUpdate}, rec.Events())
}

func TestSealedMailbox(t *testing.T) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{7}, 32)
	box, rec, mr := newMailbox(t, transport.WithSealKey(key))
	rec.Offline["bob"] = true

	initiate := model.X3DHInitiate{InitiatorID: "alice", IdentityKey: []byte{1}, EphemeralKey: []byte{2}}
	require.NoError(t, box.PushToUser(ctx, "bob", model.EventX3DHInitiate, initiate))

	parked, err := mr.List("mailbox:bob")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.NotContains(t, parked[0], "alice", "frames are not stored in the clear")

	// a frame moved to another mailbox does not open
	mr.RPush("mailbox:carol", parked[0])
	envs, err := box.Drain(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, envs)

	envs, err = box.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	var got model.X3DHInitiate
	require.NoError(t, json.Unmarshal(envs[0].Data, &got))
	assert.Equal(t, initiate, got)
}
