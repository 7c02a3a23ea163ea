package rotation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/group"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport/transporttest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T, members transporttest.Members) (*Coordinator, *group.KeyRing, *transporttest.Recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rec := transporttest.NewRecorder()
	ring := group.NewKeyRing(redisSvc.NewRedis(rdb), rec, 0)
	c := NewCoordinator(ring, rec, members, 20*time.Millisecond)
	t.Cleanup(c.Close)
	return c, ring, rec
}

func announcements(t *testing.T, rec *transporttest.Recorder) []model.GroupKeyAnnouncement {
	t.Helper()
	var out []model.GroupKeyAnnouncement
	for _, p := range rec.Pushes() {
		if p.Event != model.EventGroupKeyAnnouncement {
			continue
		}
		var a model.GroupKeyAnnouncement
		require.NoError(t, json.Unmarshal(p.Data, &a))
		out = append(out, a)
	}
	return out
}

func TestAnnounceKeyChangeCancelsScheduled(t *testing.T) {
	c, _, rec := newCoordinator(t, nil)

	c.ScheduleAnnouncement("c1", "alice", model.ReasonMemberChange, time.Hour)
	require.Equal(t, 1, c.Pending())

	require.NoError(t, c.AnnounceKeyChange(context.Background(), "c1", "alice", model.ReasonCompromise))
	assert.Zero(t, c.Pending())

	got := announcements(t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ConversationID)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, model.ReasonCompromise, got[0].Reason)
}

func TestScheduleAnnouncementDebounces(t *testing.T) {
	c, _, rec := newCoordinator(t, nil)

	c.ScheduleAnnouncement("c1", "alice", "first", 0)
	c.ScheduleAnnouncement("c1", "alice", "second", 0)
	c.ScheduleAnnouncement("c1", "alice", "third", 0)
	c.ScheduleAnnouncement("c1", "bob", "other", 0)

	require.Eventually(t, func() bool {
		return len(announcements(t, rec)) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	got := announcements(t, rec)
	require.Len(t, got, 2, "rapid triggers collapse into one announcement per member")

	reasons := map[string]string{}
	for _, a := range got {
		reasons[a.UserID] = a.Reason
	}
	assert.Equal(t, map[string]string{"alice": "third", "bob": "other"}, reasons)
	assert.Zero(t, c.Pending())
}

func TestCancelAnnouncement(t *testing.T) {
	c, _, rec := newCoordinator(t, nil)

	c.ScheduleAnnouncement("c1", "alice", model.ReasonRotation, 0)
	assert.True(t, c.CancelAnnouncement("c1", "alice"))
	assert.False(t, c.CancelAnnouncement("c1", "alice"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, announcements(t, rec))
}

func TestFlush(t *testing.T) {
	c, _, rec := newCoordinator(t, nil)

	c.ScheduleAnnouncement("c1", "alice", model.ReasonRotation, time.Hour)
	c.ScheduleAnnouncement("c2", "bob", model.ReasonRotation, time.Hour)

	require.NoError(t, c.Flush(context.Background()))
	assert.Zero(t, c.Pending())
	assert.Len(t, announcements(t, rec), 2)
}

func TestCloseDropsPending(t *testing.T) {
	c, _, rec := newCoordinator(t, nil)

	c.ScheduleAnnouncement("c1", "alice", model.ReasonRotation, 0)
	c.Close()
	assert.Zero(t, c.Pending())

	c.ScheduleAnnouncement("c1", "bob", model.ReasonRotation, 0)
	assert.Zero(t, c.Pending(), "schedules after close are dropped")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, announcements(t, rec))
}

func TestCoordinateRotation(t *testing.T) {
	ctx := context.Background()
	c, ring, rec := newCoordinator(t, nil)
	members := []string{"alice", "bob", "carol"}

	for _, m := range members {
		_, err := ring.GenerateSenderKey(ctx, m, "c1")
		require.NoError(t, err)
	}
	rec.Reset()

	keys, err := c.CoordinateRotation(ctx, "c1", members)
	require.NoError(t, err)
	require.Len(t, keys, len(members))
	for _, sk := range keys {
		assert.Equal(t, uint64(2), sk.Generation)
	}

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventGroupRotationPrepare, events[0])
	assert.Equal(t, model.EventGroupRotationComplete, events[len(events)-1])

	for _, m := range members {
		assert.Len(t, rec.ToUser(m, model.EventGroupSenderKeyDistribute), len(members)-1)
	}
}

func TestResolveKeyConflict(t *testing.T) {
	ctx := context.Background()
	c, ring, rec := newCoordinator(t, transporttest.Members{"c1": {"alice", "bob", "carol"}})

	_, err := ring.GenerateSenderKey(ctx, "alice", "c1")
	require.NoError(t, err)
	rec.Reset()

	sk, err := c.ResolveKeyConflict(ctx, "c1", "alice", []uint64{3, 5, 4})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sk.Generation)
	require.NoError(t, ring.VerifyGeneration(ctx, "alice", "c1", 6))

	assert.Empty(t, rec.ToUser("alice", model.EventGroupSenderKeyDistribute))
	assert.Len(t, rec.ToUser("bob", model.EventGroupSenderKeyDistribute), 1)
	assert.Len(t, rec.ToUser("carol", model.EventGroupSenderKeyDistribute), 1)

	pushes := rec.Pushes()
	last := pushes[len(pushes)-1]
	require.Equal(t, model.EventGroupConflictResolved, last.Event)

	var resolved model.GroupConflictResolved
	require.NoError(t, json.Unmarshal(last.Data, &resolved))
	assert.Equal(t, uint64(5), resolved.WinningGeneration)
	assert.Equal(t, uint64(6), resolved.NewGeneration)
	assert.Equal(t, "alice", resolved.UserID)

	_, err = c.ResolveKeyConflict(ctx, "c1", "alice", nil)
	assert.ErrorIs(t, err, ErrNoGenerations)
}
