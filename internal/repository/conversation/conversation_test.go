package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const ns = "keys.conversation_participants"

func TestActiveMembers(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("lists user ids", func(mt *mtest.T) {
		repo := NewParticipantRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "user_id", Value: "alice"}},
			bson.D{{Key: "user_id", Value: "bob"}},
		))

		ids, err := repo.ActiveMembers(context.Background(), "c1")
		require.NoError(mt, err)
		assert.Equal(mt, []string{"alice", "bob"}, ids)
	})

	mt.Run("empty conversation", func(mt *mtest.T) {
		repo := NewParticipantRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		ids, err := repo.ActiveMembers(context.Background(), "c1")
		require.NoError(mt, err)
		assert.Empty(mt, ids)
	})

	mt.Run("server error", func(mt *mtest.T) {
		repo := NewParticipantRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad query"}))

		_, err := repo.ActiveMembers(context.Background(), "c1")
		assert.Error(mt, err)
	})
}

func TestIsActive(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("member", func(mt *mtest.T) {
		repo := NewParticipantRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "conversation_id", Value: "c1"}, {Key: "user_id", Value: "alice"}, {Key: "left_at", Value: nil}},
		))

		ok, err := repo.IsActive(context.Background(), "c1", "alice")
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("left", func(mt *mtest.T) {
		repo := NewParticipantRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "conversation_id", Value: "c1"}, {Key: "user_id", Value: "bob"}, {Key: "left_at", Value: time.Now()}},
		))

		ok, err := repo.IsActive(context.Background(), "c1", "bob")
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("never joined", func(mt *mtest.T) {
		repo := NewParticipantRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		p, err := repo.Get(context.Background(), "c1", "carol")
		require.NoError(mt, err)
		assert.Nil(mt, p)
	})
}
