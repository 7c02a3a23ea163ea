package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	ParticipantRepo struct {
		collection *mongo.Collection
	}
)

func NewParticipantRepo(db *mongo.Database) *ParticipantRepo {
	return &ParticipantRepo{
		collection: db.Collection("conversation_participants"),
	}
}

// ActiveMembers lists the users of conversationID that have not left.
func (r *ParticipantRepo) ActiveMembers(ctx context.Context, conversationID string) ([]string, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"left_at":         nil,
	}
	opts := options.Find().
		SetProjection(bson.M{"user_id": 1}).
		SetSort(bson.M{"joined_at": 1})

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find participants of %s: %w", conversationID, err)
	}

	var participants []model.Participant
	if err := cur.All(ctx, &participants); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

// Get returns the participant record, or nil when userID never joined.
func (r *ParticipantRepo) Get(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"user_id":         userID,
	}

	var p model.Participant
	err := r.collection.FindOne(ctx, filter).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// IsActive reports whether userID currently belongs to conversationID.
func (r *ParticipantRepo) IsActive(ctx context.Context, conversationID, userID string) (bool, error) {
	p, err := r.Get(ctx, conversationID, userID)
	if err != nil || p == nil {
		return false, err
	}
	return p.LeftAt == nil, nil
}

func (r *ParticipantRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Touch pings the server for readiness checks.
func (r *ParticipantRepo) Touch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.collection.Database().Client().Ping(ctx, nil)
}
