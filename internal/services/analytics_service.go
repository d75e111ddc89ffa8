package services

import (
	"context"
	"log"
	"time"

	"github.com/rreusch2/parleyapp-sub005/internal/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// AnalyticsService handles minimal turn tracking (non-invasive). All
// methods are nil-receiver safe so callers never have to guard the
// optional wiring.
type AnalyticsService struct {
	mongoDB *database.MongoDB
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(mongoDB *database.MongoDB) *AnalyticsService {
	return &AnalyticsService{
		mongoDB: mongoDB,
	}
}

// TurnRecord stores minimal data about one processed message turn
type TurnRecord struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID     string             `bson:"sessionId" json:"sessionId"`
	UserID        string             `bson:"userId" json:"userId"`
	Tier          string             `bson:"tier" json:"tier"`
	DurationMs    int64              `bson:"durationMs" json:"durationMs"`
	ArtifactCount int                `bson:"artifactCount" json:"artifactCount"`
	Error         string             `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt" json:"createdAt"`
}

func (s *AnalyticsService) collection() *mongo.Collection {
	return s.mongoDB.Database().Collection(database.CollectionProfessorLockTurns)
}

// RecordTurn stores one turn record. Failures are logged, never escalated:
// analytics must not affect session processing.
func (s *AnalyticsService) RecordTurn(ctx context.Context, record TurnRecord) {
	if s == nil || s.mongoDB == nil {
		return // analytics disabled
	}

	if _, err := s.collection().InsertOne(ctx, record); err != nil {
		log.Printf("⚠️  [ANALYTICS] Failed to record turn for session %s: %v", record.SessionID, err)
	}
}

// EnsureIndexes creates the indexes the turn queries need
func (s *AnalyticsService) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.mongoDB == nil {
		return nil
	}

	_, err := s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "sessionId", Value: 1},
			{Key: "createdAt", Value: -1},
		},
	})
	return err
}
