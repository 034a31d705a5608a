package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
)

const transcriptsCollection = "transcripts"

type TranscriptRepository struct {
	collection *mongo.Collection
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates a new MongoDB transcript repository
func NewTranscriptRepository(db *mongo.Database) *TranscriptRepository {
	return &TranscriptRepository{
		collection: db.Collection(transcriptsCollection),
	}
}

// EnsureIndexes creates the index used by List and DeleteEndedBefore.
func (r *TranscriptRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ended_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create transcript index: %w", err)
	}
	return nil
}

// Save implements repositories.TranscriptRepository
func (r *TranscriptRepository) Save(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": record.ID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript %s: %w", record.ID, err)
	}
	return nil
}

// GetByID implements repositories.TranscriptRepository
func (r *TranscriptRepository) GetByID(ctx context.Context, id string) (*entities.SessionRecord, error) {
	if id == "" {
		return nil, errors.New("record ID cannot be empty")
	}

	var record entities.SessionRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get transcript %s: %w", id, err)
	}
	return &record, nil
}

// List implements repositories.TranscriptRepository
func (r *TranscriptRepository) List(ctx context.Context, limit int) ([]*entities.SessionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ended_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer cursor.Close(ctx)

	records := []*entities.SessionRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode transcripts: %w", err)
	}
	return records, nil
}

// DeleteEndedBefore implements repositories.TranscriptRepository
func (r *TranscriptRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"ended_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete transcripts: %w", err)
	}
	return result.DeletedCount, nil
}
