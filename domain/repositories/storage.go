package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/pitchline/domain/entities"
)

// ErrRecordNotFound is returned by GetByID for an unknown id
var ErrRecordNotFound = errors.New("session record not found")

// TranscriptRepository archives the transcripts of finished sessions
type TranscriptRepository interface {
	// Save inserts the record, replacing any record with the same ID
	Save(ctx context.Context, record *entities.SessionRecord) error
	GetByID(ctx context.Context, id string) (*entities.SessionRecord, error)
	// List returns the most recently ended records first
	List(ctx context.Context, limit int) ([]*entities.SessionRecord, error)
	// DeleteEndedBefore removes archives older than cutoff and returns how many were removed
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
