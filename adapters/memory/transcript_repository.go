package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
)

// TranscriptRepository keeps archives in process memory. Used when no
// MongoDB URI is configured and in tests.
type TranscriptRepository struct {
	mu      sync.RWMutex
	records map[string]*entities.SessionRecord
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates an empty repository
func NewTranscriptRepository() *TranscriptRepository {
	return &TranscriptRepository{
		records: make(map[string]*entities.SessionRecord),
	}
}

// Save implements repositories.TranscriptRepository
func (m *TranscriptRepository) Save(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = clone(record)
	return nil
}

// GetByID implements repositories.TranscriptRepository
func (m *TranscriptRepository) GetByID(ctx context.Context, id string) (*entities.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, repositories.ErrRecordNotFound
	}
	return clone(record), nil
}

// List implements repositories.TranscriptRepository
func (m *TranscriptRepository) List(ctx context.Context, limit int) ([]*entities.SessionRecord, error) {
	m.mu.RLock()
	records := make([]*entities.SessionRecord, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, clone(record))
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].EndedAt.Equal(records[j].EndedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].EndedAt.After(records[j].EndedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// DeleteEndedBefore implements repositories.TranscriptRepository
func (m *TranscriptRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, record := range m.records {
		if record.EndedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func clone(record *entities.SessionRecord) *entities.SessionRecord {
	c := *record
	c.Turns = append([]entities.TranscriptTurn(nil), record.Turns...)
	return &c
}
