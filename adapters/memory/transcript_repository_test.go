package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
)

func record(id string, endedAt time.Time) *entities.SessionRecord {
	return &entities.SessionRecord{
		ID:        id,
		StartedAt: endedAt.Add(-time.Minute),
		EndedAt:   endedAt,
		EndState:  entities.ConnectionDisconnected,
		Turns: []entities.TranscriptTurn{
			{ID: "t1", Speaker: domain.SpeakerUser, Text: "Hi", IsFinal: true},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	repo := NewTranscriptRepository()
	ctx := context.Background()
	now := time.Now()

	original := record("a", now)
	require.NoError(t, repo.Save(ctx, original))

	// Mutating the caller's copy does not leak into the store.
	original.Turns[0].Text = "changed"

	got, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Hi", got.Turns[0].Text)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrRecordNotFound)

	assert.Error(t, repo.Save(ctx, nil))
	assert.Error(t, repo.Save(ctx, &entities.SessionRecord{ID: "x"}))
}

func TestListNewestFirst(t *testing.T) {
	repo := NewTranscriptRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Save(ctx, record("old", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Save(ctx, record("new", now)))
	require.NoError(t, repo.Save(ctx, record("mid", now.Add(-time.Hour))))

	list, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})

	limited, err := repo.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteEndedBefore(t *testing.T) {
	repo := NewTranscriptRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Save(ctx, record("expired", now.Add(-100*time.Hour))))
	require.NoError(t, repo.Save(ctx, record("fresh", now)))

	deleted, err := repo.DeleteEndedBefore(ctx, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	list, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ID)
}
