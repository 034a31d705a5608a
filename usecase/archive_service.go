package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
)

const (
	archiveTimeout = 10 * time.Second
	expireTimeout  = 5 * time.Minute
)

// ArchiveService stores the transcript of every finished session and
// expires old archives on a cron schedule.
type ArchiveService struct {
	repo   repositories.TranscriptRepository
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	scheduler *cron.Cron
	wg        sync.WaitGroup
}

// NewArchiveService creates a new archive service. A zero maxAge keeps
// archives forever.
func NewArchiveService(repo repositories.TranscriptRepository, maxAge time.Duration, logger *zap.Logger) *ArchiveService {
	return &ArchiveService{
		repo:   repo,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Watch archives the summary of each session the subscription reports as
// ended. It returns immediately; the watcher stops when the subscription
// is closed.
func (s *ArchiveService) Watch(sub *Subscription) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub.Events() {
			if ev.Type != EventEnded || ev.Summary == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			if err := s.Archive(ctx, ev.Summary); err != nil {
				s.logger.Error("Failed to archive session",
					zap.String("sessionId", ev.Summary.SessionID),
					zap.Error(err))
			}
			cancel()
		}
	}()
}

// Archive saves a copy of record under a fresh id. Sessions without a
// single final turn are not stored.
func (s *ArchiveService) Archive(ctx context.Context, record *entities.SessionRecord) error {
	if len(record.Turns) == 0 {
		s.logger.Debug("Skipping empty session", zap.String("sessionId", record.SessionID))
		return nil
	}

	stored := *record
	if stored.ID == "" {
		stored.ID = s.newID()
	}
	if err := s.repo.Save(ctx, &stored); err != nil {
		return err
	}

	s.logger.Info("Archived session transcript",
		zap.String("id", stored.ID),
		zap.String("sessionId", stored.SessionID),
		zap.String("endState", string(stored.EndState)),
		zap.Int("turns", len(stored.Turns)),
		zap.Duration("duration", stored.Duration()))
	return nil
}

// List returns the most recent archives.
func (s *ArchiveService) List(ctx context.Context, limit int) ([]*entities.SessionRecord, error) {
	return s.repo.List(ctx, limit)
}

// Get returns one archive or repositories.ErrRecordNotFound.
func (s *ArchiveService) Get(ctx context.Context, id string) (*entities.SessionRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// Expire deletes archives that ended more than maxAge ago.
func (s *ArchiveService) Expire(ctx context.Context) (int64, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.maxAge)
	deleted, err := s.repo.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire archives: %w", err)
	}
	s.logger.Info("Expired session archives",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff))
	return deleted, nil
}

// StartRetention schedules Expire. Schedule takes standard cron syntax or
// descriptors such as "@every 1h".
func (s *ArchiveService) StartRetention(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return fmt.Errorf("retention already started")
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
		defer cancel()
		if _, err := s.Expire(ctx); err != nil {
			s.logger.Error("Archive retention run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	scheduler.Start()
	s.scheduler = scheduler
	s.logger.Info("Archive retention started",
		zap.String("schedule", schedule),
		zap.Duration("maxAge", s.maxAge))
	return nil
}

// Stop halts the retention job, waiting for a running one, and waits for
// watchers whose subscriptions are already closed.
func (s *ArchiveService) Stop() {
	s.mu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
		s.logger.Info("Archive retention stopped")
	}
	s.wg.Wait()
}
