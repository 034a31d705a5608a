package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain/repositories"
)

// FileSpeaker "plays" mono PCM16 payloads by appending them to a writer.
// With Realtime set each payload blocks for its spoken duration, so
// interruptions behave like they would on a real device.
type FileSpeaker struct {
	w          io.Writer
	sampleRate int
	realtime   bool
	logger     *zap.Logger

	mu      sync.Mutex
	written int64
}

var _ repositories.Speaker = (*FileSpeaker)(nil)

// NewFileSpeaker creates a speaker writing to w.
func NewFileSpeaker(w io.Writer, sampleRate int, realtime bool, logger *zap.Logger) *FileSpeaker {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &FileSpeaker{w: w, sampleRate: sampleRate, realtime: realtime, logger: logger}
}

// DecodeAndPlay rejects odd-length payloads. A cancelled ctx cuts the
// pacing wait short and returns ctx.Err().
func (s *FileSpeaker) DecodeAndPlay(ctx context.Context, payload []byte) error {
	if len(payload)%2 != 0 {
		return fmt.Errorf("pcm16 payload has odd length %d", len(payload))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	n, err := s.w.Write(payload)
	s.written += int64(n)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}

	if !s.realtime {
		return nil
	}

	duration := time.Duration(len(payload)/2) * time.Second / time.Duration(s.sampleRate)
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.logger.Debug("Playback interrupted", zap.Duration("chunkDuration", duration))
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Written returns the number of bytes written so far.
func (s *FileSpeaker) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
