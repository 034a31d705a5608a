package stt

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain/repositories"
)

// MockSpeechToText returns canned sales-pitch lines picked by the spoken
// duration of the utterance, for running the chat flow offline.
type MockSpeechToText struct {
	logger *zap.Logger
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{logger: logger}
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	sampleRate := config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	// PCM16 mono
	spoken := time.Duration(len(audioData)/2) * time.Second / time.Duration(sampleRate)

	s.logger.Debug("Mock transcription",
		zap.Int("audioSize", len(audioData)),
		zap.Duration("spoken", spoken))

	switch {
	case spoken >= 3*time.Second:
		return "Hi, this is Sam from Acme. We help logistics teams cut onboarding time in half. Do you have a minute?", nil
	case spoken >= time.Second:
		return "I understand. Can I send you a short case study?", nil
	default:
		return "Hello?", nil
	}
}
