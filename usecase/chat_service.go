package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
)

var ErrEmptyMessage = errors.New("message cannot be empty")

// HistorySource supplies the final turns of the live voice session.
// *SessionController satisfies it.
type HistorySource interface {
	History() []entities.TranscriptTurn
}

// AudioPlayer queues synthesized audio. *audio.Bridge satisfies it.
type AudioPlayer interface {
	PlayChunk(payload []byte) uint64
}

// ChatReply is the outcome of one request/response exchange.
type ChatReply struct {
	UserTurn  entities.TranscriptTurn `json:"userTurn"`
	AgentTurn entities.TranscriptTurn `json:"agentTurn"`
	// AudioChunks is the number of synthesized chunks queued for playback.
	AudioChunks int    `json:"audioChunks"`
	SpeechError string `json:"speechError,omitempty"`
}

// ChatService is the text (or recorded utterance) alternative to the live
// voice session: each message is one ChatCompleter round trip over the
// conversation so far.
type ChatService struct {
	completer    repositories.ChatCompleter
	systemPrompt string
	logger       *zap.Logger

	source      HistorySource
	tts         repositories.TextToSpeech
	player      AudioPlayer
	stt         repositories.SpeechToText
	audioConfig repositories.AudioConfig
	now         func() time.Time

	mu         sync.Mutex
	transcript *entities.Transcript
}

// ChatOption customizes a ChatService.
type ChatOption func(*ChatService)

// WithHistorySource prepends the live session's final turns to the history.
func WithHistorySource(source HistorySource) ChatOption {
	return func(s *ChatService) {
		s.source = source
	}
}

// WithSpeech synthesizes every reply and queues it on player.
func WithSpeech(tts repositories.TextToSpeech, player AudioPlayer) ChatOption {
	return func(s *ChatService) {
		s.tts = tts
		s.player = player
	}
}

// WithTranscriber enables ReplyToAudio.
func WithTranscriber(stt repositories.SpeechToText, config repositories.AudioConfig) ChatOption {
	return func(s *ChatService) {
		s.stt = stt
		s.audioConfig = config
	}
}

// NewChatService creates a new chat service
func NewChatService(completer repositories.ChatCompleter, systemPrompt string, logger *zap.Logger, opts ...ChatOption) *ChatService {
	s := &ChatService{
		completer:    completer,
		systemPrompt: systemPrompt,
		logger:       logger,
		now:          time.Now,
		transcript:   entities.NewTranscript(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reply sends userText with the history so far and records both turns once
// the completer answers. A failed completion records nothing.
func (s *ChatService) Reply(ctx context.Context, userText string) (*ChatReply, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.history()
	s.logger.Info("Requesting chat completion", zap.Int("historyLength", len(history)))

	text, err := s.completer.Complete(ctx, s.systemPrompt, history, userText)
	if err != nil {
		s.logger.Error("Chat completion failed", zap.Error(err))
		return nil, fmt.Errorf("failed to complete chat: %w", err)
	}

	reply := &ChatReply{
		UserTurn:  s.transcript.AppendFinal(domain.SpeakerUser, userText, s.now()),
		AgentTurn: s.transcript.AppendFinal(domain.SpeakerAgent, text, s.now()),
	}

	if s.tts != nil && s.player != nil {
		chunks, err := s.speak(ctx, text)
		reply.AudioChunks = chunks
		if err != nil {
			s.logger.Warn("Failed to synthesize reply", zap.Error(err))
			reply.SpeechError = err.Error()
		}
	}
	return reply, nil
}

// ReplyToAudio transcribes one recorded PCM16 utterance and replies to it.
func (s *ChatService) ReplyToAudio(ctx context.Context, pcm []byte) (*ChatReply, error) {
	if s.stt == nil {
		return nil, domain.ConfigurationError("speech-to-text is not configured")
	}

	text, err := s.stt.TranscribeAudio(ctx, pcm, s.audioConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to transcribe audio: %w", err)
	}
	s.logger.Debug("Transcribed utterance", zap.String("text", text))
	return s.Reply(ctx, text)
}

// History returns the combined history handed to the completer.
func (s *ChatService) History() []entities.TranscriptTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history()
}

// Reset forgets the chat turns. The live session's turns are untouched.
func (s *ChatService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Clear()
}

func (s *ChatService) history() []entities.TranscriptTurn {
	var history []entities.TranscriptTurn
	if s.source != nil {
		history = append(history, s.source.History()...)
	}
	return append(history, s.transcript.Final()...)
}

func (s *ChatService) speak(ctx context.Context, text string) (int, error) {
	audio, err := s.tts.ConvertTextToSpeech(ctx, text)
	if err != nil {
		return 0, err
	}

	count := 0
	var streamErr error
	for chunk := range audio {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		s.player.PlayChunk(chunk.Audio)
		count++
	}
	if streamErr != nil {
		return count, streamErr
	}
	return count, ctx.Err()
}
