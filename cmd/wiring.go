package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	audiodev "github.com/satriahrh/pitchline/adapters/audio"
	"github.com/satriahrh/pitchline/adapters/llm"
	"github.com/satriahrh/pitchline/adapters/memory"
	"github.com/satriahrh/pitchline/adapters/mongo"
	"github.com/satriahrh/pitchline/adapters/stt"
	"github.com/satriahrh/pitchline/adapters/tts"
	"github.com/satriahrh/pitchline/domain/repositories"
	"github.com/satriahrh/pitchline/internal/audio"
	"github.com/satriahrh/pitchline/internal/auth"
	"github.com/satriahrh/pitchline/internal/config"
	ws "github.com/satriahrh/pitchline/internal/websocket"
	"github.com/satriahrh/pitchline/usecase"
)

// cleanup collects shutdown steps and runs them in reverse order.
type cleanup struct {
	steps  []func(ctx context.Context) error
	logger *zap.Logger
}

func (c *cleanup) add(step func(ctx context.Context) error) {
	c.steps = append(c.steps, step)
}

func (c *cleanup) run(ctx context.Context) {
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](ctx); err != nil {
			c.logger.Warn("Cleanup step failed", zap.Error(err))
		}
	}
	c.steps = nil
}

func newMicrophone(cfg *config.Config, logger *zap.Logger) repositories.Microphone {
	if cfg.MicrophoneFile == "" {
		logger.Warn("MICROPHONE_WAV not set; sessions will run without capture")
		return audiodev.NoMicrophone{}
	}
	return audiodev.NewWAVMicrophone(cfg.MicrophoneFile, logger)
}

// newSpeaker writes audio as raw PCM to path, or discards it when path is empty.
func newSpeaker(path string, logger *zap.Logger, done *cleanup) (repositories.Speaker, error) {
	var w io.Writer = io.Discard
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open speaker output: %w", err)
		}
		done.add(func(context.Context) error { return f.Close() })
		w = f
		logger.Info("Writing audio", zap.String("file", path))
	}
	return audiodev.NewFileSpeaker(w, audio.DefaultSampleRate, true, logger), nil
}

// newBridge creates a bridge whose speaker writes to speakerFile.
func newBridge(cfg *config.Config, mic repositories.Microphone, speakerFile string, logger *zap.Logger, done *cleanup) (*audio.Bridge, error) {
	speaker, err := newSpeaker(speakerFile, logger, done)
	if err != nil {
		return nil, err
	}
	bridge := audio.NewBridge(mic, speaker, cfg.Capture, logger)
	done.add(func(context.Context) error { return bridge.Close() })
	return bridge, nil
}

func newSessionController(cfg *config.Config, bridge *audio.Bridge, logger *zap.Logger, done *cleanup) *usecase.SessionController {
	controller := usecase.NewSessionController(usecase.SessionConfig{
		Endpoint:      cfg.VoiceAgent,
		PromptConfig:  cfg.PromptConfig,
		Reconnect:     cfg.Reconnect,
		LatencyTarget: cfg.LatencyTarget,
	}, func() usecase.Transport {
		return ws.NewChannel(nil, logger)
	}, bridge, logger)
	done.add(func(context.Context) error { return controller.Close() })
	return controller
}

// newRepository uses MongoDB when MONGODB_URI is set and memory otherwise.
func newRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger, done *cleanup) (repositories.TranscriptRepository, error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGODB_URI not set; transcripts are kept in memory")
		return memory.NewTranscriptRepository(), nil
	}

	client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	if err != nil {
		return nil, err
	}
	done.add(client.Close)

	repo := mongo.NewTranscriptRepository(client.Database)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create transcript indexes: %w", err)
	}
	return repo, nil
}

// newArchive must run before the session controller is created so that
// cleanup closes the controller, and with it every subscription, before
// the archive waits for its watchers.
func newArchive(ctx context.Context, cfg *config.Config, logger *zap.Logger, done *cleanup) (*usecase.ArchiveService, error) {
	repo, err := newRepository(ctx, cfg, logger, done)
	if err != nil {
		return nil, err
	}

	archive := usecase.NewArchiveService(repo, cfg.TranscriptMaxAge, logger)
	if err := archive.StartRetention(cfg.RetentionSchedule); err != nil {
		return nil, err
	}
	done.add(func(context.Context) error {
		archive.Stop()
		return nil
	})
	return archive, nil
}

func newCompleter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.ChatCompleter, error) {
	if err := cfg.ValidateLLM(); err != nil {
		return nil, err
	}

	switch cfg.LLMProvider {
	case config.ProviderGemini:
		return llm.NewGeminiCompleter(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, logger)
	case config.ProviderAnthropic:
		return llm.NewAnthropicCompleter(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
	default:
		logger.Info("Using mock chat completer")
		return llm.NewMockCompleter(), nil
	}
}

// chatOptions wires optional speech synthesis and transcription.
func chatOptions(ctx context.Context, cfg *config.Config, player usecase.AudioPlayer, logger *zap.Logger, done *cleanup) ([]usecase.ChatOption, error) {
	var opts []usecase.ChatOption

	if cfg.TTSEnabled {
		if err := cfg.ValidateTTS(); err != nil {
			return nil, err
		}
		synth, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:       cfg.TTSAPIKey,
			VoiceID:      cfg.TTSVoiceID,
			ModelID:      cfg.TTSModelID,
			OutputFormat: fmt.Sprintf("pcm_%d", audio.DefaultSampleRate),
		}, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, usecase.WithSpeech(synth, player))
	}

	var transcriber repositories.SpeechToText
	switch cfg.STTProvider {
	case config.ProviderGoogle:
		google, err := stt.NewGoogleSpeechToText(ctx, logger)
		if err != nil {
			return nil, err
		}
		done.add(func(context.Context) error { return google.Close() })
		transcriber = google
	default:
		transcriber = stt.NewMockSpeechToText(logger)
	}
	opts = append(opts, usecase.WithTranscriber(transcriber, repositories.AudioConfig{
		SampleRate: audio.DefaultSampleRate,
		Encoding:   "LINEAR16",
		Language:   cfg.SpeechLanguage,
	}))

	return opts, nil
}

// newTokenIssuer falls back to a random per-process secret.
func newTokenIssuer(cfg *config.Config, logger *zap.Logger) (*auth.TokenIssuer, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		logger.Warn("JWT_SECRET not set; viewer tokens will not survive a restart")
	}
	return auth.NewTokenIssuer(secret, 0)
}
