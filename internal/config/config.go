// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/internal/audio"
	"github.com/satriahrh/pitchline/internal/reconnect"
	"github.com/satriahrh/pitchline/internal/websocket"
)

const (
	DefaultVoiceAgentURL     = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultPort              = "8080"
	DefaultKeepalive         = 30 * time.Second
	DefaultLatencyTarget     = 2000 * time.Millisecond
	DefaultRetentionSchedule = "@every 1h"
	DefaultTranscriptMaxAge  = 72 * time.Hour
	DefaultMongoDatabase     = "pitchline"
	DefaultSpeechLanguage    = "en-US"
)

// Providers accepted by LLM_PROVIDER and STT_PROVIDER.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
	ProviderGoogle    = "google"
)

// Config holds every setting the binaries need.
type Config struct {
	Port string

	VoiceAgent    websocket.EndpointConfig
	Reconnect     reconnect.Config
	Capture       audio.Config
	LatencyTarget time.Duration

	PersonaFile  string
	Persona      *Persona
	PromptConfig json.RawMessage

	LLMProvider     string
	GeminiAPIKey    string
	GeminiModel     string
	AnthropicAPIKey string
	AnthropicModel  string

	TTSEnabled     bool
	TTSAPIKey      string
	TTSVoiceID     string
	TTSModelID     string
	STTProvider    string
	SpeechLanguage string

	MicrophoneFile  string
	SpeakerFile     string
	ChatSpeakerFile string

	MongoURI      string
	MongoDatabase string

	RetentionSchedule string
	TranscriptMaxAge  time.Duration

	JWTSecret       string
	ViewerAccessKey string
}

// Load reads .env when present and then the process environment.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to read .env file", zap.Error(err))
	}
	return FromEnv(logger)
}

// FromEnv builds a Config from the process environment only.
func FromEnv(logger *zap.Logger) (*Config, error) {
	apiKey := os.Getenv("VOICE_AGENT_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("ELEVEN_LABS_API_KEY")
	}

	cfg := &Config{
		Port: getString("PORT", DefaultPort),
		VoiceAgent: websocket.EndpointConfig{
			URL:        getString("VOICE_AGENT_URL", DefaultVoiceAgentURL),
			AgentID:    os.Getenv("VOICE_AGENT_ID"),
			APIKey:     apiKey,
			AuthHeader: os.Getenv("VOICE_AGENT_AUTH_HEADER"),
			PingPeriod: getSeconds(logger, "KEEPALIVE_INTERVAL_SECONDS", DefaultKeepalive),
		},
		Reconnect: reconnect.Config{
			BaseDelay:         getMillis(logger, "RECONNECT_BASE_DELAY_MS", reconnect.DefaultBaseDelay),
			MaxDelay:          getMillis(logger, "RECONNECT_MAX_DELAY_MS", reconnect.DefaultMaxDelay),
			MaxAttempts:       getInt(logger, "RECONNECT_MAX_ATTEMPTS", reconnect.DefaultMaxAttempts),
			Jitter:            getBool(logger, "RECONNECT_JITTER", false),
			NonRetryableCodes: reconnect.DefaultConfig().NonRetryableCodes,
		},
		Capture: audio.Config{
			BlockSamples:     getInt(logger, "CAPTURE_BLOCK_SAMPLES", audio.DefaultBlockSamples),
			SampleRate:       getInt(logger, "CAPTURE_SAMPLE_RATE", audio.DefaultSampleRate),
			EchoCancellation: getBool(logger, "CAPTURE_ECHO_CANCELLATION", true),
			NoiseSuppression: getBool(logger, "CAPTURE_NOISE_SUPPRESSION", true),
		},
		LatencyTarget: getMillis(logger, "LATENCY_TARGET_MS", DefaultLatencyTarget),

		PersonaFile: os.Getenv("PERSONA_FILE"),

		LLMProvider:     strings.ToLower(getString("LLM_PROVIDER", ProviderMock)),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     os.Getenv("GEMINI_MODEL"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("ANTHROPIC_MODEL"),

		TTSEnabled:     getBool(logger, "TTS_ENABLED", false),
		TTSAPIKey:      os.Getenv("ELEVEN_LABS_API_KEY"),
		TTSVoiceID:     os.Getenv("ELEVEN_LABS_VOICE_ID"),
		TTSModelID:     os.Getenv("ELEVEN_LABS_MODEL_ID"),
		STTProvider:    strings.ToLower(getString("STT_PROVIDER", ProviderMock)),
		SpeechLanguage: getString("SPEECH_LANGUAGE", DefaultSpeechLanguage),

		MicrophoneFile:  os.Getenv("MICROPHONE_WAV"),
		SpeakerFile:     os.Getenv("SPEAKER_OUTPUT"),
		ChatSpeakerFile: os.Getenv("CHAT_SPEAKER_OUTPUT"),

		MongoURI:      os.Getenv("MONGODB_URI"),
		MongoDatabase: getString("MONGODB_DATABASE", DefaultMongoDatabase),

		RetentionSchedule: getString("TRANSCRIPT_RETENTION", DefaultRetentionSchedule),
		TranscriptMaxAge:  getHours(logger, "TRANSCRIPT_MAX_AGE_HOURS", DefaultTranscriptMaxAge),

		JWTSecret:       os.Getenv("JWT_SECRET"),
		ViewerAccessKey: os.Getenv("VIEWER_ACCESS_KEY"),
	}

	persona := DefaultPersona()
	if cfg.PersonaFile != "" {
		loaded, err := LoadPersona(cfg.PersonaFile)
		if err != nil {
			return nil, domain.ConfigurationError("persona file %s: %v", cfg.PersonaFile, err)
		}
		persona = loaded
		logger.Info("Loaded persona", zap.String("name", persona.Name), zap.String("file", cfg.PersonaFile))
	}
	promptConfig, err := persona.PromptConfig()
	if err != nil {
		return nil, domain.ConfigurationError("%v", err)
	}
	cfg.Persona = persona
	cfg.PromptConfig = promptConfig

	switch cfg.LLMProvider {
	case ProviderGemini, ProviderAnthropic, ProviderMock:
	default:
		return nil, domain.ConfigurationError("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
	switch cfg.STTProvider {
	case ProviderGoogle, ProviderMock:
	default:
		return nil, domain.ConfigurationError("unknown STT_PROVIDER %q", cfg.STTProvider)
	}

	return cfg, nil
}

// ValidateVoiceAgent checks what a voice session needs before dialing.
func (c *Config) ValidateVoiceAgent() error {
	return c.VoiceAgent.Validate()
}

// ValidateLLM checks the credential of the selected chat provider.
func (c *Config) ValidateLLM() error {
	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return domain.ConfigurationError("GEMINI_API_KEY is required for the gemini provider")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return domain.ConfigurationError("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	}
	return nil
}

// ValidateTTS checks the ElevenLabs key when spoken chat replies are enabled.
func (c *Config) ValidateTTS() error {
	if c.TTSEnabled && c.TTSAPIKey == "" {
		return domain.ConfigurationError("ELEVEN_LABS_API_KEY is required when TTS_ENABLED is set")
	}
	return nil
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(logger *zap.Logger, key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Ignoring invalid integer setting", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return value
}

func getBool(logger *zap.Logger, key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("Ignoring invalid boolean setting", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return value
}

func getMillis(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	return getDuration(logger, key, time.Millisecond, fallback)
}

func getSeconds(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	return getDuration(logger, key, time.Second, fallback)
}

func getHours(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	return getDuration(logger, key, time.Hour, fallback)
}

func getDuration(logger *zap.Logger, key string, unit, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		logger.Warn("Ignoring invalid duration setting", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return time.Duration(value) * unit
}
