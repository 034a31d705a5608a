package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // Rachel voice
	defaultChunkSize    = 4096
	defaultOutputFormat = "pcm_16000"
	defaultModelID      = "eleven_turbo_v2_5"
	defaultStability    = 0.5
	defaultClarity      = 0.75
	requestTimeout      = 60 * time.Second
)

// ElevenLabsConfig configures the TTS adapter. Only APIKey is required.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	ChunkSize    int
	Stability    float64
	Clarity      float64
}

// ElevenLabsTTS implements TextToSpeech interface using Eleven Labs API
type ElevenLabsTTS struct {
	config ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

// Ensure ElevenLabsTTS implements the TextToSpeech interface
var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisRequest struct {
	Text                   string        `json:"text"`
	ModelID                string        `json:"model_id"`
	VoiceSettings          voiceSettings `json:"voice_settings"`
	ApplyTextNormalization string        `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return domain.ConfigurationError("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return domain.ConfigurationError("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return domain.ConfigurationError("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ChunkSize < 0 {
		return domain.ConfigurationError("chunk size must be positive, got %d", config.ChunkSize)
	}
	return nil
}

// NewElevenLabsTTS creates a new Eleven Labs TTS instance
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", config.VoiceID))
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", config.ModelID))
	}
	if config.OutputFormat == "" {
		config.OutputFormat = defaultOutputFormat
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = defaultChunkSize
	}
	// PCM16 chunks must not split a sample.
	if config.ChunkSize%2 != 0 {
		config.ChunkSize++
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}

	return &ElevenLabsTTS{
		config: config,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}, nil
}

// ConvertTextToSpeech starts a streaming synthesis. HTTP failures are
// returned before the channel is handed out; the body is then streamed in
// ChunkSize pieces until EOF or ctx cancellation. A read failure midway is
// sent as a final chunk carrying the error.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan repositories.SpeechChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	body, err := json.Marshal(synthesisRequest{
		Text:                   text,
		ModelID:                e.config.ModelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: voiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?%s", e.config.APIBaseURL,
		url.PathEscape(e.config.VoiceID),
		url.Values{"output_format": {e.config.OutputFormat}, "enable_logging": {"false"}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	accept := "audio/mpeg"
	if strings.HasPrefix(e.config.OutputFormat, "pcm") {
		accept = "audio/pcm"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.config.APIKey)

	e.logger.Debug("Requesting speech synthesis",
		zap.Int("textLength", len(text)),
		zap.String("voiceID", e.config.VoiceID))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.TransportError("text-to-speech request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.TransportError(
			fmt.Sprintf("text-to-speech returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errorBody))), nil)
	}

	audioChan := make(chan repositories.SpeechChunk, 10)
	go e.stream(ctx, resp.Body, audioChan)
	return audioChan, nil
}

func (e *ElevenLabsTTS) stream(ctx context.Context, body io.ReadCloser, out chan<- repositories.SpeechChunk) {
	defer close(out)
	defer body.Close()

	buffer := make([]byte, e.config.ChunkSize)
	totalBytes := 0
	chunkCount := 0
	for {
		n, err := readChunk(body, buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			totalBytes += n
			chunkCount++

			select {
			case out <- repositories.SpeechChunk{Audio: chunk}:
			case <-ctx.Done():
				e.logger.Debug("Synthesis cancelled", zap.Int("totalBytes", totalBytes))
				return
			}
		}

		if err == io.EOF {
			e.logger.Debug("Finished streaming audio data",
				zap.Int("totalChunks", chunkCount),
				zap.Int("totalBytes", totalBytes))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Error reading synthesis stream",
				zap.Int("totalBytes", totalBytes),
				zap.Error(err))
			select {
			case out <- repositories.SpeechChunk{Err: domain.TransportError("text-to-speech stream interrupted", err)}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// readChunk fills buf unless the body ends first. Unlike io.ReadFull it
// keeps a truncated body (io.ErrUnexpectedEOF from the transport) apart
// from a clean end.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
