package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
)

const (
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultTemperature    = 0.8
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 256
	defaultTimeoutSeconds = 30
	geminiAttempts        = 3
)

// GeminiConfig tunes the Gemini completer. Zero values use defaults.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return domain.ConfigurationError("Gemini API key is required")
	}

	if config.Temperature < 0 || config.Temperature > 1 {
		return domain.ConfigurationError("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.TopP < 0 || config.TopP > 1 {
		return domain.ConfigurationError("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return domain.ConfigurationError("topK must be positive, got %f", config.TopK)
	}

	if config.TimeoutSeconds < 0 {
		return domain.ConfigurationError("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// withDefaults fills zero fields and logs each substitution.
func (c GeminiConfig) withDefaults(logger *zap.Logger) GeminiConfig {
	if c.Model == "" {
		c.Model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", c.Model))
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
		logger.Info("Using default temperature", zap.Float32("temperature", c.Temperature))
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
		logger.Info("Using default topP", zap.Float32("topP", c.TopP))
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
		logger.Info("Using default topK", zap.Float32("topK", c.TopK))
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
		logger.Info("Using default maxOutputTokens", zap.Int("maxOutputTokens", c.MaxOutputTokens))
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
		logger.Info("Using default timeoutSeconds", zap.Int("timeoutSeconds", c.TimeoutSeconds))
	}
	return c
}

var geminiSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

// GeminiCompleter implements repositories.ChatCompleter using Google's Gemini API
type GeminiCompleter struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

// NewGeminiCompleter creates a new Gemini client
func NewGeminiCompleter(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiCompleter, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiCompleter{
		client: client,
		config: config.withDefaults(logger),
		logger: logger,
	}, nil
}

// Complete sends the persona prompt, the final turns so far and the new
// user text in one GenerateContent call.
func (g *GeminiCompleter) Complete(ctx context.Context, systemPrompt string, history []entities.TranscriptTurn, userText string) (string, error) {
	contents := geminiContents(history, userText)

	config := &genai.GenerateContentConfig{
		SafetySettings:  geminiSafetySettings,
		Temperature:     genai.Ptr(g.config.Temperature),
		TopP:            genai.Ptr(g.config.TopP),
		TopK:            genai.Ptr(g.config.TopK),
		MaxOutputTokens: int32(g.config.MaxOutputTokens),
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < geminiAttempts; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.config.Model, contents, config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < geminiAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}

	text := geminiResponseText(response)
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}

	g.logger.Debug("Gemini completion",
		zap.Int("history_length", len(history)),
		zap.Int("reply_length", len(text)))
	return text, nil
}

// geminiContents maps user turns to RoleUser and agent turns to RoleModel.
// Non-final turns are skipped.
func geminiContents(history []entities.TranscriptTurn, userText string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		if !turn.IsFinal || strings.TrimSpace(turn.Text) == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if turn.Speaker == domain.SpeakerAgent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return append(contents, genai.NewContentFromText(userText, genai.RoleUser))
}

func geminiResponseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
