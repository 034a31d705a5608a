package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 512

	// openingCue stands in for the caller when the agent spoke first.
	openingCue = "(The call connects.)"
)

// AnthropicCompleter implements repositories.ChatCompleter using the Messages API
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropicCompleter creates a new Anthropic completer. An empty model
// uses defaultAnthropicModel.
func NewAnthropicCompleter(apiKey, model string, logger *zap.Logger, opts ...option.RequestOption) (*AnthropicCompleter, error) {
	if apiKey == "" {
		return nil, domain.ConfigurationError("Anthropic API key is required")
	}
	if model == "" {
		model = defaultAnthropicModel
		logger.Info("Using default model", zap.String("model", model))
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicCompleter{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: logger,
	}, nil
}

// Complete sends one non-streaming Messages request.
func (a *AnthropicCompleter) Complete(ctx context.Context, systemPrompt string, history []entities.TranscriptTurn, userText string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(defaultAnthropicMaxTokens),
		Messages:  anthropicMessages(history, userText),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic returned no text (stop reason %s)", msg.StopReason)
	}

	a.logger.Debug("Anthropic completion",
		zap.Int("history_length", len(history)),
		zap.Int64("output_tokens", msg.Usage.OutputTokens))
	return text, nil
}

// anthropicMessages folds final turns into alternating user/assistant
// messages starting with a user message.
func anthropicMessages(history []entities.TranscriptTurn, userText string) []anthropic.MessageParam {
	type entry struct {
		assistant bool
		texts     []string
	}

	var entries []entry
	add := func(assistant bool, text string) {
		if n := len(entries); n > 0 && entries[n-1].assistant == assistant {
			entries[n-1].texts = append(entries[n-1].texts, text)
			return
		}
		entries = append(entries, entry{assistant: assistant, texts: []string{text}})
	}

	for _, turn := range history {
		if !turn.IsFinal || strings.TrimSpace(turn.Text) == "" {
			continue
		}
		add(turn.Speaker == domain.SpeakerAgent, turn.Text)
	}
	add(false, userText)

	if entries[0].assistant {
		entries = append([]entry{{texts: []string{openingCue}}}, entries...)
	}

	messages := make([]anthropic.MessageParam, 0, len(entries))
	for _, e := range entries {
		block := anthropic.NewTextBlock(strings.Join(e.texts, "\n"))
		if e.assistant {
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{block},
			})
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return messages
}
