package repositories

import (
	"context"

	"github.com/satriahrh/pitchline/domain/entities"
)

// ChatCompleter is the request/response chat collaborator. One call is one
// HTTP round trip; no streaming.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt string, history []entities.TranscriptTurn, userText string) (string, error)
}
