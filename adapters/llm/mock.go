package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/satriahrh/pitchline/domain/entities"
)

var mockObjections = []string{
	"We already have a vendor for that. Why would we switch?",
	"That sounds expensive. What does it cost for a team our size?",
	"I'm not the one who signs off on this. Who else have you talked to?",
	"Send me something in writing and I'll take a look.",
}

// MockCompleter plays a scripted prospect without calling any API.
type MockCompleter struct {
	mu    sync.Mutex
	calls int
}

// NewMockCompleter creates a new mock prospect
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{}
}

// Complete answers an empty message with a greeting and otherwise cycles
// through canned objections, quoting the caller.
func (m *MockCompleter) Complete(ctx context.Context, systemPrompt string, history []entities.TranscriptTurn, userText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "Hello? Who is this?", nil
	}

	m.mu.Lock()
	objection := mockObjections[m.calls%len(mockObjections)]
	m.calls++
	m.mu.Unlock()

	return fmt.Sprintf("You said %q. %s", userText, objection), nil
}

// Calls returns how many non-empty messages were answered.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
