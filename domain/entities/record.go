package entities

import (
	"errors"
	"time"
)

// SessionRecord is the archived transcript of a finished session.
type SessionRecord struct {
	ID        string           `json:"id" bson:"_id"`
	SessionID string           `json:"sessionId" bson:"session_id"`
	AgentID   string           `json:"agentId" bson:"agent_id"`
	StartedAt time.Time        `json:"startedAt" bson:"started_at"`
	EndedAt   time.Time        `json:"endedAt" bson:"ended_at"`
	EndState  ConnectionState  `json:"endState" bson:"end_state"`
	LastError string           `json:"lastError,omitempty" bson:"last_error,omitempty"`
	Turns     []TranscriptTurn `json:"turns" bson:"turns"`
}

// Validate checks the fields every repository relies on.
func (r *SessionRecord) Validate() error {
	if r.ID == "" {
		return errors.New("record ID is required")
	}
	if r.EndedAt.IsZero() {
		return errors.New("record end time is required")
	}
	if r.EndedAt.Before(r.StartedAt) {
		return errors.New("record cannot end before it started")
	}
	return nil
}

// Duration is the wall-clock length of the session.
func (r *SessionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
