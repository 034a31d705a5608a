package api

import (
	"time"

	"github.com/satriahrh/pitchline/domain/entities"
)

// ViewerAuthRequest represents the request payload for viewer authentication
type ViewerAuthRequest struct {
	ViewerID  string `json:"viewer_id" validate:"required"`
	AccessKey string `json:"access_key" validate:"required"`
	// Role is "viewer" (default) or "operator".
	Role string `json:"role,omitempty"`
}

// ViewerAuthResponse represents the response payload for viewer authentication
type ViewerAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ViewerID  string    `json:"viewer_id"`
	Role      string    `json:"role"`
}

// StatusResponse is the session snapshot plus the hint for its last error.
type StatusResponse struct {
	entities.Status
	Guidance string `json:"guidance,omitempty"`
	Viewers  int    `json:"viewers"`
}

// TranscriptResponse lists every turn, partial ones included.
type TranscriptResponse struct {
	SessionID string                    `json:"sessionId"`
	Turns     []entities.TranscriptTurn `json:"turns"`
}

// ChatRequest is one typed message for the chat flow.
type ChatRequest struct {
	Message string `json:"message" validate:"required"`
}

// SessionsResponse lists archived transcripts, newest first.
type SessionsResponse struct {
	Sessions []*entities.SessionRecord `json:"sessions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}
