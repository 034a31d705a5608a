package entities

import (
	"time"

	"github.com/satriahrh/pitchline/domain"
)

// ConnectionState is the transport-level lifecycle of a session.
// Disconnected is the controller's Idle state.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionErrored      ConnectionState = "errored"
)

// MicrophoneState tracks the capture side of the audio bridge.
type MicrophoneState string

const (
	MicrophoneInactive   MicrophoneState = "inactive"
	MicrophoneRequesting MicrophoneState = "requesting"
	MicrophoneActive     MicrophoneState = "active"
	MicrophoneMuted      MicrophoneState = "muted"
	MicrophoneDenied     MicrophoneState = "denied"
	MicrophoneError      MicrophoneState = "error"
)

// AITurnState describes what the agent is doing. Only meaningful while connected.
type AITurnState string

const (
	AITurnIdle      AITurnState = "idle"
	AITurnListening AITurnState = "listening"
	AITurnThinking  AITurnState = "thinking"
	AITurnSpeaking  AITurnState = "speaking"
	AITurnError     AITurnState = "error"
)

// Status is the read-only snapshot handed to observers.
type Status struct {
	SessionID        string          `json:"sessionId"`
	ConnectionState  ConnectionState `json:"connectionState"`
	MicrophoneState  MicrophoneState `json:"microphoneState"`
	AITurnState      AITurnState     `json:"aiTurnState"`
	Attempt          int             `json:"attempt"`
	LastLatencyMs    *int64          `json:"lastLatencyMs,omitempty"`
	AverageLatencyMs *int64          `json:"averageLatencyMs,omitempty"`
	Quality          LatencyQuality  `json:"quality"`
	OverTarget       bool            `json:"overLatencyTarget"`
	Degraded         bool            `json:"degraded"`
	LastError        *domain.Error   `json:"lastError,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// CanSend reports whether microphone audio is flowing to the service.
func (s Status) CanSend() bool {
	return s.ConnectionState == ConnectionConnected && s.MicrophoneState == MicrophoneActive
}

// ReconnectAttempt exists between an unexpected close and the next dial.
type ReconnectAttempt struct {
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"-"`
	DelayMs     int64         `json:"delayMs"`
	ScheduledAt time.Time     `json:"scheduledAt"`
}

func NewReconnectAttempt(attempt int, delay time.Duration, at time.Time) ReconnectAttempt {
	return ReconnectAttempt{
		Attempt:     attempt,
		Delay:       delay,
		DelayMs:     delay.Milliseconds(),
		ScheduledAt: at,
	}
}

// Session is the mutable state of one conversation. It is owned by a single
// goroutine and is not safe for concurrent use.
type Session struct {
	ID              string
	ConnectionState ConnectionState
	MicrophoneState MicrophoneState
	AITurnState     AITurnState
	Attempt         int
	Latency         *LatencyTracker
	LastError       *domain.Error
	Transcript      *Transcript
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// NewSession creates an idle session.
func NewSession(latencyTarget time.Duration) *Session {
	s := &Session{
		Latency:    NewLatencyTracker(latencyTarget),
		Transcript: NewTranscript(nil),
	}
	s.Reset()
	return s
}

// SetConnectionState moves the session to state. Leaving Connected forces the
// AI turn to idle and releases the microphone.
func (s *Session) SetConnectionState(state ConnectionState) {
	if s.ConnectionState == ConnectionConnected && state != ConnectionConnected {
		switch s.MicrophoneState {
		case MicrophoneActive, MicrophoneMuted, MicrophoneRequesting:
			s.MicrophoneState = MicrophoneInactive
		}
	}
	if state != ConnectionConnected {
		s.AITurnState = AITurnIdle
	}
	s.ConnectionState = state
	s.UpdatedAt = time.Now()
}

// SetAITurnState is ignored unless the session is connected.
func (s *Session) SetAITurnState(state AITurnState) bool {
	if s.ConnectionState != ConnectionConnected || s.AITurnState == state {
		return false
	}
	s.AITurnState = state
	s.UpdatedAt = time.Now()
	return true
}

func (s *Session) SetMicrophoneState(state MicrophoneState) bool {
	if s.MicrophoneState == state {
		return false
	}
	s.MicrophoneState = state
	s.UpdatedAt = time.Now()
	return true
}

// Degraded reports a connected session whose microphone failed.
func (s *Session) Degraded() bool {
	return s.ConnectionState == ConnectionConnected &&
		(s.MicrophoneState == MicrophoneDenied || s.MicrophoneState == MicrophoneError)
}

// Reset returns every status field to its idle value. The transcript is kept
// so it can still be read after the session ends.
func (s *Session) Reset() {
	s.ID = ""
	s.ConnectionState = ConnectionDisconnected
	s.MicrophoneState = MicrophoneInactive
	s.AITurnState = AITurnIdle
	s.Attempt = 0
	s.LastError = nil
	s.Latency.Reset()
	s.UpdatedAt = time.Now()
}

// Snapshot copies the observable fields.
func (s *Session) Snapshot() Status {
	status := Status{
		SessionID:       s.ID,
		ConnectionState: s.ConnectionState,
		MicrophoneState: s.MicrophoneState,
		AITurnState:     s.AITurnState,
		Attempt:         s.Attempt,
		Quality:         s.Latency.Quality(),
		OverTarget:      s.Latency.OverTarget(),
		Degraded:        s.Degraded(),
		LastError:       s.LastError,
		UpdatedAt:       s.UpdatedAt,
	}
	if last, ok := s.Latency.Last(); ok {
		ms := last.Milliseconds()
		status.LastLatencyMs = &ms
	}
	if avg, ok := s.Latency.Average(); ok {
		ms := avg.Milliseconds()
		status.AverageLatencyMs = &ms
	}
	return status
}
