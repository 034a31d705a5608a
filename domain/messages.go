package domain

import "encoding/json"

// MessageType tags every frame exchanged with the voice-agent service.
type MessageType string

const (
	// Outbound
	MessageTypeInit       MessageType = "init"
	MessageTypeAudioChunk MessageType = "audio_chunk"
	MessageTypePong       MessageType = "pong"

	// Inbound
	MessageTypeSessionReady MessageType = "session_ready"
	MessageTypeTranscript   MessageType = "transcript"
	MessageTypeAgentText    MessageType = "agent_text"
	MessageTypeAudio        MessageType = "audio"
	MessageTypeInterruption MessageType = "interruption"
	MessageTypePing         MessageType = "ping"
	MessageTypeError        MessageType = "error"
)

// BaseMessage carries the tag shared by all frames.
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// InitConfig is the conversation configuration sent once per connection.
// PromptConfig is passed through untouched.
type InitConfig struct {
	PromptConfig json.RawMessage `json:"promptConfig,omitempty"`
	AgentID      string          `json:"agentId"`
}

// InitMessage opens the conversation on a fresh connection.
type InitMessage struct {
	BaseMessage
	Config InitConfig `json:"config"`
}

// AudioChunkMessage carries one captured microphone block.
type AudioChunkMessage struct {
	BaseMessage
	AudioBase64 string `json:"audioBase64"`
}

// PongMessage answers a server ping.
type PongMessage struct {
	BaseMessage
	EventID string `json:"eventId,omitempty"`
}

// SessionReadyMessage is sent by the service once init is accepted.
type SessionReadyMessage struct {
	BaseMessage
	SessionID string `json:"sessionId"`
}

// TranscriptMessage is a partial or final utterance. TurnID is optional.
type TranscriptMessage struct {
	BaseMessage
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"isFinal"`
	TurnID  string  `json:"turnId,omitempty"`
}

// AgentTextMessage is the agent's reply text.
type AgentTextMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// AudioMessage carries one synthesized speech payload.
type AudioMessage struct {
	BaseMessage
	AudioBase64 string `json:"audioBase64"`
}

// InterruptionMessage tells the client to drop queued agent audio.
type InterruptionMessage struct {
	BaseMessage
}

// PingMessage is a server keepalive.
type PingMessage struct {
	BaseMessage
	EventID string `json:"eventId,omitempty"`
}

// ErrorMessage is an application error reported by the service.
type ErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
	Code    *int   `json:"code,omitempty"`
}

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

func NewInitMessage(agentID string, promptConfig json.RawMessage) InitMessage {
	return InitMessage{
		BaseMessage: BaseMessage{Type: MessageTypeInit},
		Config:      InitConfig{PromptConfig: promptConfig, AgentID: agentID},
	}
}

func NewAudioChunkMessage(audioBase64 string) AudioChunkMessage {
	return AudioChunkMessage{
		BaseMessage: BaseMessage{Type: MessageTypeAudioChunk},
		AudioBase64: audioBase64,
	}
}

func NewPongMessage(eventID string) PongMessage {
	return PongMessage{
		BaseMessage: BaseMessage{Type: MessageTypePong},
		EventID:     eventID,
	}
}
