package websocket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/satriahrh/pitchline/domain"
)

// ErrUnsupportedMessageType is returned for well-formed frames with an unknown tag.
var ErrUnsupportedMessageType = errors.New("unsupported message type")

// MessageValidator decodes inbound voice-service frames into typed messages.
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage returns one of the domain inbound message pointers.
// Malformed frames fail with a transport error.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get type
	var base domain.BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, malformed("invalid JSON format", err)
	}

	switch base.Type {
	case domain.MessageTypeSessionReady:
		var msg domain.SessionReadyMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, malformed("invalid session_ready message", err)
		}
		if msg.SessionID == "" {
			return nil, malformed("session_ready requires sessionId", nil)
		}
		return &msg, nil

	case domain.MessageTypeTranscript:
		var msg domain.TranscriptMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, malformed("invalid transcript message", err)
		}
		if err := v.validateTranscript(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case domain.MessageTypeAgentText:
		var msg domain.AgentTextMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, malformed("invalid agent_text message", err)
		}
		return &msg, nil

	case domain.MessageTypeAudio:
		var msg domain.AudioMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, malformed("invalid audio message", err)
		}
		if msg.AudioBase64 == "" {
			return nil, malformed("audio requires audioBase64", nil)
		}
		return &msg, nil

	case domain.MessageTypeInterruption:
		return &domain.InterruptionMessage{BaseMessage: base}, nil

	case domain.MessageTypePing:
		var msg domain.PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, malformed("invalid ping message", err)
		}
		return &msg, nil

	case domain.MessageTypeError:
		var msg domain.ErrorMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, malformed("invalid error message", err)
		}
		if msg.Message == "" {
			msg.Message = "unspecified error"
		}
		return &msg, nil

	case "":
		return nil, malformed("message type is required", nil)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessageType, base.Type)
	}
}

// validateTranscript validates transcript message fields
func (v *MessageValidator) validateTranscript(msg *domain.TranscriptMessage) error {
	switch msg.Speaker {
	case domain.SpeakerUser, domain.SpeakerAgent:
	case "":
		msg.Speaker = domain.SpeakerUser
	default:
		return malformed(fmt.Sprintf("unknown speaker %q", msg.Speaker), nil)
	}
	return nil
}

// DecodeAudio returns the raw bytes of an audio payload.
func DecodeAudio(msg *domain.AudioMessage) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
	if err != nil {
		return nil, domain.PlaybackDecodeError(err)
	}
	return data, nil
}

// EncodeAudioChunk wraps one captured PCM block for the wire.
func EncodeAudioChunk(pcm []byte) domain.AudioChunkMessage {
	return domain.NewAudioChunkMessage(base64.StdEncoding.EncodeToString(pcm))
}

func malformed(message string, cause error) error {
	return domain.TransportError("malformed inbound message: "+message, cause)
}
