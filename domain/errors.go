package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes every failure the voice session can surface.
type ErrorKind string

const (
	KindConfiguration        ErrorKind = "configuration"
	KindTransport            ErrorKind = "transport"
	KindMicrophonePermission ErrorKind = "microphone_permission"
	KindMicrophoneHardware   ErrorKind = "microphone_hardware"
	KindPlaybackDecode       ErrorKind = "playback_decode"
	KindRemoteApplication    ErrorKind = "remote_application"
	KindExhaustedRetries     ErrorKind = "exhausted_retries"
	KindUnknown              ErrorKind = "unknown"
)

// Sentinels for errors.Is matching. Only the Kind is compared.
var (
	ErrConfiguration        = &Error{Kind: KindConfiguration}
	ErrTransport            = &Error{Kind: KindTransport}
	ErrMicrophonePermission = &Error{Kind: KindMicrophonePermission}
	ErrMicrophoneHardware   = &Error{Kind: KindMicrophoneHardware}
	ErrPlaybackDecode       = &Error{Kind: KindPlaybackDecode}
	ErrRemoteApplication    = &Error{Kind: KindRemoteApplication}
	ErrExhaustedRetries     = &Error{Kind: KindExhaustedRetries}
)

// Error is the structured error reported to session observers.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Code    *int      `json:"code,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != nil {
		return fmt.Sprintf("%s: %s (code: %d)", e.Kind, msg, *e.Code)
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Guidance returns the actionable hint for the error's kind.
func (e *Error) Guidance() string {
	return e.Kind.Guidance()
}

// NewError builds an *Error of the given kind wrapping cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func ConfigurationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

func TransportError(message string, cause error) *Error {
	return NewError(KindTransport, message, cause)
}

func MicrophonePermissionError(cause error) *Error {
	return NewError(KindMicrophonePermission, "microphone access denied", cause)
}

func MicrophoneHardwareError(cause error) *Error {
	return NewError(KindMicrophoneHardware, "microphone unavailable", cause)
}

func PlaybackDecodeError(cause error) *Error {
	return NewError(KindPlaybackDecode, "failed to decode audio chunk", cause)
}

func RemoteApplicationError(message string, code *int) *Error {
	return &Error{Kind: KindRemoteApplication, Message: message, Code: code}
}

func ExhaustedRetriesError(attempts int, cause error) *Error {
	return NewError(KindExhaustedRetries, fmt.Sprintf("gave up after %d reconnect attempts", attempts), cause)
}

// KindOf classifies err. Errors outside the taxonomy are KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the reconnect policy may act on this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport
}

// Guidance is a user-facing hint, distinct per kind.
func (k ErrorKind) Guidance() string {
	switch k {
	case KindConfiguration:
		return "Check the voice agent id and API key in your configuration."
	case KindTransport:
		return "Check your network connection; the session will try to reconnect."
	case KindMicrophonePermission:
		return "Check microphone permissions and allow access to continue speaking."
	case KindMicrophoneHardware:
		return "No usable microphone was found. Connect one and try again; you can still listen."
	case KindPlaybackDecode:
		return "Some agent audio could not be played."
	case KindRemoteApplication:
		return "The voice service reported a problem with this conversation."
	case KindExhaustedRetries:
		return "Could not reconnect to the voice service. Start a new session when your connection is back."
	default:
		return "Something went wrong. Try starting the session again."
	}
}
