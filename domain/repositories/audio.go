package repositories

import "context"

// CaptureConstraints are requested from the host microphone.
type CaptureConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// Microphone is the host capture capability. Open fails with an error
// matching domain.ErrMicrophonePermission or domain.ErrMicrophoneHardware.
type Microphone interface {
	Open(ctx context.Context, constraints CaptureConstraints) (FrameStream, error)
}

// FrameStream delivers mono float32 PCM frames at SampleRate. Frames is
// closed when the device stops; Err then reports why, if anything failed.
type FrameStream interface {
	Frames() <-chan []float32
	SampleRate() int
	Err() error
	Close() error
}

// Speaker is the host playback capability. DecodeAndPlay returns once the
// payload finished playing or ctx was cancelled.
type Speaker interface {
	DecodeAndPlay(ctx context.Context, payload []byte) error
}
