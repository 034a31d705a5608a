package audio

import (
	"context"
	"errors"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/repositories"
)

// ErrNoCaptureDevice is wrapped by NoMicrophone.Open.
var ErrNoCaptureDevice = errors.New("no capture device configured")

// NoMicrophone stands in on hosts without a capture device. Sessions can
// still connect and listen; opening it always fails as a hardware error.
type NoMicrophone struct{}

var _ repositories.Microphone = NoMicrophone{}

func (NoMicrophone) Open(ctx context.Context, constraints repositories.CaptureConstraints) (repositories.FrameStream, error) {
	return nil, domain.MicrophoneHardwareError(ErrNoCaptureDevice)
}
