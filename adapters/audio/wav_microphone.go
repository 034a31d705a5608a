package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/repositories"
)

const defaultFrameDuration = 20 * time.Millisecond

// WAVMicrophone replays a 16-bit PCM WAV file as if it were a live
// microphone, one frame every FrameDuration.
type WAVMicrophone struct {
	Path          string
	FrameDuration time.Duration
	// Loop restarts the file at EOF instead of ending the stream.
	Loop   bool
	Logger *zap.Logger
}

var _ repositories.Microphone = (*WAVMicrophone)(nil)

// NewWAVMicrophone creates a microphone backed by the file at path.
func NewWAVMicrophone(path string, logger *zap.Logger) *WAVMicrophone {
	return &WAVMicrophone{Path: path, FrameDuration: defaultFrameDuration, Logger: logger}
}

// Open decodes the whole file up front. A missing file reports a hardware
// error and an unreadable one a permission error.
func (m *WAVMicrophone) Open(ctx context.Context, constraints repositories.CaptureConstraints) (repositories.FrameStream, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, domain.MicrophonePermissionError(err)
		}
		return nil, domain.MicrophoneHardwareError(err)
	}

	samples, sampleRate, err := DecodeWAV(data)
	if err != nil {
		return nil, domain.MicrophoneHardwareError(err)
	}

	frameDuration := m.FrameDuration
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	frameSize := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	if frameSize <= 0 {
		frameSize = 1
	}

	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Opened WAV microphone",
		zap.String("path", m.Path),
		zap.Int("sampleRate", sampleRate),
		zap.Int("samples", len(samples)),
		zap.Bool("loop", m.Loop))

	ctx, cancel := context.WithCancel(ctx)
	s := &wavStream{
		frames:     make(chan []float32, 4),
		sampleRate: sampleRate,
		cancel:     cancel,
	}
	go s.run(ctx, samples, frameSize, frameDuration, m.Loop)
	return s, nil
}

type wavStream struct {
	frames     chan []float32
	sampleRate int
	cancel     context.CancelFunc
}

func (s *wavStream) run(ctx context.Context, samples []float32, frameSize int, every time.Duration, loop bool) {
	defer close(s.frames)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	pos := 0
	for {
		if pos >= len(samples) {
			if !loop || len(samples) == 0 {
				return
			}
			pos = 0
		}
		end := pos + frameSize
		if end > len(samples) {
			end = len(samples)
		}
		frame := make([]float32, end-pos)
		copy(frame, samples[pos:end])
		pos = end

		select {
		case <-ctx.Done():
			return
		case s.frames <- frame:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *wavStream) Frames() <-chan []float32 { return s.frames }
func (s *wavStream) SampleRate() int          { return s.sampleRate }

// Err is always nil; a file that decoded once cannot fail mid-stream.
func (s *wavStream) Err() error { return nil }

func (s *wavStream) Close() error {
	s.cancel()
	return nil
}

// DecodeWAV reads a RIFF/WAVE file holding 16-bit integer PCM and returns
// mono samples in [-1, 1]. Multi-channel audio is averaged down to mono.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		haveFormat    bool
	)

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			if id != "data" {
				return nil, 0, fmt.Errorf("truncated %q chunk", id)
			}
			// Streamed files may carry a bogus data size.
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(data[body:])
			// 1 is PCM, 0xFFFE is WAVE_FORMAT_EXTENSIBLE
			if format != 1 && format != 0xFFFE {
				return nil, 0, fmt.Errorf("unsupported WAV format %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			if bitsPerSample != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth %d", bitsPerSample)
			}
			if channels <= 0 || sampleRate <= 0 {
				return nil, 0, fmt.Errorf("invalid format: %d channels at %d Hz", channels, sampleRate)
			}
			return downmix(data[body:body+size], channels), sampleRate, nil
		}

		offset = body + size + size%2
	}
	return nil, 0, fmt.Errorf("no data chunk")
}

func downmix(pcm []byte, channels int) []float32 {
	frameBytes := 2 * channels
	out := make([]float32, len(pcm)/frameBytes)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+c*2:]))) / 32767
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodeWAV writes mono 16-bit PCM as a canonical WAV file.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
