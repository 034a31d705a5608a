// Package audio is the only place that touches microphone frames and
// synthesized speech payloads.
package audio

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/repositories"
)

const (
	DefaultBlockSamples = 4096
	DefaultSampleRate   = 16000
)

// Config describes the wire format produced by capture.
type Config struct {
	BlockSamples     int
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConfig is 4096-sample blocks at 16 kHz with echo cancellation and
// noise suppression requested.
func DefaultConfig() Config {
	return Config{
		BlockSamples:     DefaultBlockSamples,
		SampleRate:       DefaultSampleRate,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

type capture struct {
	stream repositories.FrameStream
	cancel context.CancelFunc
}

type queuedChunk struct {
	seq     uint64
	payload []byte
}

// Bridge captures microphone blocks and plays synthesized audio strictly in
// order. It keeps no session state and never retries on its own.
type Bridge struct {
	mic     repositories.Microphone
	speaker repositories.Speaker
	cfg     Config
	logger  *zap.Logger

	captureMu sync.Mutex
	capture   *capture

	mu         sync.Mutex
	queue      []queuedChunk
	seq        uint64
	playCtx    context.Context
	playCancel context.CancelFunc
	onDrained  func(seq uint64)
	onEnded    func(error)

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBridge starts the playback worker. Call Close to release it.
func NewBridge(mic repositories.Microphone, speaker repositories.Speaker, cfg Config, logger *zap.Logger) *Bridge {
	if cfg.BlockSamples <= 0 {
		cfg.BlockSamples = DefaultBlockSamples
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mic:        mic,
		speaker:    speaker,
		cfg:        cfg,
		logger:     logger,
		playCtx:    ctx,
		playCancel: cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	b.wg.Add(1)
	go b.playLoop()
	return b
}

// OnDrained registers the handler called when the playback queue runs empty.
// seq is the sequence number of the last chunk taken from the queue.
func (b *Bridge) OnDrained(handler func(seq uint64)) {
	b.mu.Lock()
	b.onDrained = handler
	b.mu.Unlock()
}

// OnCaptureEnded registers the handler called when the device stops on its
// own after StartCapture returned. err is nil when the stream simply ended.
// It is not called for StopCapture.
func (b *Bridge) OnCaptureEnded(handler func(err error)) {
	b.mu.Lock()
	b.onEnded = handler
	b.mu.Unlock()
}

// StartCapture opens the microphone and calls onFrame with one PCM16LE block
// of BlockSamples samples at SampleRate. A second call while capturing is a
// no-op.
func (b *Bridge) StartCapture(ctx context.Context, onFrame func([]byte)) error {
	b.captureMu.Lock()
	defer b.captureMu.Unlock()

	if b.capture != nil {
		b.logger.Debug("Capture already active")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stream, err := b.mic.Open(ctx, repositories.CaptureConstraints{
		SampleRate:       b.cfg.SampleRate,
		Channels:         1,
		EchoCancellation: b.cfg.EchoCancellation,
		NoiseSuppression: b.cfg.NoiseSuppression,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = classifyMicrophoneError(err)
		b.logger.Warn("Failed to open microphone", zap.Error(err))
		return err
	}
	// Abandoned while the device was opening.
	if ctx.Err() != nil {
		stream.Close()
		return ctx.Err()
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	c := &capture{stream: stream, cancel: cancel}
	b.capture = c

	b.logger.Info("Microphone capture started",
		zap.Int("deviceSampleRate", stream.SampleRate()),
		zap.Int("sampleRate", b.cfg.SampleRate),
		zap.Int("blockSamples", b.cfg.BlockSamples))

	go b.pumpFrames(captureCtx, c, onFrame)
	return nil
}

func (b *Bridge) pumpFrames(ctx context.Context, c *capture, onFrame func([]byte)) {
	blocks := newBlocker(b.cfg.BlockSamples)
	frames := c.stream.Frames()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				b.captureEnded(ctx, c)
				return
			}
			for _, block := range blocks.push(Resample(frame, c.stream.SampleRate(), b.cfg.SampleRate)) {
				if ctx.Err() != nil {
					return
				}
				onFrame(EncodePCM16(block))
			}
		}
	}
}

// captureEnded handles a device that stopped on its own.
func (b *Bridge) captureEnded(ctx context.Context, c *capture) {
	if ctx.Err() != nil {
		return
	}

	b.captureMu.Lock()
	if b.capture == c {
		b.capture = nil
	}
	b.captureMu.Unlock()
	c.cancel()

	err := c.stream.Err()
	if err == nil {
		b.logger.Info("Microphone stream ended")
	} else {
		err = classifyMicrophoneError(err)
		b.logger.Error("Microphone stream failed", zap.Error(err))
	}

	b.mu.Lock()
	handler := b.onEnded
	b.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// StopCapture releases the microphone. Safe to call at any time.
func (b *Bridge) StopCapture() {
	b.captureMu.Lock()
	c := b.capture
	b.capture = nil
	b.captureMu.Unlock()

	if c == nil {
		return
	}
	c.cancel()
	if err := c.stream.Close(); err != nil {
		b.logger.Warn("Failed to close microphone stream", zap.Error(err))
	}
	b.logger.Info("Microphone capture stopped")
}

// Capturing reports whether a capture is active.
func (b *Bridge) Capturing() bool {
	b.captureMu.Lock()
	defer b.captureMu.Unlock()
	return b.capture != nil
}

// PlayChunk queues one payload and returns its sequence number.
func (b *Bridge) PlayChunk(payload []byte) uint64 {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.queue = append(b.queue, queuedChunk{seq: seq, payload: payload})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return seq
}

// StopPlayback drops every queued chunk and cancels the one playing.
func (b *Bridge) StopPlayback() {
	b.mu.Lock()
	dropped := len(b.queue)
	b.queue = nil
	b.playCancel()
	b.playCtx, b.playCancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	b.logger.Debug("Playback stopped", zap.Int("droppedChunks", dropped))
}

// Pending returns the number of chunks waiting to play.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bridge) playLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
			b.drain()
		}
	}
}

func (b *Bridge) drain() {
	var last uint64
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			handler := b.onDrained
			b.mu.Unlock()
			if last != 0 && handler != nil {
				handler(last)
			}
			return
		}
		chunk := b.queue[0]
		b.queue = b.queue[1:]
		ctx := b.playCtx
		b.mu.Unlock()

		last = chunk.seq
		if err := b.speaker.DecodeAndPlay(ctx, chunk.payload); err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Warn("Dropping audio chunk",
				zap.Uint64("seq", chunk.seq),
				zap.Int("bytes", len(chunk.payload)),
				zap.Error(domain.PlaybackDecodeError(err)))
		}
	}
}

// Close stops capture and playback and waits for the playback worker.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.StopCapture()
		b.StopPlayback()
		close(b.done)
	})
	b.wg.Wait()
	return nil
}

func classifyMicrophoneError(err error) error {
	switch {
	case errors.Is(err, domain.ErrMicrophonePermission), errors.Is(err, domain.ErrMicrophoneHardware):
		return err
	case errors.Is(err, os.ErrPermission):
		return domain.MicrophonePermissionError(err)
	default:
		return domain.MicrophoneHardwareError(err)
	}
}
