package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/repositories"
)

type fakeStream struct {
	frames    chan []float32
	rate      int
	err       error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream(rate int) *fakeStream {
	return &fakeStream{frames: make(chan []float32, 16), rate: rate, closed: make(chan struct{})}
}

func (s *fakeStream) Frames() <-chan []float32 { return s.frames }
func (s *fakeStream) SampleRate() int          { return s.rate }
func (s *fakeStream) Err() error               { return s.err }
func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeMicrophone struct {
	mu      sync.Mutex
	opens   int
	err     error
	streams []*fakeStream
	rate    int
}

func (m *fakeMicrophone) Open(ctx context.Context, constraints repositories.CaptureConstraints) (repositories.FrameStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.err != nil {
		return nil, m.err
	}
	rate := m.rate
	if rate == 0 {
		rate = constraints.SampleRate
	}
	s := newFakeStream(rate)
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMicrophone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// recordingSpeaker logs start/end events. Payloads listed in block wait for
// their context to be cancelled; payloads listed in fail return an error.
type recordingSpeaker struct {
	mu      sync.Mutex
	events  []string
	active  int
	overlap bool
	block   map[string]bool
	fail    map[string]bool
	started chan string
}

func newRecordingSpeaker() *recordingSpeaker {
	return &recordingSpeaker{
		block:   make(map[string]bool),
		fail:    make(map[string]bool),
		started: make(chan string, 32),
	}
}

func (s *recordingSpeaker) DecodeAndPlay(ctx context.Context, payload []byte) error {
	name := string(payload)
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	s.events = append(s.events, "start "+name)
	blocking, failing := s.block[name], s.fail[name]
	s.mu.Unlock()
	s.started <- name

	defer func() {
		s.mu.Lock()
		s.active--
		s.events = append(s.events, "end "+name)
		s.mu.Unlock()
	}()

	if failing {
		return fmt.Errorf("cannot decode %s", name)
	}
	if blocking {
		<-ctx.Done()
		return ctx.Err()
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (s *recordingSpeaker) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func newTestBridge(t *testing.T, mic repositories.Microphone, speaker repositories.Speaker) *Bridge {
	b := NewBridge(mic, speaker, DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPlayChunkIsSequential(t *testing.T) {
	speaker := newRecordingSpeaker()
	bridge := newTestBridge(t, &fakeMicrophone{}, speaker)

	drained := make(chan uint64, 4)
	bridge.OnDrained(func(seq uint64) { drained <- seq })

	var last uint64
	for _, name := range []string{"a", "b", "c"} {
		last = bridge.PlayChunk([]byte(name))
	}

	require.Eventually(t, func() bool {
		select {
		case seq := <-drained:
			return seq == last
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"start a", "end a", "start b", "end b", "start c", "end c"}, speaker.Events())
	assert.False(t, speaker.overlap, "chunks overlapped")
}

func TestPlayChunkSkipsUndecodableChunk(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.fail["bad"] = true
	bridge := newTestBridge(t, &fakeMicrophone{}, speaker)

	bridge.PlayChunk([]byte("a"))
	bridge.PlayChunk([]byte("bad"))
	bridge.PlayChunk([]byte("c"))

	require.Eventually(t, func() bool {
		return len(speaker.Events()) == 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start a", "end a", "start bad", "end bad", "start c", "end c"}, speaker.Events())
}

func TestStopPlaybackDiscardsQueue(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.block["first"] = true
	bridge := newTestBridge(t, &fakeMicrophone{}, speaker)

	bridge.PlayChunk([]byte("first"))
	require.Equal(t, "first", <-speaker.started)
	bridge.PlayChunk([]byte("second"))
	bridge.PlayChunk([]byte("third"))
	require.Equal(t, 2, bridge.Pending())

	bridge.StopPlayback()
	assert.Equal(t, 0, bridge.Pending())

	bridge.PlayChunk([]byte("fourth"))
	require.Eventually(t, func() bool {
		events := speaker.Events()
		return len(events) > 0 && events[len(events)-1] == "end fourth"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"start first", "end first", "start fourth", "end fourth"}, speaker.Events())
}

func TestStartCaptureEmitsFixedBlocks(t *testing.T) {
	mic := &fakeMicrophone{}
	bridge := newTestBridge(t, mic, newRecordingSpeaker())

	blocks := make(chan []byte, 4)
	require.NoError(t, bridge.StartCapture(context.Background(), func(b []byte) { blocks <- b }))

	stream := mic.streams[0]
	stream.frames <- make([]float32, 3000)
	stream.frames <- make([]float32, 3000)

	select {
	case block := <-blocks:
		assert.Len(t, block, DefaultBlockSamples*2)
	case <-time.After(time.Second):
		t.Fatal("no block emitted")
	}
	assert.Len(t, blocks, 0, "remaining samples must wait for a full block")
}

func TestStartCaptureResamples(t *testing.T) {
	mic := &fakeMicrophone{rate: 48000}
	bridge := newTestBridge(t, mic, newRecordingSpeaker())

	blocks := make(chan []byte, 4)
	require.NoError(t, bridge.StartCapture(context.Background(), func(b []byte) { blocks <- b }))

	mic.streams[0].frames <- make([]float32, DefaultBlockSamples*3)

	select {
	case block := <-blocks:
		assert.Len(t, block, DefaultBlockSamples*2)
	case <-time.After(time.Second):
		t.Fatal("no block emitted")
	}
}

func TestStartCaptureIsIdempotent(t *testing.T) {
	mic := &fakeMicrophone{}
	bridge := newTestBridge(t, mic, newRecordingSpeaker())

	require.NoError(t, bridge.StartCapture(context.Background(), func([]byte) {}))
	require.NoError(t, bridge.StartCapture(context.Background(), func([]byte) {}))

	assert.Equal(t, 1, mic.Opens())
	assert.True(t, bridge.Capturing())

	bridge.StopCapture()
	bridge.StopCapture()
	assert.False(t, bridge.Capturing())

	select {
	case <-mic.streams[0].closed:
	default:
		t.Fatal("stream was not closed")
	}
}

func TestStartCaptureClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *domain.Error
	}{
		{"permission sentinel", domain.MicrophonePermissionError(errors.New("denied")), domain.ErrMicrophonePermission},
		{"os permission", fmt.Errorf("open device: %w", errPermission()), domain.ErrMicrophonePermission},
		{"anything else", errors.New("no such device"), domain.ErrMicrophoneHardware},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newTestBridge(t, &fakeMicrophone{err: tt.err}, newRecordingSpeaker())
			err := bridge.StartCapture(context.Background(), func([]byte) {})
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, bridge.Capturing())
		})
	}
}

func TestCaptureFailureIsReported(t *testing.T) {
	mic := &fakeMicrophone{}
	bridge := newTestBridge(t, mic, newRecordingSpeaker())

	reported := make(chan error, 1)
	bridge.OnCaptureEnded(func(err error) { reported <- err })
	require.NoError(t, bridge.StartCapture(context.Background(), func([]byte) {}))

	stream := mic.streams[0]
	stream.err = errors.New("device unplugged")
	close(stream.frames)

	select {
	case err := <-reported:
		assert.ErrorIs(t, err, domain.ErrMicrophoneHardware)
	case <-time.After(time.Second):
		t.Fatal("capture failure not reported")
	}
	require.Eventually(t, func() bool { return !bridge.Capturing() }, time.Second, 5*time.Millisecond)
}

func TestCaptureEndIsReported(t *testing.T) {
	mic := &fakeMicrophone{}
	bridge := newTestBridge(t, mic, newRecordingSpeaker())

	reported := make(chan error, 1)
	bridge.OnCaptureEnded(func(err error) { reported <- err })
	require.NoError(t, bridge.StartCapture(context.Background(), func([]byte) {}))

	close(mic.streams[0].frames)

	select {
	case err := <-reported:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("capture end not reported")
	}
	assert.False(t, bridge.Capturing())
}

func TestStopCaptureIsNotReported(t *testing.T) {
	mic := &fakeMicrophone{}
	bridge := newTestBridge(t, mic, newRecordingSpeaker())

	reported := make(chan error, 1)
	bridge.OnCaptureEnded(func(err error) { reported <- err })
	require.NoError(t, bridge.StartCapture(context.Background(), func([]byte) {}))
	bridge.StopCapture()

	select {
	case err := <-reported:
		t.Fatalf("unexpected capture end: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
