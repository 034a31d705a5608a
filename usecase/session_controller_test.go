package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/domain/repositories"
	"github.com/satriahrh/pitchline/internal/audio"
	"github.com/satriahrh/pitchline/internal/reconnect"
	ws "github.com/satriahrh/pitchline/internal/websocket"
)

type fakeTransport struct {
	openErr error
	sent    chan interface{}
	// blockOpen makes Open wait for ctx cancellation; dialEnded is closed
	// when it returns.
	blockOpen bool
	dialEnded chan struct{}

	mu        sync.Mutex
	closes    []int
	onMessage func([]byte)
	onOpen    func()
	onClose   func(ws.CloseEvent)
	onError   func(error)
	onLatency func(time.Duration)
}

func (f *fakeTransport) Open(ctx context.Context, cfg ws.EndpointConfig) error {
	if f.blockOpen {
		defer close(f.dialEnded)
		<-ctx.Done()
		return ctx.Err()
	}
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	onOpen := f.onOpen
	f.mu.Unlock()
	onOpen()
	return nil
}

func (f *fakeTransport) Send(message interface{}) error {
	f.sent <- message
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closes = append(f.closes, code)
	onClose := f.onClose
	f.mu.Unlock()
	onClose(ws.CloseEvent{Code: code, Reason: reason, Local: true})
	return nil
}

func (f *fakeTransport) OnMessage(h func([]byte))        { f.mu.Lock(); f.onMessage = h; f.mu.Unlock() }
func (f *fakeTransport) OnOpen(h func())                 { f.mu.Lock(); f.onOpen = h; f.mu.Unlock() }
func (f *fakeTransport) OnClose(h func(ws.CloseEvent))   { f.mu.Lock(); f.onClose = h; f.mu.Unlock() }
func (f *fakeTransport) OnError(h func(error))           { f.mu.Lock(); f.onError = h; f.mu.Unlock() }
func (f *fakeTransport) OnLatency(h func(time.Duration)) { f.mu.Lock(); f.onLatency = h; f.mu.Unlock() }

func (f *fakeTransport) deliver(raw string) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h([]byte(raw))
}

func (f *fakeTransport) remoteClose(code int) {
	f.mu.Lock()
	h := f.onClose
	f.mu.Unlock()
	h(ws.CloseEvent{Code: code})
}

func (f *fakeTransport) latency(rtt time.Duration) {
	f.mu.Lock()
	h := f.onLatency
	f.mu.Unlock()
	h(rtt)
}

func (f *fakeTransport) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closes...)
}

// nextSent waits for the next outbound message.
func (f *fakeTransport) nextSent(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return nil
	}
}

type transportFactory struct {
	mu         sync.Mutex
	openErr    error
	blockOpen  bool
	transports []*fakeTransport
	created    chan *fakeTransport
}

func newTransportFactory() *transportFactory {
	return &transportFactory{created: make(chan *fakeTransport, 16)}
}

func (f *transportFactory) New() Transport {
	f.mu.Lock()
	tr := &fakeTransport{
		openErr:   f.openErr,
		blockOpen: f.blockOpen,
		dialEnded: make(chan struct{}),
		sent:      make(chan interface{}, 64),
	}
	f.transports = append(f.transports, tr)
	f.mu.Unlock()
	f.created <- tr
	return tr
}

func (f *transportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *transportFactory) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transport created")
		return nil
	}
}

type fakeBridge struct {
	mu           sync.Mutex
	startErr     error
	starts       int
	capturing    bool
	onFrame      func([]byte)
	seq          uint64
	played       [][]byte
	stopPlayback int
	onDrained    func(uint64)
	onEnded      func(error)
}

func (b *fakeBridge) StartCapture(ctx context.Context, onFrame func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return b.startErr
	}
	b.capturing = true
	b.onFrame = onFrame
	return nil
}

func (b *fakeBridge) StopCapture() {
	b.mu.Lock()
	b.capturing = false
	b.mu.Unlock()
}

func (b *fakeBridge) PlayChunk(payload []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.played = append(b.played, payload)
	return b.seq
}

func (b *fakeBridge) StopPlayback() {
	b.mu.Lock()
	b.stopPlayback++
	b.mu.Unlock()
}

func (b *fakeBridge) OnDrained(h func(uint64))   { b.mu.Lock(); b.onDrained = h; b.mu.Unlock() }
func (b *fakeBridge) OnCaptureEnded(h func(error)) { b.mu.Lock(); b.onEnded = h; b.mu.Unlock() }

func (b *fakeBridge) frame(pcm []byte) {
	b.mu.Lock()
	h := b.onFrame
	b.mu.Unlock()
	h(pcm)
}

func (b *fakeBridge) drained(seq uint64) {
	b.mu.Lock()
	h := b.onDrained
	b.mu.Unlock()
	h(seq)
}

// captureEnded simulates the device stopping on its own.
func (b *fakeBridge) captureEnded(err error) {
	b.mu.Lock()
	b.capturing = false
	h := b.onEnded
	b.mu.Unlock()
	h(err)
}

func (b *fakeBridge) isCapturing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capturing
}

func (b *fakeBridge) snapshot() (plays int, stops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.played), b.stopPlayback
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Endpoint: ws.EndpointConfig{
			URL:     "wss://agent.test/v1/convai/conversation",
			AgentID: "agent-42",
			APIKey:  "secret",
		},
		Reconnect:     reconnect.DefaultConfig(),
		LatencyTarget: 2 * time.Second,
	}
}

type harness struct {
	ctrl    *SessionController
	factory *transportFactory
	bridge  *fakeBridge
	clock   *clock.Mock
	events  *Subscription
}

func newHarness(t *testing.T, cfg SessionConfig) *harness {
	h := &harness{
		factory: newTransportFactory(),
		bridge:  &fakeBridge{},
		clock:   clock.NewMock(),
	}
	h.ctrl = NewSessionController(cfg, h.factory.New, h.bridge, zaptest.NewLogger(t), WithClock(h.clock))
	h.events = h.ctrl.Subscribe()
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

// connect starts the session and completes the handshake.
func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, h.ctrl.Start())
	tr := h.factory.next(t)
	_, ok := tr.nextSent(t).(domain.InitMessage)
	require.True(t, ok, "first message must be init")

	tr.deliver(`{"type":"session_ready","sessionId":"abc"}`)
	h.waitStatus(t, func(s entities.Status) bool {
		return s.ConnectionState == entities.ConnectionConnected && s.MicrophoneState == entities.MicrophoneActive
	})
	return tr
}

func (h *harness) waitStatus(t *testing.T, cond func(entities.Status) bool) entities.Status {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.ctrl.Status()) }, 2*time.Second, 5*time.Millisecond,
		"status never matched, last: %+v", h.ctrl.Status())
	return h.ctrl.Status()
}

func (h *harness) waitEvent(t *testing.T, match func(SessionEvent) bool) SessionEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.events.Events():
			require.True(t, ok, "subscription closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("event not observed")
			return SessionEvent{}
		}
	}
}

func isError(kind domain.ErrorKind) func(SessionEvent) bool {
	return func(ev SessionEvent) bool {
		return ev.Type == EventError && ev.Error.Kind == kind
	}
}

func TestStartConnectsAndStreamsMicrophone(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	status := h.ctrl.Status()
	assert.Equal(t, "abc", status.SessionID)
	assert.Equal(t, entities.AITurnIdle, status.AITurnState)
	assert.Equal(t, 0, status.Attempt)

	h.bridge.frame([]byte{0x01, 0x02})
	chunk, ok := tr.nextSent(t).(domain.AudioChunkMessage)
	require.True(t, ok)
	assert.Equal(t, "AQI=", chunk.AudioBase64)
}

func TestInitCarriesAgentAndPrompt(t *testing.T) {
	cfg := testSessionConfig()
	cfg.PromptConfig = []byte(`{"persona":"skeptical CFO"}`)
	h := newHarness(t, cfg)

	require.NoError(t, h.ctrl.Start())
	tr := h.factory.next(t)
	init, ok := tr.nextSent(t).(domain.InitMessage)
	require.True(t, ok)
	assert.Equal(t, "agent-42", init.Config.AgentID)
	assert.JSONEq(t, `{"persona":"skeptical CFO"}`, string(init.Config.PromptConfig))
}

func TestStartWithoutCredentialFailsBeforeDialing(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Endpoint.APIKey = ""
	h := newHarness(t, cfg)

	err := h.ctrl.Start()
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Equal(t, 0, h.factory.count())
	assert.Equal(t, entities.ConnectionDisconnected, h.ctrl.Status().ConnectionState)
}

func TestStartTwiceIsInvalid(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	h.connect(t)

	assert.ErrorIs(t, h.ctrl.Start(), ErrInvalidState)
	assert.Equal(t, 1, h.factory.count())
}

func TestTranscriptDrivesAITurn(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type":"transcript","speaker":"user","text":"I would","isFinal":false,"turnId":"u1"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnListening })

	tr.deliver(`{"type":"transcript","speaker":"user","text":"I would like to buy","isFinal":true,"turnId":"u1"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnThinking })

	turns := h.ctrl.Transcript()
	require.Len(t, turns, 1)
	assert.Equal(t, "I would like to buy", turns[0].Text)
	assert.True(t, turns[0].IsFinal)

	tr.deliver(`{"type":"agent_text","text":"What budget do you have?"}`)
	ev := h.waitEvent(t, func(ev SessionEvent) bool {
		return ev.Type == EventTranscript && ev.Turn.Speaker == domain.SpeakerAgent
	})
	assert.Equal(t, "What budget do you have?", ev.Turn.Text)
	assert.Len(t, h.ctrl.History(), 2)
}

func TestUnexpectedCloseSchedulesReconnect(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.remoteClose(websocket.CloseAbnormalClosure)

	ev := h.waitEvent(t, func(ev SessionEvent) bool { return ev.Type == EventReconnect })
	assert.Equal(t, 1, ev.Reconnect.Attempt)
	assert.Equal(t, int64(1000), ev.Reconnect.DelayMs)

	status := h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionReconnecting })
	assert.Equal(t, 1, status.Attempt)
	assert.Equal(t, entities.MicrophoneInactive, status.MicrophoneState)
	assert.False(t, h.bridge.isCapturing())

	h.clock.Add(999 * time.Millisecond)
	assert.Never(t, func() bool { return h.factory.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Add(time.Millisecond)
	next := h.factory.next(t)
	require.NotSame(t, tr, next)
	_, ok := next.nextSent(t).(domain.InitMessage)
	assert.True(t, ok)

	next.deliver(`{"type":"session_ready","sessionId":"def"}`)
	status = h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionConnected })
	assert.Equal(t, 0, status.Attempt)
	assert.Equal(t, "def", status.SessionID)
}

func TestExhaustedRetriesIsTerminal(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	h.factory.openErr = domain.TransportError("dial failed", nil)

	require.NoError(t, h.ctrl.Start())
	for i := 0; i < reconnect.DefaultMaxAttempts; i++ {
		attempt := i + 1
		h.waitStatus(t, func(s entities.Status) bool {
			return s.ConnectionState == entities.ConnectionReconnecting && s.Attempt == attempt
		})
		h.clock.Add(reconnect.NextDelay(i, reconnect.DefaultBaseDelay, reconnect.DefaultMaxDelay))
	}

	ev := h.waitEvent(t, isError(domain.KindExhaustedRetries))
	assert.True(t, ev.Terminal)
	assert.NotEmpty(t, ev.Guidance)

	status := h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionErrored })
	require.NotNil(t, status.LastError)
	assert.Equal(t, domain.KindExhaustedRetries, status.LastError.Kind)
	assert.Equal(t, reconnect.DefaultMaxAttempts+1, h.factory.count())

	assert.ErrorIs(t, h.ctrl.Start(), ErrInvalidState)
	require.NoError(t, h.ctrl.Stop())
	assert.Equal(t, entities.ConnectionDisconnected, h.ctrl.Status().ConnectionState)
}

func TestNonRetryableCloseCodeFailsImmediately(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.remoteClose(websocket.ClosePolicyViolation)

	ev := h.waitEvent(t, isError(domain.KindTransport))
	assert.True(t, ev.Terminal)
	h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionErrored })
	assert.Equal(t, 1, h.factory.count())
}

func TestInterruptionFlushesPlayback(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type":"audio","audioBase64":"AAAA"}`)
	tr.deliver(`{"type":"audio","audioBase64":"AQID"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnSpeaking })

	tr.deliver(`{"type":"interruption"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnIdle })
	plays, stops := h.bridge.snapshot()
	assert.Equal(t, 2, plays)
	assert.Equal(t, 1, stops)

	tr.deliver(`{"type":"audio","audioBase64":"BAUG"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnSpeaking })

	// Drain of a chunk queued before the interruption is stale.
	h.bridge.drained(2)
	assert.Never(t, func() bool { return h.ctrl.Status().AITurnState != entities.AITurnSpeaking },
		50*time.Millisecond, 5*time.Millisecond)

	h.bridge.drained(3)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnIdle })
}

func TestUndecodableAudioIsSkipped(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type":"audio","audioBase64":"not base64!"}`)
	tr.deliver(`{"type":"audio","audioBase64":"AQID"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnSpeaking })

	plays, _ := h.bridge.snapshot()
	assert.Equal(t, 1, plays)
	assert.Equal(t, entities.ConnectionConnected, h.ctrl.Status().ConnectionState)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type":"ping","eventId":"42"}`)
	pong, ok := tr.nextSent(t).(domain.PongMessage)
	require.True(t, ok)
	assert.Equal(t, "42", pong.EventID)
}

func TestLatencyIsTracked(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.latency(120 * time.Millisecond)
	status := h.waitStatus(t, func(s entities.Status) bool { return s.LastLatencyMs != nil })
	assert.Equal(t, int64(120), *status.LastLatencyMs)
	assert.Equal(t, entities.QualityExcellent, status.Quality)
}

func TestRemoteErrorMovesToErrored(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type":"error","message":"quota exceeded","code":4002}`)

	ev := h.waitEvent(t, isError(domain.KindRemoteApplication))
	assert.False(t, ev.Terminal)
	require.NotNil(t, ev.Error.Code)
	assert.Equal(t, 4002, *ev.Error.Code)

	status := h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionErrored })
	assert.Equal(t, entities.MicrophoneInactive, status.MicrophoneState)
	assert.False(t, h.bridge.isCapturing())
	assert.Empty(t, tr.closeCodes(), "channel stays open")
}

func TestMalformedFrameIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type": `)
	ev := h.waitEvent(t, isError(domain.KindTransport))
	assert.False(t, ev.Terminal)

	tr.deliver(`{"type":"vad_score","score":0.9}`)
	tr.deliver(`{"type":"ping","eventId":"1"}`)
	_, ok := tr.nextSent(t).(domain.PongMessage)
	assert.True(t, ok)
	assert.Equal(t, entities.ConnectionConnected, h.ctrl.Status().ConnectionState)
}

func TestMicrophoneDeniedIsDegraded(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	h.bridge.startErr = domain.MicrophonePermissionError(nil)

	require.NoError(t, h.ctrl.Start())
	tr := h.factory.next(t)
	tr.nextSent(t)
	tr.deliver(`{"type":"session_ready","sessionId":"abc"}`)

	ev := h.waitEvent(t, isError(domain.KindMicrophonePermission))
	assert.NotEmpty(t, ev.Guidance)

	status := h.waitStatus(t, func(s entities.Status) bool { return s.MicrophoneState == entities.MicrophoneDenied })
	assert.Equal(t, entities.ConnectionConnected, status.ConnectionState)
	assert.True(t, status.Degraded)

	// Agent audio still plays.
	tr.deliver(`{"type":"audio","audioBase64":"AQID"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnSpeaking })
}

func TestPauseDropsFrames(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	require.NoError(t, h.ctrl.Pause())
	assert.Equal(t, entities.MicrophoneMuted, h.ctrl.Status().MicrophoneState)

	h.bridge.frame([]byte{0x01})
	tr.deliver(`{"type":"ping","eventId":"after-mute"}`)
	pong, ok := tr.nextSent(t).(domain.PongMessage)
	require.True(t, ok, "muted frame must not be sent")
	assert.Equal(t, "after-mute", pong.EventID)

	require.NoError(t, h.ctrl.Resume())
	h.bridge.frame([]byte{0x02})
	_, ok = tr.nextSent(t).(domain.AudioChunkMessage)
	assert.True(t, ok)

	assert.ErrorIs(t, h.ctrl.Resume(), ErrInvalidState)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)
	tr.deliver(`{"type":"transcript","speaker":"user","text":"hello","isFinal":true}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnThinking })

	require.NoError(t, h.ctrl.Stop())
	require.NoError(t, h.ctrl.Stop())

	assert.Equal(t, []int{websocket.CloseNormalClosure}, tr.closeCodes())
	status := h.ctrl.Status()
	assert.Equal(t, entities.ConnectionDisconnected, status.ConnectionState)
	assert.Equal(t, entities.MicrophoneInactive, status.MicrophoneState)
	assert.Equal(t, entities.AITurnIdle, status.AITurnState)
	assert.Empty(t, status.SessionID)
	assert.False(t, h.bridge.isCapturing())

	ev := h.waitEvent(t, func(ev SessionEvent) bool { return ev.Type == EventEnded })
	assert.Equal(t, "abc", ev.Summary.SessionID)
	assert.Equal(t, entities.ConnectionDisconnected, ev.Summary.EndState)
	require.Len(t, ev.Summary.Turns, 1)
	assert.Len(t, h.ctrl.Transcript(), 1, "transcript readable after stop")
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.remoteClose(websocket.CloseGoingAway)
	h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionReconnecting })

	require.NoError(t, h.ctrl.Stop())
	h.clock.Add(time.Minute)

	assert.Never(t, func() bool { return h.factory.count() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, entities.ConnectionDisconnected, h.ctrl.Status().ConnectionState)
}

func TestClosedControllerRejectsCalls(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	require.NoError(t, h.ctrl.Close())

	assert.ErrorIs(t, h.ctrl.Start(), ErrControllerClosed)
	_, open := <-h.events.Events()
	assert.False(t, open)
}

func TestStopWhileDialing(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	h.factory.blockOpen = true

	require.NoError(t, h.ctrl.Start())
	tr := h.factory.next(t)
	h.waitStatus(t, func(s entities.Status) bool { return s.ConnectionState == entities.ConnectionConnecting })

	require.NoError(t, h.ctrl.Stop())
	select {
	case <-tr.dialEnded:
	case <-time.After(2 * time.Second):
		t.Fatal("dial was not cancelled")
	}
	assert.Equal(t, []int{websocket.CloseNormalClosure}, tr.closeCodes())

	// The cancelled dial reports a failure after Stop; it must not reconnect.
	restarted := func() bool {
		return h.factory.count() > 1 || h.ctrl.Status().ConnectionState != entities.ConnectionDisconnected
	}
	assert.Never(t, restarted, 100*time.Millisecond, 5*time.Millisecond)
	h.clock.Add(time.Minute)
	assert.Never(t, restarted, 100*time.Millisecond, 5*time.Millisecond)
	assert.Nil(t, h.ctrl.Status().LastError)
}

func TestFinalTranscriptsWithDistinctTurnsStayApart(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	tr.deliver(`{"type":"transcript","speaker":"user","text":"Hi, this is Sam.","isFinal":true,"turnId":"u1"}`)
	tr.deliver(`{"type":"transcript","speaker":"user","text":"Do you have a minute?","isFinal":true,"turnId":"u2"}`)

	require.Eventually(t, func() bool { return len(h.ctrl.History()) == 2 }, 2*time.Second, 5*time.Millisecond)
	history := h.ctrl.History()
	assert.Equal(t, "Hi, this is Sam.", history[0].Text)
	assert.Equal(t, "Do you have a minute?", history[1].Text)
	assert.NotEqual(t, history[0].ID, history[1].ID)
	for _, turn := range history {
		assert.True(t, turn.IsFinal)
		assert.Equal(t, domain.SpeakerUser, turn.Speaker)
	}
}

func TestMicrophoneEndingOnItsOwn(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	tr := h.connect(t)

	h.bridge.captureEnded(nil)

	status := h.waitStatus(t, func(s entities.Status) bool { return s.MicrophoneState == entities.MicrophoneInactive })
	assert.False(t, status.CanSend())
	assert.Equal(t, entities.ConnectionConnected, status.ConnectionState)
	assert.Nil(t, status.LastError)

	h.bridge.frame([]byte{0x01, 0x02})
	tr.deliver(`{"type":"ping","eventId":"after-stop"}`)
	pong, ok := tr.nextSent(t).(domain.PongMessage)
	require.True(t, ok, "frame must not be sent once the microphone stopped")
	assert.Equal(t, "after-stop", pong.EventID)
}

func TestMicrophoneFailingMidSession(t *testing.T) {
	h := newHarness(t, testSessionConfig())
	h.connect(t)

	h.bridge.captureEnded(domain.MicrophoneHardwareError(nil))

	ev := h.waitEvent(t, isError(domain.KindMicrophoneHardware))
	assert.False(t, ev.Terminal)
	status := h.waitStatus(t, func(s entities.Status) bool { return s.MicrophoneState == entities.MicrophoneError })
	assert.Equal(t, entities.ConnectionConnected, status.ConnectionState)
}

type silentMicrophone struct{}

func (silentMicrophone) Open(ctx context.Context, c repositories.CaptureConstraints) (repositories.FrameStream, error) {
	return silentStream{frames: make(chan []float32)}, nil
}

type silentStream struct {
	frames chan []float32
}

func (s silentStream) Frames() <-chan []float32 { return s.frames }
func (s silentStream) SampleRate() int          { return audio.DefaultSampleRate }
func (s silentStream) Err() error               { return nil }
func (s silentStream) Close() error             { return nil }

// gatedSpeaker holds every chunk until release is closed.
type gatedSpeaker struct {
	release chan struct{}
}

func (s gatedSpeaker) DecodeAndPlay(ctx context.Context, payload []byte) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTurnEndsWhenSharedQueueDrains(t *testing.T) {
	speaker := gatedSpeaker{release: make(chan struct{})}
	bridge := audio.NewBridge(silentMicrophone{}, speaker, audio.DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { bridge.Close() })

	h := &harness{factory: newTransportFactory(), clock: clock.NewMock()}
	h.ctrl = NewSessionController(testSessionConfig(), h.factory.New, bridge, zaptest.NewLogger(t), WithClock(h.clock))
	h.events = h.ctrl.Subscribe()
	t.Cleanup(func() { h.ctrl.Close() })
	tr := h.connect(t)

	tr.deliver(`{"type":"audio","audioBase64":"AQID"}`)
	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnSpeaking })

	// Another producer queues behind the agent's chunk, so the queue
	// drains on a sequence number the controller never handed out.
	bridge.PlayChunk([]byte{0x00, 0x00})
	close(speaker.release)

	h.waitStatus(t, func(s entities.Status) bool { return s.AITurnState == entities.AITurnIdle })
}
