package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/domain/entities"
	"github.com/satriahrh/pitchline/internal/reconnect"
	ws "github.com/satriahrh/pitchline/internal/websocket"
)

const (
	actionBufferSize = 1024
	stopReason       = "session stopped"
)

var (
	ErrInvalidState     = errors.New("invalid session state")
	ErrControllerClosed = errors.New("session controller is closed")
)

// Transport is one connection attempt to the voice service.
// *websocket.Channel satisfies it.
type Transport interface {
	Open(ctx context.Context, cfg ws.EndpointConfig) error
	Send(message interface{}) error
	Close(code int, reason string) error
	OnMessage(handler func([]byte))
	OnOpen(handler func())
	OnClose(handler func(ws.CloseEvent))
	OnError(handler func(error))
	OnLatency(handler func(time.Duration))
}

// TransportFactory returns a fresh, unopened Transport.
type TransportFactory func() Transport

// AudioBridge is the capture and playback side. *audio.Bridge satisfies it.
type AudioBridge interface {
	StartCapture(ctx context.Context, onFrame func([]byte)) error
	StopCapture()
	PlayChunk(payload []byte) uint64
	StopPlayback()
	OnDrained(handler func(seq uint64))
	OnCaptureEnded(handler func(err error))
}

// SessionConfig is everything needed to run one sales-practice session.
type SessionConfig struct {
	Endpoint      ws.EndpointConfig
	PromptConfig  json.RawMessage
	Reconnect     reconnect.Config
	LatencyTarget time.Duration
}

// SessionController owns the session state machine. All state changes run
// on a single loop goroutine; public methods hand work to it.
type SessionController struct {
	cfg          SessionConfig
	newTransport TransportFactory
	bridge       AudioBridge
	policy       *reconnect.Policy
	validator    *ws.MessageValidator
	clock        clock.Clock
	logger       *zap.Logger
	broker       *eventBroker

	actions   chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	session       *entities.Session
	transport     Transport
	generation    uint64
	dialCancel    context.CancelFunc
	captureCancel context.CancelFunc
	timer         *clock.Timer
	lastChunk     uint64
	paused        bool
	ended         bool

	mu     sync.RWMutex
	status entities.Status
	turns  []entities.TranscriptTurn
}

// ControllerOption customizes a SessionController.
type ControllerOption func(*SessionController)

// WithClock replaces the wall clock used for reconnect timers.
func WithClock(c clock.Clock) ControllerOption {
	return func(sc *SessionController) {
		sc.clock = c
	}
}

// NewSessionController creates an idle controller and starts its loop.
func NewSessionController(cfg SessionConfig, newTransport TransportFactory, bridge AudioBridge, logger *zap.Logger, opts ...ControllerOption) *SessionController {
	c := &SessionController{
		cfg:          cfg,
		newTransport: newTransport,
		bridge:       bridge,
		policy:       reconnect.NewPolicy(cfg.Reconnect),
		validator:    ws.NewMessageValidator(),
		clock:        clock.New(),
		logger:       logger,
		broker:       newEventBroker(),
		actions:      make(chan func(), actionBufferSize),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		session:      entities.NewSession(cfg.LatencyTarget),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status = c.session.Snapshot()

	bridge.OnDrained(func(seq uint64) {
		c.post(func() { c.handleDrained(seq) })
	})
	bridge.OnCaptureEnded(func(err error) {
		c.post(func() { c.handleCaptureEnded(err) })
	})

	go c.run()
	return c
}

func (c *SessionController) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.actions:
			fn()
		case <-c.quit:
			return
		}
	}
}

func (c *SessionController) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.actions <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (c *SessionController) do(fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- fn() }) {
		return ErrControllerClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.loopDone:
		return ErrControllerClosed
	}
}

// Subscribe returns a feed of every event produced from now on.
func (c *SessionController) Subscribe() *Subscription {
	return c.broker.subscribe()
}

// Status returns the latest snapshot.
func (c *SessionController) Status() entities.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Transcript returns every turn of the current or most recent session.
func (c *SessionController) Transcript() []entities.TranscriptTurn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	turns := make([]entities.TranscriptTurn, len(c.turns))
	copy(turns, c.turns)
	return turns
}

// History returns only the final turns, oldest first.
func (c *SessionController) History() []entities.TranscriptTurn {
	turns := c.Transcript()
	final := turns[:0]
	for _, turn := range turns {
		if turn.IsFinal {
			final = append(final, turn)
		}
	}
	return final
}

// Start begins a session. It fails with a configuration error before any
// network activity and with ErrInvalidState unless the controller is idle.
func (c *SessionController) Start() error {
	if err := c.cfg.Endpoint.Validate(); err != nil {
		return err
	}
	return c.do(func() error {
		if state := c.session.ConnectionState; state != entities.ConnectionDisconnected {
			return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
		}

		c.session.Reset()
		c.session.Transcript.Clear()
		c.session.StartedAt = c.clock.Now()
		c.paused = false
		c.ended = false

		c.logger.Info("Starting session", zap.String("agentId", c.cfg.Endpoint.AgentID))
		c.connect()
		return nil
	})
}

// Stop ends the session from any state. Calling it while idle is a no-op.
func (c *SessionController) Stop() error {
	return c.do(func() error {
		if c.session.ConnectionState == entities.ConnectionDisconnected {
			return nil
		}
		c.logger.Info("Stopping session", zap.String("sessionId", c.session.ID))

		c.teardown()
		c.emitSummary(entities.ConnectionDisconnected)
		c.session.Reset()
		c.publishStatus()
		return nil
	})
}

// Pause mutes the microphone without closing the connection.
func (c *SessionController) Pause() error {
	return c.do(func() error {
		if c.session.ConnectionState != entities.ConnectionConnected {
			return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, c.session.ConnectionState)
		}
		switch c.session.MicrophoneState {
		case entities.MicrophoneActive:
			c.session.SetMicrophoneState(entities.MicrophoneMuted)
		case entities.MicrophoneRequesting:
		default:
			return fmt.Errorf("%w: microphone is %s", ErrInvalidState, c.session.MicrophoneState)
		}
		c.paused = true
		c.publishStatus()
		return nil
	})
}

// Resume unmutes a paused microphone.
func (c *SessionController) Resume() error {
	return c.do(func() error {
		if !c.paused {
			return fmt.Errorf("%w: session is not paused", ErrInvalidState)
		}
		c.paused = false
		if c.session.MicrophoneState == entities.MicrophoneMuted {
			c.session.SetMicrophoneState(entities.MicrophoneActive)
		}
		c.publishStatus()
		return nil
	})
}

// Close stops the session and the loop. Subscriptions are closed.
func (c *SessionController) Close() error {
	err := c.Stop()
	if errors.Is(err, ErrControllerClosed) {
		err = nil
	}
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		c.broker.close()
	})
	return err
}

// connect opens a new transport. Callbacks carry the generation they belong
// to so late events from an abandoned transport are ignored.
func (c *SessionController) connect() {
	c.generation++
	gen := c.generation

	transport := c.newTransport()
	c.transport = transport

	transport.OnOpen(func() {
		c.post(func() { c.handleOpen(gen) })
	})
	transport.OnMessage(func(data []byte) {
		c.post(func() { c.handleMessage(gen, data) })
	})
	transport.OnClose(func(ev ws.CloseEvent) {
		c.post(func() { c.handleClose(gen, ev) })
	})
	transport.OnError(func(err error) {
		c.post(func() { c.handleTransportError(gen, err) })
	})
	transport.OnLatency(func(rtt time.Duration) {
		c.post(func() { c.handleLatency(gen, rtt) })
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel

	c.session.SetConnectionState(entities.ConnectionConnecting)
	c.publishStatus()

	go func() {
		if err := transport.Open(ctx, c.cfg.Endpoint); err != nil {
			c.post(func() { c.handleOpenFailed(gen, err) })
		}
	}()
}

func (c *SessionController) stale(gen uint64) bool {
	return gen != c.generation
}

func (c *SessionController) handleOpen(gen uint64) {
	if c.stale(gen) {
		return
	}
	c.logger.Info("Voice channel open, sending init")
	if err := c.transport.Send(domain.NewInitMessage(c.cfg.Endpoint.AgentID, c.cfg.PromptConfig)); err != nil {
		c.logger.Warn("Failed to send init", zap.Error(err))
	}
}

func (c *SessionController) handleOpenFailed(gen uint64, err error) {
	if c.stale(gen) {
		return
	}
	c.transport = nil
	if errors.Is(err, domain.ErrConfiguration) {
		c.fail(domain.KindOf(err), err)
		return
	}
	c.logger.Warn("Voice channel dial failed", zap.Error(err))
	c.closedUnexpectedly(websocket.CloseAbnormalClosure, err)
}

func (c *SessionController) handleClose(gen uint64, ev ws.CloseEvent) {
	if c.stale(gen) {
		return
	}
	// Local closes only come from teardown, which has already fenced them.
	c.transport = nil

	cause := domain.TransportError(fmt.Sprintf("connection closed (code %d)", ev.Code), nil)
	if ev.Reason != "" {
		cause = domain.TransportError(fmt.Sprintf("connection closed (code %d): %s", ev.Code, ev.Reason), nil)
	}
	c.closedUnexpectedly(ev.Code, cause)
}

// closedUnexpectedly either schedules the next dial or gives up.
func (c *SessionController) closedUnexpectedly(code int, cause error) {
	c.stopAudio()

	attempt := c.session.Attempt
	if c.policy.ShouldRetry(code, false, attempt) {
		delay := c.policy.NextDelay(attempt)
		c.session.Attempt = attempt + 1
		c.session.SetConnectionState(entities.ConnectionReconnecting)

		scheduled := entities.NewReconnectAttempt(c.session.Attempt, delay, c.clock.Now())
		gen := c.generation
		c.timer = c.clock.AfterFunc(delay, func() {
			c.post(func() { c.handleReconnectDue(gen) })
		})

		c.logger.Info("Reconnect scheduled",
			zap.Int("attempt", scheduled.Attempt),
			zap.Duration("delay", delay),
			zap.Int("closeCode", code))
		c.publish(SessionEvent{Type: EventReconnect, Reconnect: &scheduled})
		c.publishStatus()
		return
	}

	if c.policy.Exhausted(attempt) {
		c.fail(domain.KindExhaustedRetries, domain.ExhaustedRetriesError(attempt, cause))
		return
	}
	c.fail(domain.KindTransport, domain.TransportError(fmt.Sprintf("connection closed with non-retryable code %d", code), cause))
}

func (c *SessionController) handleReconnectDue(gen uint64) {
	if c.stale(gen) || c.session.ConnectionState != entities.ConnectionReconnecting {
		return
	}
	c.timer = nil
	c.logger.Info("Reconnecting", zap.Int("attempt", c.session.Attempt))
	c.connect()
}

// fail moves the session to its terminal error state.
func (c *SessionController) fail(kind domain.ErrorKind, err error) {
	derr := asDomainError(kind, err)
	c.logger.Error("Session failed", zap.Error(derr))

	c.teardown()
	c.session.LastError = derr
	c.session.SetConnectionState(entities.ConnectionErrored)
	c.publish(SessionEvent{Type: EventError, Error: derr, Guidance: derr.Guidance(), Terminal: true})
	c.emitSummary(entities.ConnectionErrored)
	c.publishStatus()
}

func (c *SessionController) handleTransportError(gen uint64, err error) {
	if c.stale(gen) {
		return
	}
	derr := asDomainError(domain.KindTransport, err)
	c.publish(SessionEvent{Type: EventError, Error: derr, Guidance: derr.Guidance()})
}

func (c *SessionController) handleLatency(gen uint64, rtt time.Duration) {
	if c.stale(gen) {
		return
	}
	c.session.Latency.Record(rtt)
	if c.session.Latency.OverTarget() {
		c.logger.Warn("Latency over target", zap.Duration("rtt", rtt))
	}
	c.publishStatus()
}

func (c *SessionController) handleMessage(gen uint64, data []byte) {
	if c.stale(gen) {
		return
	}

	msg, err := c.validator.ValidateMessage(data)
	if errors.Is(err, ws.ErrUnsupportedMessageType) {
		c.logger.Debug("Ignoring message", zap.Error(err))
		return
	}
	if err != nil {
		c.logger.Warn("Malformed message", zap.Error(err))
		derr := asDomainError(domain.KindTransport, err)
		c.publish(SessionEvent{Type: EventError, Error: derr, Guidance: derr.Guidance()})
		return
	}

	switch m := msg.(type) {
	case *domain.SessionReadyMessage:
		c.handleSessionReady(m)
	case *domain.TranscriptMessage:
		c.handleTranscript(m)
	case *domain.AgentTextMessage:
		turn := c.session.Transcript.AppendFinal(domain.SpeakerAgent, m.Text, c.clock.Now())
		c.publishTurn(turn)
	case *domain.AudioMessage:
		c.handleAudio(m)
	case *domain.InterruptionMessage:
		c.bridge.StopPlayback()
		c.lastChunk = 0
		if c.session.SetAITurnState(entities.AITurnIdle) {
			c.publishStatus()
		}
	case *domain.PingMessage:
		if err := c.transport.Send(domain.NewPongMessage(m.EventID)); err != nil {
			c.logger.Debug("Failed to answer ping", zap.Error(err))
		}
	case *domain.ErrorMessage:
		c.handleRemoteError(m)
	}
}

func (c *SessionController) handleSessionReady(m *domain.SessionReadyMessage) {
	c.session.ID = m.SessionID
	c.session.Attempt = 0
	c.session.LastError = nil
	c.session.SetConnectionState(entities.ConnectionConnected)
	c.session.SetAITurnState(entities.AITurnIdle)
	c.logger.Info("Session ready", zap.String("sessionId", m.SessionID))
	c.publishStatus()
	c.requestMicrophone()
}

func (c *SessionController) handleTranscript(m *domain.TranscriptMessage) {
	turn, changed := c.session.Transcript.Apply(m.Speaker, m.TurnID, m.Text, m.IsFinal, c.clock.Now())
	if changed {
		c.publishTurn(turn)
	}
	if m.Speaker != domain.SpeakerUser {
		return
	}
	next := entities.AITurnListening
	if m.IsFinal {
		next = entities.AITurnThinking
	}
	if c.session.SetAITurnState(next) {
		c.publishStatus()
	}
}

func (c *SessionController) handleAudio(m *domain.AudioMessage) {
	payload, err := ws.DecodeAudio(m)
	if err != nil {
		c.logger.Warn("Skipping undecodable audio", zap.Error(err))
		return
	}
	if c.session.ConnectionState != entities.ConnectionConnected {
		return
	}
	c.lastChunk = c.bridge.PlayChunk(payload)
	if c.session.SetAITurnState(entities.AITurnSpeaking) {
		c.publishStatus()
	}
}

// handleRemoteError surfaces a service-side failure. The connection is left
// to the service to close.
func (c *SessionController) handleRemoteError(m *domain.ErrorMessage) {
	derr := domain.RemoteApplicationError(m.Message, m.Code)
	c.logger.Error("Voice service reported an error", zap.Error(derr))

	c.stopAudio()
	c.session.LastError = derr
	c.session.SetConnectionState(entities.ConnectionErrored)
	c.publish(SessionEvent{Type: EventError, Error: derr, Guidance: derr.Guidance()})
	c.publishStatus()
}

// handleDrained ends the agent turn once the queue ran empty at or after the
// last agent chunk. The bridge may also be playing chunks it did not get
// from this controller, so a later seq counts too.
func (c *SessionController) handleDrained(seq uint64) {
	if c.lastChunk == 0 || seq < c.lastChunk || c.session.AITurnState != entities.AITurnSpeaking {
		return
	}
	if c.session.SetAITurnState(entities.AITurnIdle) {
		c.publishStatus()
	}
}

func (c *SessionController) requestMicrophone() {
	switch c.session.MicrophoneState {
	case entities.MicrophoneActive, entities.MicrophoneMuted, entities.MicrophoneRequesting:
		return
	}
	c.session.SetMicrophoneState(entities.MicrophoneRequesting)
	c.publishStatus()

	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.captureCancel = cancel

	go func() {
		err := c.bridge.StartCapture(ctx, func(frame []byte) {
			c.post(func() { c.handleFrame(gen, frame) })
		})
		c.post(func() { c.handleCaptureStarted(gen, err) })
	}()
}

func (c *SessionController) handleCaptureStarted(gen uint64, err error) {
	if c.stale(gen) || c.session.MicrophoneState != entities.MicrophoneRequesting {
		return
	}
	if err != nil {
		c.handleCaptureFailure(err)
		return
	}
	if c.paused {
		c.session.SetMicrophoneState(entities.MicrophoneMuted)
	} else {
		c.session.SetMicrophoneState(entities.MicrophoneActive)
	}
	c.publishStatus()
}

// handleCaptureEnded tracks a device that stopped on its own. A clean end
// leaves the microphone inactive; a failure degrades the session.
func (c *SessionController) handleCaptureEnded(err error) {
	if err != nil {
		c.handleCaptureFailure(err)
		return
	}
	if c.session.ConnectionState != entities.ConnectionConnected {
		return
	}
	switch c.session.MicrophoneState {
	case entities.MicrophoneActive, entities.MicrophoneMuted:
	default:
		return
	}
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	c.logger.Info("Microphone stopped", zap.String("sessionId", c.session.ID))
	c.session.SetMicrophoneState(entities.MicrophoneInactive)
	c.publishStatus()
}

// handleCaptureFailure leaves the session connected in degraded mode.
func (c *SessionController) handleCaptureFailure(err error) {
	if c.session.ConnectionState != entities.ConnectionConnected {
		return
	}
	derr := asDomainError(domain.KindMicrophoneHardware, err)
	state := entities.MicrophoneError
	if derr.Kind == domain.KindMicrophonePermission {
		state = entities.MicrophoneDenied
	}
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	c.session.SetMicrophoneState(state)
	c.publish(SessionEvent{Type: EventError, Error: derr, Guidance: derr.Guidance()})
	c.publishStatus()
}

func (c *SessionController) handleFrame(gen uint64, frame []byte) {
	if c.stale(gen) ||
		c.session.ConnectionState != entities.ConnectionConnected ||
		c.session.MicrophoneState != entities.MicrophoneActive {
		return
	}
	if err := c.transport.Send(ws.EncodeAudioChunk(frame)); err != nil {
		c.logger.Debug("Dropping audio frame", zap.Error(err))
	}
}

// teardown releases every resource of the current attempt and fences its
// pending callbacks.
func (c *SessionController) teardown() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.transport != nil {
		if err := c.transport.Close(websocket.CloseNormalClosure, stopReason); err != nil {
			c.logger.Debug("Failed to close voice channel", zap.Error(err))
		}
		c.transport = nil
	}
	c.stopAudio()
}

func (c *SessionController) stopAudio() {
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	c.bridge.StopCapture()
	c.bridge.StopPlayback()
	c.lastChunk = 0
}

// emitSummary publishes the ended session once.
func (c *SessionController) emitSummary(endState entities.ConnectionState) {
	if c.ended || c.session.StartedAt.IsZero() {
		return
	}
	c.ended = true

	record := &entities.SessionRecord{
		SessionID: c.session.ID,
		AgentID:   c.cfg.Endpoint.AgentID,
		StartedAt: c.session.StartedAt,
		EndedAt:   c.clock.Now(),
		EndState:  endState,
		Turns:     c.session.Transcript.Final(),
	}
	if c.session.LastError != nil {
		record.LastError = c.session.LastError.Error()
	}
	c.publish(SessionEvent{Type: EventEnded, Summary: record})
}

func (c *SessionController) publishTurn(turn entities.TranscriptTurn) {
	c.mu.Lock()
	c.turns = c.session.Transcript.Turns()
	c.mu.Unlock()
	c.publish(SessionEvent{Type: EventTranscript, Turn: &turn})
}

func (c *SessionController) publishStatus() {
	status := c.session.Snapshot()
	c.mu.Lock()
	c.status = status
	c.turns = c.session.Transcript.Turns()
	c.mu.Unlock()
	c.publish(SessionEvent{Type: EventStatus, Status: &status})
}

func (c *SessionController) publish(ev SessionEvent) {
	ev.At = c.clock.Now()
	c.broker.publish(ev)
}

func asDomainError(kind domain.ErrorKind, err error) *domain.Error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr
	}
	return domain.NewError(kind, err.Error(), err)
}
