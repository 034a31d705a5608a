package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
)

const (
	// Time allowed to flush the close frame on a local close.
	closeGrace = 2 * time.Second

	// Default period between latency probes sent to the voice service.
	defaultPingPeriod = 30 * time.Second

	// Outbound frames buffered before Send reports back-pressure.
	sendBufferSize = 256

	defaultAuthHeader = "xi-api-key"
)

var (
	ErrChannelNotOpen = errors.New("channel is not open")
	ErrChannelReused  = errors.New("channel was already opened")
	ErrSendBufferFull = errors.New("send buffer is full")
)

// Dialer opens the underlying websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// EndpointConfig identifies the voice agent and authenticates against it.
type EndpointConfig struct {
	URL     string
	AgentID string
	APIKey  string
	// AuthHeader carries APIKey. Defaults to xi-api-key.
	AuthHeader string
	// PingPeriod is the interval between latency probes.
	PingPeriod time.Duration
}

// Validate fails before any network I/O when identity or credential is missing.
func (c EndpointConfig) Validate() error {
	if c.URL == "" {
		return domain.ConfigurationError("voice agent URL is required")
	}
	if c.AgentID == "" {
		return domain.ConfigurationError("voice agent id is required")
	}
	if c.APIKey == "" {
		return domain.ConfigurationError("voice agent API key is required")
	}
	return nil
}

func (c EndpointConfig) dialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", domain.ConfigurationError("invalid voice agent URL: %v", err)
	}
	q := u.Query()
	q.Set("agent_id", c.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CloseEvent describes how a channel ended. Local is set when Close was called.
type CloseEvent struct {
	Code   int
	Reason string
	Local  bool
}

// ChannelState is the lifecycle of one Channel.
type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel owns one duplex JSON stream to the voice service. A Channel is
// opened at most once; create a new one per connection attempt.
type Channel struct {
	dialer Dialer
	logger *zap.Logger

	mu         sync.Mutex
	state      ChannelState
	conn       *websocket.Conn
	localClose *CloseEvent
	onMessage  func([]byte)
	onOpen     func()
	onClose    func(CloseEvent)
	onError    func(error)
	onLatency  func(time.Duration)

	send       chan []byte
	done       chan struct{}
	finishOnce sync.Once
}

func NewChannel(dialer Dialer, logger *zap.Logger) *Channel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Channel{
		dialer: dialer,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// OnMessage registers the handler for inbound text frames. Handlers are
// called from the read goroutine in arrival order.
func (c *Channel) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

func (c *Channel) OnOpen(handler func()) {
	c.mu.Lock()
	c.onOpen = handler
	c.mu.Unlock()
}

// OnClose is called exactly once for a channel that reached the open state.
func (c *Channel) OnClose(handler func(CloseEvent)) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

func (c *Channel) OnError(handler func(error)) {
	c.mu.Lock()
	c.onError = handler
	c.mu.Unlock()
}

// OnLatency receives the round trip of each answered latency probe.
func (c *Channel) OnLatency(handler func(time.Duration)) {
	c.mu.Lock()
	c.onLatency = handler
	c.mu.Unlock()
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the endpoint and starts the pumps. A failed dial is returned as
// a transport error and no handler is invoked.
func (c *Channel) Open(ctx context.Context, cfg EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	target, err := cfg.dialURL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != ChannelIdle {
		c.mu.Unlock()
		return ErrChannelReused
	}
	c.state = ChannelOpening
	c.mu.Unlock()

	header := http.Header{}
	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = defaultAuthHeader
	}
	header.Set(authHeader, cfg.APIKey)

	c.logger.Info("Connecting to voice agent", zap.String("agentId", cfg.AgentID))

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		c.mu.Lock()
		c.state = ChannelClosed
		c.mu.Unlock()
		if resp != nil {
			return domain.TransportError(fmt.Sprintf("dial failed with HTTP %d", resp.StatusCode), err)
		}
		return domain.TransportError("dial failed", err)
	}

	c.mu.Lock()
	if c.state != ChannelOpening {
		// Closed while dialing.
		c.mu.Unlock()
		conn.Close()
		return ErrChannelNotOpen
	}
	c.state = ChannelOpen
	c.conn = conn
	onOpen := c.onOpen
	c.mu.Unlock()

	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}

	go c.writePump(conn, pingPeriod)
	if onOpen != nil {
		onOpen()
	}
	go c.readPump(conn, pingPeriod*2)
	return nil
}

// Send marshals message and queues it. It never blocks.
func (c *Channel) Send(message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	open := c.state == ChannelOpen
	c.mu.Unlock()
	if !open {
		return ErrChannelNotOpen
	}

	select {
	case <-c.done:
		return ErrChannelNotOpen
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame with code and reason and shuts the connection.
// The resulting CloseEvent has Local set.
func (c *Channel) Close(code int, reason string) error {
	c.mu.Lock()
	switch c.state {
	case ChannelIdle, ChannelOpening:
		c.state = ChannelClosed
		c.mu.Unlock()
		return nil
	case ChannelClosing, ChannelClosed:
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelClosing
	c.localClose = &CloseEvent{Code: code, Reason: reason, Local: true}
	conn := c.conn
	c.mu.Unlock()

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeGrace))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("Failed to send close frame", zap.Error(err))
	}

	c.finish(*c.localClose)
	return nil
}

// readPump delivers inbound frames until the connection ends.
func (c *Channel) readPump(conn *websocket.Conn, pongWait time.Duration) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.observeProbe(appData)
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			c.finish(c.closeEventFor(err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(message)
		}
	}
}

// writePump is the only writer of data frames and latency probes.
func (c *Channel) writePump(conn *websocket.Conn, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.reportError(domain.TransportError("write failed", err))
				conn.Close()
				return
			}

		case <-ticker.C:
			probe := strconv.FormatInt(time.Now().UnixNano(), 10)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte(probe)); err != nil {
				c.reportError(domain.TransportError("latency probe failed", err))
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) observeProbe(appData string) {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return
	}
	rtt := time.Since(time.Unix(0, sent))

	c.mu.Lock()
	handler := c.onLatency
	c.mu.Unlock()
	if handler != nil {
		handler(rtt)
	}
}

func (c *Channel) closeEventFor(err error) CloseEvent {
	c.mu.Lock()
	local := c.localClose
	c.mu.Unlock()
	if local != nil {
		return *local
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return CloseEvent{Code: closeErr.Code, Reason: closeErr.Text}
	}
	c.reportError(domain.TransportError("connection lost", err))
	return CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

func (c *Channel) reportError(err error) {
	c.logger.Warn("Voice channel error", zap.Error(err))
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// finish runs once per opened channel.
func (c *Channel) finish(event CloseEvent) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.state = ChannelClosed
		conn := c.conn
		handler := c.onClose
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			conn.Close()
		}

		c.logger.Info("Voice channel closed",
			zap.Int("code", event.Code),
			zap.String("reason", event.Reason),
			zap.Bool("local", event.Local))

		if handler != nil {
			handler(event)
		}
	})
}
