package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire frames
// ============================================================================

// RealtimeEnvelope is the wire format of every server-to-client frame.
//
//	{"type":"authenticated","payload":{"userId":"u1"}}
//	{"type":"event","payload":{"topic":"channel-c1","event":{...}}}
//	{"type":"pong","payload":{"requestId":"ping-3"}}
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token string

	// AutoReconnect redials after the connection drops. MaxReconnectAttempts
	// of 0 retries forever.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultBackoffBase
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultBackoffMax
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is shared by the reconnect loop and Disconnect.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay is min(base*2^attempt + jitter, max). It also returns the number
// of the attempt it delays. A connection that stayed up for a minute starts
// the sequence over.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a Transport over a single WebSocket with heartbeat and
// automatic reconnect. After each successful connect it hands control to the
// bound handler, which resubscribes the active topics.
type WSTransport struct {
	baseURL string
	config  *RealtimeConfig
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	handler          TransportHandler
	recon            *reconnector
	lifetime         context.Context
	stop             context.CancelFunc
	cancelConn       context.CancelFunc
	pingCounter      int

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewWSTransport creates a transport for the server at baseURL (http or
// https; the scheme is switched to ws or wss).
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	lifetime, stop := context.WithCancel(context.Background())
	return &WSTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger,
		state:        StateDisconnected,
		recon:        newReconnector(config),
		lifetime:     lifetime,
		stop:         stop,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// Bind implements Transport.
func (ws *WSTransport) Bind(h TransportHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.handler = h
}

// State returns the current connection state.
func (ws *WSTransport) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the server and waits for the "authenticated" frame. ctx
// bounds the handshake only; the connection lives until Disconnect.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSTransport) dial(ctx context.Context) error {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(ws.lifetime)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelConn = cancel
	handler := ws.handler
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.logger.Info("websocket connected", "url", wsURL)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	if handler != nil {
		handler.HandleReconnect(connCtx)
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting. The transport
// cannot be reconnected afterwards.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelConn != nil {
		ws.cancelConn()
		ws.cancelConn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.stop()
	ws.clearPendingPings()
	ws.recon.reset()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe implements Transport.
func (ws *WSTransport) Subscribe(ctx context.Context, topic string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "subscribe",
		Payload: map[string]string{"topic": topic},
	})
}

// Unsubscribe implements Transport.
func (ws *WSTransport) Unsubscribe(ctx context.Context, topic string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "unsubscribe",
		Payload: map[string]string{"topic": topic},
	})
}

// Send writes a raw command.
func (ws *WSTransport) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSTransport) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.connectionLost(conn, err)
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case "event":
			var frame TopicFrame
			if json.Unmarshal(env.Payload, &frame) != nil || frame.Topic == "" {
				ws.logger.Debug("dropping malformed frame")
				continue
			}
			ws.mu.Lock()
			handler := ws.handler
			ws.mu.Unlock()
			if handler != nil {
				handler.HandlePush(frame.Topic, frame.Event)
			}
		case "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "error":
			ws.logger.Warn("server error frame", "payload", string(env.Payload))
		}
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ws.Ping(ctx); err != nil {
				ws.logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// connectionLost handles the end of conn. Only the current connection may
// trigger a reconnect.
func (ws *WSTransport) connectionLost(conn *websocket.Conn, err error) {
	ws.mu.Lock()
	if ws.intentionalClose || ws.conn != conn {
		ws.mu.Unlock()
		return
	}
	ws.conn = nil
	ws.state = StateDisconnected
	if ws.cancelConn != nil {
		ws.cancelConn()
		ws.cancelConn = nil
	}
	handler := ws.handler
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.logger.Warn("websocket disconnected", "error", err)
	if handler != nil {
		handler.HandleDisconnect(err)
	}
	if ws.config.AutoReconnect {
		go ws.reconnectLoop()
	}
}

// reconnectLoop redials with capped backoff until it succeeds, the attempt
// budget runs out, or Disconnect is called.
func (ws *WSTransport) reconnectLoop() {
	for ws.recon.shouldReconnect() {
		delay, attempt := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.logger.Info("websocket reconnecting", "attempt", attempt, "delay", delay)

		if err := sleepCtx(ws.lifetime, delay); err != nil {
			return
		}
		ws.mu.Lock()
		stopped := ws.intentionalClose
		ws.mu.Unlock()
		if stopped {
			return
		}

		ctx, cancel := context.WithTimeout(ws.lifetime, DefaultAttemptTimeout)
		err := ws.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.logger.Warn("websocket reconnect failed", "attempt", attempt, "error", err)
	}
	ws.setState(StateDisconnected)
}

func (ws *WSTransport) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
