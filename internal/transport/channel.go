package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

// CloseCodeDuplicateConnection is the application close code the streaming
// endpoint uses when it rejects a second connection for the same session id.
const CloseCodeDuplicateConnection = 4409

const defaultWriteTimeout = 5 * time.Second

// Config controls websocket channel settings.
type Config struct {
	Endpoint          string
	Token             string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	SilenceBound      time.Duration
	WriteTimeout      time.Duration

	// HeartbeatMisses, when set, counts heartbeat intervals that elapsed
	// past the silence bound.
	HeartbeatMisses prometheus.Counter
}

// Factory builds one websocket channel per session.
type Factory struct {
	cfg    Config
	logger zerolog.Logger
	clock  ports.Clock
}

func NewFactory(cfg Config, logger zerolog.Logger, clock ports.Clock) *Factory {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	// The silence bound is never tighter than four heartbeat intervals so a
	// single delayed pong cannot be mistaken for a dead peer.
	if floor := 4 * cfg.HeartbeatInterval; cfg.SilenceBound < floor {
		cfg.SilenceBound = floor
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With().Str("component", "transport").Logger(),
		clock:  clock,
	}
}

func (f *Factory) New(session domain.Session, handlers ports.ChannelHandlers) ports.Channel {
	return &Channel{
		cfg:      f.cfg,
		session:  session,
		handlers: handlers,
		logger:   f.logger.With().Str("session_id", session.ID).Logger(),
		clock:    f.clock,
		state:    domain.ConnectionStateDisconnected,
	}
}

// Channel is a websocket connection to the streaming endpoint. It reports
// closes to its owner but never decides to reconnect itself; heartbeat misses
// degrade the liveness record and are logged, nothing more.
type Channel struct {
	cfg      Config
	session  domain.Session
	handlers ports.ChannelHandlers
	logger   zerolog.Logger
	clock    ports.Clock

	mu          sync.Mutex
	conn        *websocket.Conn
	state       domain.ConnectionState
	attempted   bool
	intentional bool
	heartbeat   domain.HeartbeatRecord
	lastPingAt  time.Time
	closed      chan struct{}

	writeMu sync.Mutex
}

type controlFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Connect dials the streaming endpoint and starts the read and heartbeat
// loops. The handshake inherits the configured timeout through the dialer.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.ConnectionStateConnected || c.state == domain.ConnectionStateConnecting {
		c.mu.Unlock()
		return errors.New("channel is already connected")
	}
	if c.attempted {
		c.state = domain.ConnectionStateReconnecting
	} else {
		c.state = domain.ConnectionStateConnecting
	}
	c.attempted = true
	c.mu.Unlock()

	wsURL, err := c.buildURL()
	if err != nil {
		c.setDisconnected()
		return err
	}

	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		c.setDisconnected()
		if resp != nil {
			return fmt.Errorf("stream handshake rejected (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("failed to connect to stream: %w", err)
	}

	now := c.clock()
	c.mu.Lock()
	c.conn = conn
	c.state = domain.ConnectionStateConnected
	c.intentional = false
	c.heartbeat = domain.HeartbeatRecord{LastServerSignalAt: now}
	c.closed = make(chan struct{})
	closed := c.closed
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, closed)

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
	return nil
}

func (c *Channel) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint %q: %w", c.cfg.Endpoint, err)
	}
	q := u.Query()
	q.Set("session_id", c.session.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send transmits one binary audio frame. It reports false when the channel is
// not connected or the write fails; the caller buffers the frame and the read
// loop surfaces the close.
func (c *Channel) Send(frame []byte) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == domain.ConnectionStateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.clock().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("audio frame write failed")
		return false
	}
	return true
}

// Notify sends a JSON control frame (pause/resume) to the remote side.
func (c *Channel) Notify(event string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == domain.ConnectionStateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return errors.New("channel is not connected")
	}
	return c.writeJSON(conn, controlFrame{Type: event, Timestamp: c.clock().UnixMilli()})
}

func (c *Channel) writeJSON(conn *websocket.Conn, frame controlFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.clock().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close tears the connection down. An intentional close is reported back to
// the owner with intentional=true so it never triggers reconnection.
func (c *Channel) Close(intentional bool) {
	c.mu.Lock()
	c.intentional = intentional
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.setDisconnected()
		return
	}

	if intentional {
		c.writeMu.Lock()
		deadline := c.clock().Add(c.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopping"), deadline)
		c.writeMu.Unlock()
	}
	// Closing the socket unblocks the read loop, which performs the
	// single teardown path.
	_ = conn.Close()
}

func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Heartbeat() domain.HeartbeatRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

func (c *Channel) setDisconnected() {
	c.mu.Lock()
	c.state = domain.ConnectionStateDisconnected
	c.mu.Unlock()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	var closeErr error
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		c.handleInbound(conn, payload)
	}
	c.teardown(conn, closeErr)
}

func (c *Channel) handleInbound(conn *websocket.Conn, payload []byte) {
	now := c.clock()

	c.mu.Lock()
	// Any inbound traffic is a liveness signal.
	c.heartbeat.LastServerSignalAt = now
	c.heartbeat.ConsecutiveMisses = 0
	lastPingAt := c.lastPingAt
	c.mu.Unlock()

	var msg domain.ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("discarding unparseable server frame")
		return
	}

	switch msg.Type {
	case "ping":
		if err := c.writeJSON(conn, controlFrame{Type: "pong", Timestamp: now.UnixMilli()}); err != nil {
			c.logger.Warn().Err(err).Msg("pong reply failed")
		}
	case "pong":
		if !lastPingAt.IsZero() {
			c.mu.Lock()
			c.heartbeat.LastRTT = now.Sub(lastPingAt)
			c.mu.Unlock()
		}
	default:
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
		}

		now := c.clock()
		if err := c.writeJSON(conn, controlFrame{Type: "ping", Timestamp: now.UnixMilli()}); err != nil {
			c.logger.Warn().Err(err).Msg("heartbeat ping failed")
		}

		c.mu.Lock()
		c.lastPingAt = now
		silent := now.Sub(c.heartbeat.LastServerSignalAt)
		degraded := silent > c.cfg.SilenceBound
		if degraded {
			c.heartbeat.ConsecutiveMisses++
		}
		misses := c.heartbeat.ConsecutiveMisses
		c.mu.Unlock()

		// Degradation is logged but the socket is never closed here; the
		// underlying transport decides when the connection is dead.
		if degraded {
			if c.cfg.HeartbeatMisses != nil {
				c.cfg.HeartbeatMisses.Inc()
			}
			c.logger.Warn().
				Dur("silent_for", silent).
				Int("consecutive_misses", misses).
				Msg("no server signal within silence bound")
		}
	}
}

func (c *Channel) teardown(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = domain.ConnectionStateDisconnected
	intentional := c.intentional
	if c.closed != nil {
		close(c.closed)
		c.closed = nil
	}
	c.mu.Unlock()

	reason := closeReasonFor(cause)
	if intentional {
		reason = domain.CloseReasonNormal
	}
	c.logger.Info().
		Str("reason", string(reason)).
		Bool("intentional", intentional).
		AnErr("cause", cause).
		Msg("stream channel closed")

	if c.handlers.OnClose != nil {
		c.handlers.OnClose(reason, intentional)
	}
}

// closeReasonFor maps a websocket close error to the channel close taxonomy.
// Anything that is not an explicit close frame counts as abnormal.
func closeReasonFor(err error) domain.CloseReason {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return domain.CloseReasonAbnormal
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return domain.CloseReasonNormal
	case CloseCodeDuplicateConnection:
		return domain.CloseReasonDuplicateRejected
	case websocket.ClosePolicyViolation:
		return domain.CloseReasonPolicyViolation
	default:
		return domain.CloseReasonAbnormal
	}
}
