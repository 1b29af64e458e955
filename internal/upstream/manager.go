// Package upstream owns the single persistent connection to the external
// realtime speech API: dialing, the handshake and session configuration,
// heartbeats, serialized sends, and bounded-backoff reconnection.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kiosklabs/voice-gateway/internal/event"
	"github.com/kiosklabs/voice-gateway/internal/metrics"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned by Send when the connection is not up.
	// Callers fail fast instead of queuing.
	ErrNotConnected = errors.New("upstream not connected")

	// ErrDegraded is returned once reconnection is exhausted; only a manual
	// Reset clears it.
	ErrDegraded = errors.New("upstream degraded, reconnection halted")

	// ErrClosed is returned after an explicit Close.
	ErrClosed = errors.New("upstream closed")
)

// Conn is the subset of *websocket.Conn the manager uses; tests inject
// fakes through Config.Dial.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Config configures the connection manager.
type Config struct {
	URL    string
	APIKey string

	// Session is sent as session.update once the handshake completes.
	Session event.SessionConfig

	MaxReconnectAttempts int           // default 5
	BackoffBase          float64       // default 2
	MaxBackoff           time.Duration // default 30s
	HeartbeatInterval    time.Duration // default 30s

	// OnMessage receives every validated inbound payload.
	OnMessage func(raw []byte)

	// OnStateChange is invoked after each state transition, outside the
	// manager's lock. err is the last transport error, if any.
	OnStateChange func(s State, err error)

	// Dial overrides the websocket dialer (tests).
	Dial func(ctx context.Context) (Conn, error)
}

// Manager is the singleton state machine governing the shared upstream
// connection. All mutation goes through its synchronized entry points; the
// live handle is never exposed.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      Conn
	stop      chan struct{} // per-connection heartbeat stop
	attempts  int
	lastErr   error
	closed    bool
	reconnect *time.Timer

	writeMu sync.Mutex
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Manager{cfg: cfg}
}

// Backoff returns the delay before reconnect attempt n: min(max, base^n
// seconds).
func Backoff(attempt int, base float64, max time.Duration) time.Duration {
	d := time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
	if d > max || d < 0 {
		return max
	}
	return d
}

// Connect dials the upstream once. A connect already in flight or an
// established connection makes this a no-op; a Degraded manager refuses
// until Reset.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return nil
	case StateDegraded:
		m.mu.Unlock()
		return ErrDegraded
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notify(StateConnecting, nil)

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.notify(StateDisconnected, err)
		slog.Error("upstream dial failed", "error", err, "attempt", m.Attempts())
		m.scheduleReconnect()
		return fmt.Errorf("upstream dial: %w", err)
	}

	stop := make(chan struct{})
	m.mu.Lock()
	// Close may have raced the dial; tear the fresh conn down instead of
	// installing it on a closed manager.
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.stop = stop
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.notify(StateConnected, nil)
	slog.Info("upstream connected", "url", m.cfg.URL)

	go m.readLoop(conn)
	go m.heartbeatLoop(conn, stop)
	return nil
}

// Send writes one payload to the upstream. Fails fast when not Connected.
// Writes are serialized so concurrent senders cannot corrupt framing.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		metrics.UpstreamSendErrors.WithLabelValues(state.String()).Inc()
		if state == StateDegraded {
			return ErrDegraded
		}
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		metrics.UpstreamSendErrors.WithLabelValues("write").Inc()
		m.transportError(conn, err)
		return fmt.Errorf("upstream send: %w", err)
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Attempts returns the reconnect attempts made since the last successful
// handshake.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Reset clears a Degraded state so a fresh Connect may be attempted.
func (m *Manager) Reset() {
	m.mu.Lock()
	if m.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notify(StateDisconnected, nil)
	slog.Info("upstream degraded state reset")
}

// Close shuts the connection down for good: a normal close frame is sent and
// no reconnection is scheduled.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	conn := m.conn
	m.conn = nil
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	if m.cfg.Dial != nil {
		return m.cfg.Dial(ctx)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop validates each inbound payload as well-formed structured data
// before handing it on. Malformed payloads are dropped without touching
// connection state.
func (m *Manager) readLoop(conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.readFailed(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr != nil || envelope.Type == "" {
			metrics.UpstreamMalformed.Inc()
			slog.Warn("malformed upstream payload dropped", "error", jsonErr)
			continue
		}

		if envelope.Type == "session.created" {
			m.completeHandshake(conn)
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(data)
		}
	}
}

// completeHandshake resets the attempt counter and pushes the session
// configuration upstream.
func (m *Manager) completeHandshake(conn Conn) {
	m.mu.Lock()
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	data, err := event.SessionUpdate(m.cfg.Session)
	if err != nil {
		slog.Error("marshal session config", "error", err)
		return
	}
	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.transportError(conn, err)
		return
	}
	slog.Info("upstream session configured", "voice", m.cfg.Session.Voice)
}

func (m *Manager) heartbeatLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			m.writeMu.Unlock()
			if err != nil {
				slog.Warn("upstream heartbeat failed", "error", err)
				m.transportError(conn, err)
				return
			}
		}
	}
}

// readFailed classifies a read-loop exit: normal closes stop quietly,
// non-recoverable closes degrade, anything else reconnects with backoff.
func (m *Manager) readFailed(conn Conn, err error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.lastErr = err

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway:
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			m.notify(StateDisconnected, nil)
			slog.Info("upstream closed normally", "code", ce.Code)
			return
		case nonRecoverable(ce.Code):
			m.setStateLocked(StateDegraded)
			m.mu.Unlock()
			m.notify(StateDegraded, err)
			slog.Error("upstream rejected connection, reconnection suppressed", "code", ce.Code, "error", err)
			return
		}
	}

	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notify(StateDisconnected, err)
	slog.Warn("upstream connection lost", "error", err)
	m.scheduleReconnect()
}

// transportError handles a failed write: tear the connection down and go
// through the same reconnect path as a failed read.
func (m *Manager) transportError(conn Conn, err error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.lastErr = err
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notify(StateDisconnected, err)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	next := m.attempts + 1
	if next > m.cfg.MaxReconnectAttempts {
		m.setStateLocked(StateDegraded)
		m.mu.Unlock()
		m.notify(StateDegraded, m.LastError())
		slog.Error("upstream reconnection exhausted", "attempts", m.cfg.MaxReconnectAttempts)
		return
	}
	delay := Backoff(next, m.cfg.BackoffBase, m.cfg.MaxBackoff)
	m.attempts = next
	m.reconnect = time.AfterFunc(delay, func() {
		metrics.UpstreamReconnects.Inc()
		if err := m.Connect(context.Background()); err != nil {
			slog.Warn("upstream reconnect failed", "attempt", next, "error", err)
		}
	})
	m.mu.Unlock()
	slog.Info("upstream reconnect scheduled", "attempt", next, "delay", delay)
}

// teardownLocked drops the live connection and stops its heartbeat. Caller
// must hold m.mu.
func (m *Manager) teardownLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.UpstreamState.Set(float64(s))
}

func (m *Manager) notify(s State, err error) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s, err)
	}
}

// nonRecoverable reports close codes where retrying cannot help:
// protocol-version or authentication/policy rejections.
func nonRecoverable(code int) bool {
	switch code {
	case websocket.CloseProtocolError, websocket.ClosePolicyViolation, websocket.CloseUnsupportedData:
		return true
	}
	// 4000-4099 is the provider's range for auth/config rejections.
	return code >= 4000 && code < 4100
}
