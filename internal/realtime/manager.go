// Package realtime is the client side of the multiplexed channel: it dials,
// performs the hello handshake, dispatches inbound frames to the bus and
// transparently reconnects with backoff when the connection drops.
package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sparkmatch/internal/bus"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/ws"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOpen
	// StatusOffline is terminal: the retry budget is exhausted and only an
	// explicit Connect call leaves it.
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusOffline:
		return "offline"
	default:
		return "disconnected"
	}
}

// ReconnectPolicy shapes the retry schedule after a dropped connection.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // 0..1 fraction of the delay randomized both ways
	MaxAttempts int     // 0 means retry forever
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 8,
	}
}

// Delay returns the backoff for the given attempt (1-based) with jitter.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens channel connections. The default wraps gorilla's dialer;
// tests inject their own.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// Manager owns the single channel connection for a logged-in session.
type Manager struct {
	url       string
	sessionID string
	token     string

	dialer Dialer
	events bus.Bus
	state  *State
	disp   *dispatcher
	policy ReconnectPolicy

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     Conn
	status   Status
	attempts int
	timer    *time.Timer
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithReconnectPolicy(p ReconnectPolicy) Option { return func(m *Manager) { m.policy = p } }

// NewManager wires the channel client. url is the full ws:// endpoint;
// sessionID and token come from login (token = signed ws handshake token).
func NewManager(url, sessionID, token string, events bus.Bus, state *State, opts ...Option) *Manager {
	m := &Manager{
		url:       url,
		sessionID: sessionID,
		token:     token,
		dialer:    gorillaDialer{},
		events:    events,
		state:     state,
		disp:      newDispatcher(events, state),
		policy:    DefaultReconnectPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current channel status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect starts the channel. A no-op while connecting or already open.
// Calling it from StatusOffline resets the retry budget and tries again.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.status == StatusConnecting || m.status == StatusOpen {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	go m.dial()
}

// reconnect is the timer-driven variant: it respects the terminal offline
// state instead of resetting it.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closed || m.status != StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	go m.dial()
}

func (m *Manager) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := m.dialer.DialContext(ctx, m.url)
	cancel()
	if err != nil {
		logger.Errorf("realtime dial: %v", err)
		m.connectionLost(nil)
		return
	}
	if err := m.handshake(conn); err != nil {
		logger.Errorf("realtime handshake: %v", err)
		conn.Close()
		m.connectionLost(nil)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.setStatusLocked(StatusOpen)
	m.mu.Unlock()

	go m.readLoop(conn)
}

// handshake sends hello and waits for helloAck before the connection is
// considered usable.
func (m *Manager) handshake(conn Conn) error {
	data, err := ws.Encode(&ws.HelloEvent{SessionID: m.sessionID, Token: m.token})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	ev, err := ws.Decode(raw)
	if err != nil {
		return err
	}
	if _, ok := ev.(*ws.HelloAckEvent); !ok {
		return fmt.Errorf("expected helloAck, got %s", ev.EventType())
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

func (m *Manager) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		m.disp.HandleFrame(raw)
	}
	conn.Close()
	m.connectionLost(conn)
}

// connectionLost transitions to disconnected and schedules a single retry.
// conn is the connection that died (nil for dial/handshake failures); a
// stale read loop from an already-replaced connection is ignored.
func (m *Manager) connectionLost(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if conn != nil && m.conn != conn {
		return
	}
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	if m.policy.MaxAttempts > 0 && m.attempts > m.policy.MaxAttempts {
		m.setStatusLocked(StatusOffline)
		return
	}
	delay := m.policy.Delay(m.attempts)
	logger.Infof("realtime reconnect attempt %d in %v", m.attempts, delay)
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, m.reconnect)
}

// setStatusLocked updates status and publishes the transition. Callers hold mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	if m.events != nil {
		m.events.Publish(TopicConnection, ConnectionUpdate{Status: s, Attempt: m.attempts})
	}
}

// Logout tears the channel down for good: the pending reconnect timer and
// the connection are stopped atomically so no retry can fire afterwards.
func (m *Manager) Logout() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"))
		conn.Close()
	}
	if m.state != nil {
		m.state.Reset()
	}
}

// send encodes and writes a frame when the channel is open. Closed or
// reconnecting channels drop the frame silently and report false.
func (m *Manager) send(ev ws.Event) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.status == StatusOpen && conn != nil
	m.mu.Unlock()
	if !open {
		return false
	}
	data, err := ws.Encode(ev)
	if err != nil {
		logger.Errorf("realtime encode %s: %v", ev.EventType(), err)
		return false
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Errorf("realtime write %s: %v", ev.EventType(), err)
		return false
	}
	return true
}
