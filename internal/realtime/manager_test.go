package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sparkmatch/internal/bus"
	"github.com/sparkmatch/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptConn is an in-memory Conn: the "server" side pushes frames into in,
// and every client write is recorded. A hello frame is answered with helloAck
// unless ack is false.
type scriptConn struct {
	mu     sync.Mutex
	in     chan []byte
	writes [][]byte
	closed bool
	ack    bool
}

func newScriptConn() *scriptConn {
	return &scriptConn{in: make(chan []byte, 16), ack: true}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, raw, nil
}

func (c *scriptConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	ack := c.ack
	c.mu.Unlock()

	if ack {
		if ev, err := ws.Decode(data); err == nil {
			if _, isHello := ev.(*ws.HelloEvent); isHello {
				reply, _ := ws.Encode(&ws.HelloAckEvent{UserID: "u1"})
				c.push(reply)
			}
		}
	}
	return nil
}

func (c *scriptConn) push(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.in <- raw
	}
}

func (c *scriptConn) pushEvent(t *testing.T, ev ws.Event) {
	t.Helper()
	raw, err := ws.Encode(ev)
	require.NoError(t, err)
	c.push(raw)
}

func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *scriptConn) lastWrite(t *testing.T) ws.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.writes)
	ev, err := ws.Decode(c.writes[len(c.writes)-1])
	require.NoError(t, err)
	return ev
}

// scriptDialer hands out scriptConns and counts dials; fail makes every
// dial error out.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	fail  bool
}

func (d *scriptDialer) DialContext(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		d.conns = append(d.conns, nil)
		return nil, errors.New("dial refused")
	}
	c := newScriptConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *scriptDialer) conn(i int) *scriptConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func fastPolicy(maxAttempts int) ReconnectPolicy {
	return ReconnectPolicy{
		Initial:     5 * time.Millisecond,
		Max:         20 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: maxAttempts,
	}
}

func newTestManager(t *testing.T, d Dialer, policy ReconnectPolicy) (*Manager, *bus.Memory, *collector) {
	t.Helper()
	events := bus.New()
	state := NewState(events, time.Minute)
	conns := collect(events, TopicConnection)
	m := NewManager("ws://example/ws", "sess-1", "tok-1", events, state,
		WithDialer(d), WithReconnectPolicy(policy))
	return m, events, conns
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == want },
		2*time.Second, 2*time.Millisecond, "status never became %s", want)
}

func TestConnectHandshakeOpens(t *testing.T) {
	d := &scriptDialer{}
	m, _, conns := newTestManager(t, d, fastPolicy(3))

	m.Connect()
	waitStatus(t, m, StatusOpen)

	require.Equal(t, 1, d.dials())
	hello, ok := d.conn(0).lastWrite(t).(*ws.HelloEvent)
	require.True(t, ok)
	assert.Equal(t, "sess-1", hello.SessionID)
	assert.Equal(t, "tok-1", hello.Token)

	got := conns.all()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, StatusConnecting, got[0].(ConnectionUpdate).Status)
	assert.Equal(t, StatusOpen, got[len(got)-1].(ConnectionUpdate).Status)
}

func TestConnectIsNoOpWhileOpen(t *testing.T) {
	d := &scriptDialer{}
	m, _, _ := newTestManager(t, d, fastPolicy(3))

	m.Connect()
	waitStatus(t, m, StatusOpen)
	m.Connect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestInboundFramesReachDispatcher(t *testing.T) {
	d := &scriptDialer{}
	m, events, _ := newTestManager(t, d, fastPolicy(3))
	presence := collect(events, TopicPresence)

	m.Connect()
	waitStatus(t, m, StatusOpen)
	d.conn(0).pushEvent(t, &ws.UserOnlineEvent{UserID: "u2"})

	require.Eventually(t, func() bool { return len(presence.all()) == 1 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, PresenceUpdate{UserID: "u2", Online: true}, presence.all()[0])
}

func TestReconnectsAfterDrop(t *testing.T) {
	d := &scriptDialer{}
	m, _, _ := newTestManager(t, d, fastPolicy(5))

	m.Connect()
	waitStatus(t, m, StatusOpen)

	// Server drops the connection; the manager must come back on its own.
	d.conn(0).Close()
	require.Eventually(t, func() bool { return d.dials() >= 2 && m.Status() == StatusOpen },
		2*time.Second, 2*time.Millisecond)
}

func TestRetriesExhaustedGoesOffline(t *testing.T) {
	d := &scriptDialer{fail: true}
	m, _, conns := newTestManager(t, d, fastPolicy(2))

	m.Connect()
	waitStatus(t, m, StatusOffline)

	// Initial dial plus two retries.
	assert.Equal(t, 3, d.dials())
	last := conns.last().(ConnectionUpdate)
	assert.Equal(t, StatusOffline, last.Status)

	// Offline is terminal until an explicit Connect, which resets the budget.
	before := d.dials()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, d.dials())

	m.Connect()
	require.Eventually(t, func() bool { return d.dials() > before },
		time.Second, 2*time.Millisecond)
}

func TestLogoutStopsReconnect(t *testing.T) {
	d := &scriptDialer{fail: true}
	m, _, _ := newTestManager(t, d, ReconnectPolicy{Initial: 30 * time.Millisecond, Max: 30 * time.Millisecond, Multiplier: 1})

	m.Connect()
	require.Eventually(t, func() bool { return d.dials() >= 1 }, time.Second, 2*time.Millisecond)

	m.Logout()
	before := d.dials()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, d.dials())
	assert.Equal(t, StatusDisconnected, m.Status())

	// A closed manager stays down.
	m.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, d.dials())
}

func TestLogoutResetsState(t *testing.T) {
	d := &scriptDialer{}
	events := bus.New()
	state := NewState(events, time.Minute)
	m := NewManager("ws://example/ws", "sess-1", "tok-1", events, state,
		WithDialer(d), WithReconnectPolicy(fastPolicy(3)))

	m.Connect()
	waitStatus(t, m, StatusOpen)
	state.SetOnline("u2", true)
	state.Seed(3, 1)

	m.Logout()

	assert.False(t, state.IsOnline("u2"))
	msgs, notifs := state.UnreadCounts()
	assert.Equal(t, 0, msgs)
	assert.Equal(t, 0, notifs)
}

func TestSendMessageGeneratesToken(t *testing.T) {
	d := &scriptDialer{}
	m, _, _ := newTestManager(t, d, fastPolicy(3))

	m.Connect()
	waitStatus(t, m, StatusOpen)

	token, sent := m.SendMessage("u2", "hi", "")
	require.True(t, sent)
	require.NotEmpty(t, token)

	out, ok := d.conn(0).lastWrite(t).(*ws.SendMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "u2", out.ReceiverID)
	assert.Equal(t, "hi", out.Content)
	assert.Equal(t, token, out.ClientToken)

	// A retry reuses the token so the server can deduplicate.
	require.True(t, m.ResendMessage("u2", "hi", "", token))
	retry, ok := d.conn(0).lastWrite(t).(*ws.SendMessageEvent)
	require.True(t, ok)
	assert.Equal(t, token, retry.ClientToken)
}

func TestSendDroppedWhileDisconnected(t *testing.T) {
	d := &scriptDialer{fail: true}
	m, _, _ := newTestManager(t, d, fastPolicy(1))

	token, sent := m.SendMessage("u2", "hi", "")
	assert.NotEmpty(t, token)
	assert.False(t, sent)
}
