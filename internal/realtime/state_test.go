package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/sparkmatch/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records bus payloads for one topic.
type collector struct {
	mu       sync.Mutex
	payloads []any
}

func collect(b bus.Bus, topic string) *collector {
	c := &collector{}
	b.Subscribe(topic, func(p any) {
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.payloads...)
}

func (c *collector) last() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

func TestTypingExpiresAndPublishes(t *testing.T) {
	events := bus.New()
	typing := collect(events, TopicTyping)
	s := NewState(events, 20*time.Millisecond)

	s.SetTyping("u1", true)
	require.True(t, s.IsTyping("u1"))

	require.Eventually(t, func() bool { return !s.IsTyping("u1") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(typing.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TypingUpdate{UserID: "u1", IsTyping: false}, typing.all()[0])
}

func TestTypingRefreshRestartsTimer(t *testing.T) {
	events := bus.New()
	typing := collect(events, TopicTyping)
	s := NewState(events, 50*time.Millisecond)

	s.SetTyping("u1", true)
	time.Sleep(30 * time.Millisecond)
	s.SetTyping("u1", true)
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first frame but only 30ms after the refresh: still typing.
	assert.True(t, s.IsTyping("u1"))
	assert.Empty(t, typing.all())
}

func TestTypingExplicitStopDoesNotPublish(t *testing.T) {
	events := bus.New()
	typing := collect(events, TopicTyping)
	s := NewState(events, 20*time.Millisecond)

	s.SetTyping("u1", true)
	s.SetTyping("u1", false)
	assert.False(t, s.IsTyping("u1"))

	// The stopped timer must not fire a synthetic event later.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, typing.all())
}

func TestUnreadCountersClampAtZero(t *testing.T) {
	s := NewState(bus.New(), 0)
	s.Seed(2, 1)

	s.DecMessageUnread(5)
	s.DecNotificationUnread(5)
	msgs, notifs := s.UnreadCounts()
	assert.Equal(t, 0, msgs)
	assert.Equal(t, 0, notifs)

	s.IncMessageUnread()
	s.IncNotificationUnread()
	s.IncNotificationUnread()
	msgs, notifs = s.UnreadCounts()
	assert.Equal(t, 1, msgs)
	assert.Equal(t, 2, notifs)
}

func TestResetDropsVolatileState(t *testing.T) {
	s := NewState(bus.New(), time.Minute)
	s.SetOnline("u1", true)
	s.SetTyping("u2", true)
	s.Seed(3, 4)

	s.Reset()

	assert.False(t, s.IsOnline("u1"))
	assert.False(t, s.IsTyping("u2"))
	msgs, notifs := s.UnreadCounts()
	assert.Equal(t, 0, msgs)
	assert.Equal(t, 0, notifs)
}
