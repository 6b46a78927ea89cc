package realtime

import (
	"sync"
	"time"

	"github.com/sparkmatch/internal/bus"
)

// DefaultTypingExpiry clears a typing flag when no refreshing frame arrives.
const DefaultTypingExpiry = 3 * time.Second

// State mirrors server-pushed volatile state: who is online, who is typing,
// and the unread counters. Typing flags self-expire; each refreshing frame
// restarts the timer instead of stacking a second one.
type State struct {
	mu           sync.RWMutex
	online       map[string]bool
	typing       map[string]*time.Timer
	msgUnread    int
	notifUnread  int
	typingExpiry time.Duration
	events       bus.Bus
}

func NewState(events bus.Bus, typingExpiry time.Duration) *State {
	if typingExpiry <= 0 {
		typingExpiry = DefaultTypingExpiry
	}
	return &State{
		online:       make(map[string]bool),
		typing:       make(map[string]*time.Timer),
		typingExpiry: typingExpiry,
		events:       events,
	}
}

func (s *State) SetOnline(userID string, online bool) {
	s.mu.Lock()
	s.online[userID] = online
	s.mu.Unlock()
}

func (s *State) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

// SetTyping flips the typing flag. A true flag arms (or re-arms) the expiry
// timer; when it fires, the flag clears and a synthetic typing=false event is
// published so the UI drops the indicator even if the server frame got lost.
func (s *State) SetTyping(userID string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.typing[userID]; ok {
		t.Stop()
		delete(s.typing, userID)
	}
	if !isTyping {
		return
	}
	s.typing[userID] = time.AfterFunc(s.typingExpiry, func() {
		s.expireTyping(userID)
	})
}

func (s *State) expireTyping(userID string) {
	s.mu.Lock()
	_, active := s.typing[userID]
	delete(s.typing, userID)
	s.mu.Unlock()
	if active && s.events != nil {
		s.events.Publish(TopicTyping, TypingUpdate{UserID: userID, IsTyping: false})
	}
}

func (s *State) IsTyping(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.typing[userID]
	return ok
}

// Seed sets the unread counters from the REST bootstrap endpoints.
func (s *State) Seed(msgUnread, notifUnread int) {
	s.mu.Lock()
	s.msgUnread = msgUnread
	s.notifUnread = notifUnread
	s.mu.Unlock()
}

func (s *State) IncMessageUnread() {
	s.mu.Lock()
	s.msgUnread++
	s.mu.Unlock()
}

// DecMessageUnread subtracts n, clamping at zero.
func (s *State) DecMessageUnread(n int) {
	s.mu.Lock()
	s.msgUnread -= n
	if s.msgUnread < 0 {
		s.msgUnread = 0
	}
	s.mu.Unlock()
}

func (s *State) IncNotificationUnread() {
	s.mu.Lock()
	s.notifUnread++
	s.mu.Unlock()
}

func (s *State) DecNotificationUnread(n int) {
	s.mu.Lock()
	s.notifUnread -= n
	if s.notifUnread < 0 {
		s.notifUnread = 0
	}
	s.mu.Unlock()
}

func (s *State) UnreadCounts() (messages, notifications int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.msgUnread, s.notifUnread
}

// Reset drops all volatile state (used after logout).
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.typing {
		t.Stop()
		delete(s.typing, id)
	}
	s.online = make(map[string]bool)
	s.msgUnread = 0
	s.notifUnread = 0
}
