package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pk(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

type fakeUsers struct {
	mu     sync.Mutex
	users  map[string]*model.User
	online map[string]bool
}

func newFakeUsers(ids ...string) *fakeUsers {
	f := &fakeUsers{users: make(map[string]*model.User), online: make(map[string]bool)}
	for _, id := range ids {
		f.users[id] = &model.User{ID: id, DisplayName: "user-" + id}
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) SetOnline(_ context.Context, id string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[id] = online
	return nil
}

type fakeConvs struct {
	mu       sync.Mutex
	convs    map[string]*model.Conversation
	partners map[string][]string
	touched  []string
}

func newFakeConvs() *fakeConvs {
	return &fakeConvs{convs: make(map[string]*model.Conversation), partners: make(map[string][]string)}
}

func (f *fakeConvs) GetOrCreate(_ context.Context, a, b string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pk(a, b)
	if c, ok := f.convs[key]; ok {
		return c, nil
	}
	p1, p2 := a, b
	if p2 < p1 {
		p1, p2 = p2, p1
	}
	c := &model.Conversation{ID: uuid.New().String(), Participant1ID: p1, Participant2ID: p2, CreatedAt: time.Now()}
	f.convs[key] = c
	return c, nil
}

func (f *fakeConvs) GetPartnerIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partners[userID], nil
}

func (f *fakeConvs) TouchLastMessage(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

type fakeMsgs struct {
	mu        sync.Mutex
	byToken   map[string]*model.Message
	readCalls []string
}

func newFakeMsgs() *fakeMsgs {
	return &fakeMsgs{byToken: make(map[string]*model.Message)}
}

func (f *fakeMsgs) Create(_ context.Context, m *model.Message) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := m.SenderID + "|" + m.ClientToken
	if stored, ok := f.byToken[key]; ok {
		return stored, nil
	}
	cp := *m
	f.byToken[key] = &cp
	return &cp, nil
}

func (f *fakeMsgs) MarkConversationRead(_ context.Context, conversationID, readerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, conversationID+"|"+readerID)
	return nil
}

type fakeConsents struct {
	mu     sync.Mutex
	byPair map[string]*model.ChatConsent
}

func newFakeConsents() *fakeConsents {
	return &fakeConsents{byPair: make(map[string]*model.ChatConsent)}
}

func (f *fakeConsents) put(c *model.ChatConsent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byPair[pk(c.RequesterID, c.ResponderID)] = c
}

func (f *fakeConsents) GetByPair(_ context.Context, a, b string) (*model.ChatConsent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byPair[pk(a, b)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConsents) GetByID(_ context.Context, id string) (*model.ChatConsent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byPair {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeConsents) Create(_ context.Context, requesterID, responderID string) (*model.ChatConsent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pk(requesterID, responderID)
	if c, ok := f.byPair[key]; ok {
		cp := *c
		return &cp, nil
	}
	now := time.Now().UTC()
	c := &model.ChatConsent{
		ID: uuid.New().String(), RequesterID: requesterID, ResponderID: responderID,
		Status: model.ConsentPending, CreatedAt: now, UpdatedAt: now,
	}
	f.byPair[key] = c
	cp := *c
	return &cp, nil
}

func (f *fakeConsents) UpdateStatus(_ context.Context, id string, status model.ConsentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byPair {
		if c.ID == id {
			c.Status = status
			c.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeConsents) Reopen(_ context.Context, id, requesterID, responderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byPair {
		if c.ID == id {
			c.RequesterID = requesterID
			c.ResponderID = responderID
			c.Status = model.ConsentPending
			c.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeNotifier struct {
	mu        sync.Mutex
	received  []string
	readCount int
}

func (f *fakeNotifier) MessageReceived(_ context.Context, toUserID, fromUserID, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, toUserID+"<-"+fromUserID)
}

func (f *fakeNotifier) MarkMessagesRead(_ context.Context, userID, fromUserID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCount, nil
}

type hubFixture struct {
	hub      *Hub
	users    *fakeUsers
	convs    *fakeConvs
	msgs     *fakeMsgs
	consents *fakeConsents
	notifier *fakeNotifier
}

func newHubFixture(policy ConsentPolicy, userIDs ...string) *hubFixture {
	f := &hubFixture{
		users:    newFakeUsers(userIDs...),
		convs:    newFakeConvs(),
		msgs:     newFakeMsgs(),
		consents: newFakeConsents(),
		notifier: &fakeNotifier{},
	}
	f.hub = NewHub(f.users, f.convs, f.msgs, f.consents, policy, 100)
	f.hub.SetNotifier(f.notifier)
	return f
}

// connect registers a client without a network connection; handlers only
// push into the buffered send channel, which tests drain directly.
func (f *hubFixture) connect(userID string) *Client {
	c := NewClient(f.hub, nil, userID)
	f.hub.addClient(c)
	return c
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.send:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for user %s", c.userID)
		return nil
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.send:
		t.Fatalf("unexpected event %s for user %s", ev.EventType(), c.userID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendMessageWithoutConsentRejected(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	alice := f.connect("u1")
	ctx := context.Background()

	f.hub.HandleEvent(ctx, alice, &SendMessageEvent{ReceiverID: "u2", Content: "hi", ClientToken: "t1"})

	ev := recvEvent(t, alice)
	errEv, ok := ev.(*ErrorEvent)
	require.True(t, ok, "expected error event, got %T", ev)
	assert.Equal(t, "chat not accepted", errEv.Message)
	assert.Empty(t, f.msgs.byToken)
}

func TestSendMessageDeliversConfirmsAndNotifies(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentAccepted})
	alice := f.connect("u1")
	bob := f.connect("u2")
	ctx := context.Background()

	f.hub.HandleEvent(ctx, alice, &SendMessageEvent{ReceiverID: "u2", Content: "hi", ClientToken: "t1"})

	confirm, ok := recvEvent(t, alice).(*MessageConfirmedEvent)
	require.True(t, ok)
	assert.Equal(t, "t1", confirm.ClientToken)
	assert.NotEmpty(t, confirm.MessageID)

	msgToSender, ok := recvEvent(t, alice).(*NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "hi", msgToSender.Message.Content)

	msgToReceiver, ok := recvEvent(t, bob).(*NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "u1", msgToReceiver.Message.SenderID)
	assert.False(t, msgToReceiver.Message.IsRead)

	// Window not focused: unread counter bumps and a notification is recorded.
	count, ok := recvEvent(t, bob).(*MessageCountUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, ActionIncrement, count.Action)
	assert.Equal(t, []string{"u2<-u1"}, f.notifier.received)
}

func TestSendMessageToFocusedWindowIsRead(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentAccepted})
	alice := f.connect("u1")
	bob := f.connect("u2")
	ctx := context.Background()

	f.hub.setWindow("u2", "u1", true)
	f.hub.HandleEvent(ctx, alice, &SendMessageEvent{ReceiverID: "u2", Content: "hi", ClientToken: "t1"})

	recvEvent(t, alice) // confirm
	recvEvent(t, alice) // newMessage to sender
	msg, ok := recvEvent(t, bob).(*NewMessageEvent)
	require.True(t, ok)
	assert.True(t, msg.Message.IsRead)
	assertNoEvent(t, bob)
	assert.Empty(t, f.notifier.received)
}

func TestSendMessageDuplicateTokenOnlyReconfirms(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentAccepted})
	alice := f.connect("u1")
	bob := f.connect("u2")
	ctx := context.Background()

	send := &SendMessageEvent{ReceiverID: "u2", Content: "hi", ClientToken: "t1"}
	f.hub.HandleEvent(ctx, alice, send)
	first, ok := recvEvent(t, alice).(*MessageConfirmedEvent)
	require.True(t, ok)
	recvEvent(t, alice) // newMessage
	recvEvent(t, bob)   // newMessage
	recvEvent(t, bob)   // count update

	// Resend with the same token: the original row is re-confirmed, nothing
	// is delivered twice.
	f.hub.HandleEvent(ctx, alice, send)
	second, ok := recvEvent(t, alice).(*MessageConfirmedEvent)
	require.True(t, ok)
	assert.Equal(t, first.MessageID, second.MessageID)
	assertNoEvent(t, alice)
	assertNoEvent(t, bob)
	assert.Len(t, f.notifier.received, 1)
}

func TestTypingForwarded(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	alice := f.connect("u1")
	bob := f.connect("u2")

	f.hub.HandleEvent(context.Background(), alice, &SendTypingEvent{ReceiverID: "u2", IsTyping: true})

	ev, ok := recvEvent(t, bob).(*UserTypingEvent)
	require.True(t, ok)
	assert.Equal(t, "u1", ev.UserID)
	assert.True(t, ev.IsTyping)
	assertNoEvent(t, alice)
}

func TestOpenChatWindowInitiatesConsent(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	alice := f.connect("u1")
	bob := f.connect("u2")

	f.hub.HandleEvent(context.Background(), alice, &OpenChatWindowEvent{OtherUserID: "u2"})

	req, ok := recvEvent(t, bob).(*ConsentRequestEvent)
	require.True(t, ok)
	assert.Equal(t, "u1", req.Consent.RequesterID)
	assert.Equal(t, model.ConsentPending, req.Consent.Status)
	require.NotNil(t, req.Requester)
	assert.Equal(t, "user-u1", req.Requester.DisplayName)

	pending, ok := recvEvent(t, alice).(*ConsentPendingEvent)
	require.True(t, ok)
	assert.Equal(t, req.Consent.ID, pending.Consent.ID)
}

func TestOpenChatWindowAcceptedMarksRead(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u2", ResponderID: "u1", Status: model.ConsentAccepted})
	f.notifier.readCount = 3
	alice := f.connect("u1")

	f.hub.HandleEvent(context.Background(), alice, &OpenChatWindowEvent{OtherUserID: "u2"})

	ev, ok := recvEvent(t, alice).(*MessageNotificationsReadEvent)
	require.True(t, ok)
	assert.Equal(t, "u2", ev.SenderID)
	assert.Equal(t, 3, ev.Count)
	require.Len(t, f.msgs.readCalls, 1)
	assert.True(t, f.hub.isWindowOpen("u1", "u2"))
}

func TestOpenChatWindowRejectedNoRerequest(t *testing.T) {
	f := newHubFixture(ConsentPolicy{AllowRerequestAfterReject: false}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentRejected, UpdatedAt: time.Now().Add(-time.Hour)})
	alice := f.connect("u1")
	bob := f.connect("u2")

	f.hub.HandleEvent(context.Background(), alice, &OpenChatWindowEvent{OtherUserID: "u2"})

	ev, ok := recvEvent(t, alice).(*ConsentRejectedEvent)
	require.True(t, ok)
	assert.Equal(t, model.ConsentRejected, ev.Consent.Status)
	assertNoEvent(t, bob)
}

func TestOpenChatWindowRejectedRerequestAllowed(t *testing.T) {
	f := newHubFixture(ConsentPolicy{AllowRerequestAfterReject: true}, "u1", "u2")
	// u1 rejected u2's request earlier; now u1 opens the window, so the
	// record reopens with swapped roles.
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u2", ResponderID: "u1", Status: model.ConsentRejected, UpdatedAt: time.Now().Add(-time.Hour)})
	alice := f.connect("u1")
	bob := f.connect("u2")

	f.hub.HandleEvent(context.Background(), alice, &OpenChatWindowEvent{OtherUserID: "u2"})

	req, ok := recvEvent(t, bob).(*ConsentRequestEvent)
	require.True(t, ok)
	assert.Equal(t, "u1", req.Consent.RequesterID)
	assert.Equal(t, model.ConsentPending, req.Consent.Status)

	pending, ok := recvEvent(t, alice).(*ConsentPendingEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", pending.Consent.ID)
}

func TestRespondConsentAccept(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentPending})
	alice := f.connect("u1")
	bob := f.connect("u2")

	f.hub.HandleEvent(context.Background(), bob, &RespondConsentEvent{ConsentID: "c1", Accept: true})

	evA, ok := recvEvent(t, alice).(*ConsentAcceptedEvent)
	require.True(t, ok)
	assert.Equal(t, model.ConsentAccepted, evA.Consent.Status)
	evB, ok := recvEvent(t, bob).(*ConsentAcceptedEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", evB.Consent.ID)
}

func TestRespondConsentOnlyResponderMayDecide(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentPending})
	alice := f.connect("u1")

	f.hub.HandleEvent(context.Background(), alice, &RespondConsentEvent{ConsentID: "c1", Accept: true})

	ev, ok := recvEvent(t, alice).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "only the responder can decide", ev.Message)

	stored, err := f.consents.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConsentPending, stored.Status)
}

func TestRespondConsentNotPending(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.consents.put(&model.ChatConsent{ID: "c1", RequesterID: "u1", ResponderID: "u2", Status: model.ConsentAccepted})
	bob := f.connect("u2")

	f.hub.HandleEvent(context.Background(), bob, &RespondConsentEvent{ConsentID: "c1", Accept: false})

	ev, ok := recvEvent(t, bob).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "consent is not pending", ev.Message)
}

func TestPresenceBroadcastToPartners(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	f.convs.partners["u1"] = []string{"u2"}
	bob := f.connect("u2")

	f.connect("u1")

	ev, ok := recvEvent(t, bob).(*UserOnlineEvent)
	require.True(t, ok)
	assert.Equal(t, "u1", ev.UserID)
	assert.True(t, f.users.online["u1"])
}

func TestCloseChatWindowClearsFocus(t *testing.T) {
	f := newHubFixture(ConsentPolicy{}, "u1", "u2")
	alice := f.connect("u1")

	f.hub.setWindow("u1", "u2", true)
	require.True(t, f.hub.isWindowOpen("u1", "u2"))

	f.hub.HandleEvent(context.Background(), alice, &CloseChatWindowEvent{OtherUserID: "u2"})
	assert.False(t, f.hub.isWindowOpen("u1", "u2"))
}
