package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/repository"
)

// UserStore is the user state the hub needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	SetOnline(ctx context.Context, id string, online bool) error
}

// ConversationStore resolves and updates one-to-one conversations.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)
	GetPartnerIDs(ctx context.Context, userID string) ([]string, error)
	TouchLastMessage(ctx context.Context, id string, t time.Time) error
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) error
}

// ConsentStore tracks pairwise chat consents.
type ConsentStore interface {
	GetByPair(ctx context.Context, userA, userB string) (*model.ChatConsent, error)
	GetByID(ctx context.Context, id string) (*model.ChatConsent, error)
	Create(ctx context.Context, requesterID, responderID string) (*model.ChatConsent, error)
	UpdateStatus(ctx context.Context, id string, status model.ConsentStatus) error
	Reopen(ctx context.Context, id, requesterID, responderID string) error
}

// Notifier persists notifications and handles their delivery side effects.
// If nil, notifications are skipped.
type Notifier interface {
	MessageReceived(ctx context.Context, toUserID, fromUserID, conversationID string)
	MarkMessagesRead(ctx context.Context, userID, fromUserID string) (int, error)
}

// ConsentPolicy controls whether a rejected consent may be re-requested.
type ConsentPolicy struct {
	AllowRerequestAfterReject bool
	RerequestCooldown         time.Duration
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	// openWindows tracks which conversations each user has focused:
	// userID -> set of other-user ids. Guarded by mu.
	openWindows map[string]map[string]struct{}

	users    UserStore
	convs    ConversationStore
	msgs     MessageStore
	consents ConsentStore
	notifier Notifier
	policy   ConsentPolicy

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	users UserStore,
	convs ConversationStore,
	msgs MessageStore,
	consents ConsentStore,
	policy ConsentPolicy,
	maxConns int,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		openWindows: make(map[string]map[string]struct{}),
		maxConns:    maxConns,
		users:       users,
		convs:       convs,
		msgs:        msgs,
		consents:    consents,
		policy:      policy,
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		done:        make(chan struct{}),
	}
}

// SetNotifier wires the notification fan-out after construction
// (the notifier itself pushes live frames through the hub).
func (h *Hub) SetNotifier(n Notifier) {
	h.notifier = n
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.openWindows = make(map[string]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.users.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	h.broadcastPresence(c.userID, true)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
		delete(h.openWindows, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastPresence(c.userID, false)
	}
}

// HandleEvent dispatches a decoded inbound frame. Frames that only ever
// travel server-to-client are dropped silently.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev Event) {
	switch ev := ev.(type) {
	case *SendMessageEvent:
		h.handleSendMessage(ctx, c, ev)
	case *SendTypingEvent:
		h.handleSendTyping(c, ev)
	case *OpenChatWindowEvent:
		h.handleOpenChatWindow(ctx, c, ev)
	case *CloseChatWindowEvent:
		h.handleCloseChatWindow(c, ev)
	case *RespondConsentEvent:
		h.handleRespondConsent(ctx, c, ev)
	default:
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, ev *SendMessageEvent) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if ev.ReceiverID == "" || ev.ReceiverID == c.userID || (ev.Content == "" && ev.ImageURL == "") {
		h.sendToClient(c, &ErrorEvent{Message: "receiverId and content or imageUrl required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	consent, err := h.consents.GetByPair(ctx, c.userID, ev.ReceiverID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Errorf("ws consent lookup sender=%s receiver=%s: %v", c.userID, ev.ReceiverID, err)
		h.sendToClient(c, &ErrorEvent{Message: "internal error"})
		return
	}
	if consent == nil || consent.Status != model.ConsentAccepted {
		h.sendToClient(c, &ErrorEvent{Message: "chat not accepted"})
		return
	}

	conv, err := h.convs.GetOrCreate(ctx, c.userID, ev.ReceiverID)
	if err != nil {
		logger.Errorf("ws get conversation sender=%s receiver=%s: %v", c.userID, ev.ReceiverID, err)
		h.sendToClient(c, &ErrorEvent{Message: "internal error"})
		return
	}

	clientToken := ev.ClientToken
	if clientToken == "" {
		clientToken = uuid.New().String()
	}
	receiverFocused := h.isWindowOpen(ev.ReceiverID, c.userID)
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       c.userID,
		Content:        ev.Content,
		ImageURL:       ev.ImageURL,
		ClientToken:    clientToken,
		IsRead:         receiverFocused,
		CreatedAt:      time.Now().UTC(),
	}

	stored, err := h.msgs.Create(ctx, m)
	if err != nil {
		logger.Errorf("ws save message sender=%s receiver=%s: %v", c.userID, ev.ReceiverID, err)
		h.sendToClient(c, &ErrorEvent{Message: "failed to save message"})
		return
	}

	confirm := &MessageConfirmedEvent{
		ClientToken:    clientToken,
		MessageID:      stored.ID,
		ConversationID: stored.ConversationID,
		Timestamp:      stored.CreatedAt,
	}
	h.SendToUser(c.userID, confirm)

	// A duplicate client token means a resend of an already-persisted
	// message: re-confirm only, no second fan-out.
	if stored.ID != m.ID {
		return
	}

	if err := h.convs.TouchLastMessage(ctx, conv.ID, stored.CreatedAt); err != nil {
		logger.Errorf("ws touch conversation %s: %v", conv.ID, err)
	}

	if sender, err := h.users.GetByID(ctx, c.userID); err != nil {
		logger.Errorf("ws get sender user=%s: %v", c.userID, err)
	} else {
		pub := sender.ToPublic()
		stored.Sender = &pub
	}

	out := &NewMessageEvent{Message: *stored}
	h.SendToUser(c.userID, out)
	h.SendToUser(ev.ReceiverID, out)

	if !receiverFocused {
		h.SendToUser(ev.ReceiverID, &MessageCountUpdateEvent{Action: ActionIncrement, ConversationID: conv.ID})
		if h.notifier != nil {
			h.notifier.MessageReceived(ctx, ev.ReceiverID, c.userID, conv.ID)
		}
	}
}

func (h *Hub) handleSendTyping(c *Client, ev *SendTypingEvent) {
	if ev.ReceiverID == "" || ev.ReceiverID == c.userID {
		return
	}
	// Fire-and-forget: no persistence, no acknowledgment.
	h.SendToUser(ev.ReceiverID, &UserTypingEvent{UserID: c.userID, IsTyping: ev.IsTyping})
}

func (h *Hub) handleOpenChatWindow(ctx context.Context, c *Client, ev *OpenChatWindowEvent) {
	defer logger.DeferLogDuration("ws.handleOpenChatWindow", time.Now())()
	if ev.OtherUserID == "" || ev.OtherUserID == c.userID {
		return
	}
	h.setWindow(c.userID, ev.OtherUserID, true)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	consent, err := h.consents.GetByPair(ctx, c.userID, ev.OtherUserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.initiateConsent(ctx, c.userID, ev.OtherUserID)
		return
	case err != nil:
		logger.Errorf("ws consent lookup user=%s other=%s: %v", c.userID, ev.OtherUserID, err)
		return
	}

	switch consent.Status {
	case model.ConsentPending:
		// Refresh the opener's view of the pending request.
		if consent.RequesterID == c.userID {
			h.SendToUser(c.userID, &ConsentPendingEvent{Consent: *consent})
		} else {
			h.SendToUser(c.userID, h.consentRequestEvent(ctx, consent))
		}
	case model.ConsentRejected:
		if h.policy.AllowRerequestAfterReject && time.Since(consent.UpdatedAt) >= h.policy.RerequestCooldown {
			if err := h.consents.Reopen(ctx, consent.ID, c.userID, ev.OtherUserID); err != nil {
				logger.Errorf("ws reopen consent %s: %v", consent.ID, err)
				return
			}
			reopened, err := h.consents.GetByID(ctx, consent.ID)
			if err != nil {
				logger.Errorf("ws reload consent %s: %v", consent.ID, err)
				return
			}
			h.SendToUser(ev.OtherUserID, h.consentRequestEvent(ctx, reopened))
			h.SendToUser(c.userID, &ConsentPendingEvent{Consent: *reopened})
		} else {
			h.SendToUser(c.userID, &ConsentRejectedEvent{Consent: *consent})
		}
	case model.ConsentAccepted:
		h.markConversationSeen(ctx, c.userID, ev.OtherUserID)
	}
}

// initiateConsent creates a pending record and pushes both lifecycle frames.
func (h *Hub) initiateConsent(ctx context.Context, requesterID, responderID string) {
	consent, err := h.consents.Create(ctx, requesterID, responderID)
	if err != nil {
		logger.Errorf("ws create consent requester=%s responder=%s: %v", requesterID, responderID, err)
		return
	}
	h.SendToUser(responderID, h.consentRequestEvent(ctx, consent))
	h.SendToUser(requesterID, &ConsentPendingEvent{Consent: *consent})
}

func (h *Hub) consentRequestEvent(ctx context.Context, consent *model.ChatConsent) *ConsentRequestEvent {
	ev := &ConsentRequestEvent{Consent: *consent}
	if requester, err := h.users.GetByID(ctx, consent.RequesterID); err == nil {
		pub := requester.ToPublic()
		ev.Requester = &pub
	}
	return ev
}

// markConversationSeen applies the "read on open chat" rule: messages from
// the other participant and their message notifications become read, and the
// opener learns how many notifications were cleared.
func (h *Hub) markConversationSeen(ctx context.Context, userID, otherUserID string) {
	conv, err := h.convs.GetOrCreate(ctx, userID, otherUserID)
	if err != nil {
		logger.Errorf("ws get conversation user=%s other=%s: %v", userID, otherUserID, err)
		return
	}
	if err := h.msgs.MarkConversationRead(ctx, conv.ID, userID); err != nil {
		logger.Errorf("ws mark read conv=%s user=%s: %v", conv.ID, userID, err)
	}
	if h.notifier == nil {
		return
	}
	count, err := h.notifier.MarkMessagesRead(ctx, userID, otherUserID)
	if err != nil {
		logger.Errorf("ws mark notifications read user=%s from=%s: %v", userID, otherUserID, err)
		return
	}
	if count > 0 {
		h.SendToUser(userID, &MessageNotificationsReadEvent{SenderID: otherUserID, Count: count})
	}
}

func (h *Hub) handleCloseChatWindow(c *Client, ev *CloseChatWindowEvent) {
	if ev.OtherUserID == "" {
		return
	}
	h.setWindow(c.userID, ev.OtherUserID, false)
}

func (h *Hub) handleRespondConsent(ctx context.Context, c *Client, ev *RespondConsentEvent) {
	defer logger.DeferLogDuration("ws.handleRespondConsent", time.Now())()
	if ev.ConsentID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.RespondConsent(ctx, ev.ConsentID, c.userID, ev.Accept); err != nil {
		h.sendToClient(c, &ErrorEvent{Message: err.Error()})
	}
}

// RespondConsent applies a responder decision and pushes the resulting
// lifecycle frame to both parties. Shared by the WS command and the HTTP
// endpoint.
func (h *Hub) RespondConsent(ctx context.Context, consentID, responderID string, accept bool) (*model.ChatConsent, error) {
	consent, err := h.consents.GetByID(ctx, consentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errors.New("consent not found")
	}
	if err != nil {
		logger.Errorf("ws get consent %s: %v", consentID, err)
		return nil, errors.New("internal error")
	}
	if consent.ResponderID != responderID {
		return nil, errors.New("only the responder can decide")
	}
	if consent.Status != model.ConsentPending {
		return nil, errors.New("consent is not pending")
	}

	status := model.ConsentRejected
	if accept {
		status = model.ConsentAccepted
	}
	if err := h.consents.UpdateStatus(ctx, consent.ID, status); err != nil {
		logger.Errorf("ws update consent %s: %v", consent.ID, err)
		return nil, errors.New("internal error")
	}
	consent.Status = status
	consent.UpdatedAt = time.Now().UTC()

	var ev Event
	if accept {
		ev = &ConsentAcceptedEvent{Consent: *consent}
	} else {
		ev = &ConsentRejectedEvent{Consent: *consent}
	}
	h.SendToUser(consent.RequesterID, ev)
	h.SendToUser(consent.ResponderID, ev)
	return consent, nil
}

func (h *Hub) broadcastPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	partnerIDs, err := h.convs.GetPartnerIDs(ctx, userID)
	if err != nil {
		logger.Errorf("ws get partners for presence user=%s: %v", userID, err)
		return
	}

	var ev Event
	if online {
		ev = &UserOnlineEvent{UserID: userID}
	} else {
		ev = &UserOfflineEvent{UserID: userID}
	}
	for _, uid := range partnerIDs {
		h.SendToUser(uid, ev)
	}
}

func (h *Hub) setWindow(userID, otherUserID string, open bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if open {
		if _, ok := h.openWindows[userID]; !ok {
			h.openWindows[userID] = make(map[string]struct{})
		}
		h.openWindows[userID][otherUserID] = struct{}{}
		return
	}
	if windows, ok := h.openWindows[userID]; ok {
		delete(windows, otherUserID)
		if len(windows) == 0 {
			delete(h.openWindows, userID)
		}
	}
}

// isWindowOpen reports whether userID currently has the chat window with
// otherUserID focused.
func (h *Hub) isWindowOpen(userID, otherUserID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	windows, ok := h.openWindows[userID]
	if !ok {
		return false
	}
	_, open := windows[otherUserID]
	return open
}

// IsConnected reports whether the user has at least one live connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// SendToUser delivers an event to every live connection of a user.
// Returns false when the user has no open connection.
func (h *Hub) SendToUser(userID string, ev Event) bool {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
	return len(targets) > 0
}

func (h *Hub) sendToClient(c *Client, ev Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
