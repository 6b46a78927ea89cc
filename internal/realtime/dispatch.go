package realtime

import (
	"errors"

	"github.com/sparkmatch/internal/bus"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/ws"
)

// Bus topics published by the dispatcher.
const (
	TopicConnection    = "realtime.connection"
	TopicMessages      = "realtime.messages"
	TopicTyping        = "realtime.typing"
	TopicPresence      = "realtime.presence"
	TopicNotifications = "realtime.notifications"
	TopicConsents      = "realtime.consents"
	TopicCounts        = "realtime.counts"
	TopicErrors        = "realtime.errors"
)

// ConnectionUpdate reports channel status transitions.
type ConnectionUpdate struct {
	Status Status
	// Attempt is set on reconnecting transitions.
	Attempt int
}

// MessageConfirmed correlates an optimistic local message with its stored row.
type MessageConfirmed struct {
	ClientToken    string
	MessageID      string
	ConversationID string
}

type TypingUpdate struct {
	UserID   string
	IsTyping bool
}

type PresenceUpdate struct {
	UserID string
	Online bool
}

// ConsentUpdate carries a consent lifecycle change.
type ConsentUpdate struct {
	Kind      ws.EventType
	Consent   model.ChatConsent
	Requester *model.UserPublic
}

// MessagesRead reports that the messages from one sender were seen, so
// subscribers can flip their read markers without refetching.
type MessagesRead struct {
	SenderID string
	Count    int
}

// CountsUpdate is published whenever either unread counter moves.
type CountsUpdate struct {
	MessageUnread      int
	NotificationUnread int
}

// dispatcher decodes inbound frames, updates the state mirror and publishes
// typed payloads to the bus. Unknown frame types are skipped silently;
// malformed frames are logged and dropped.
type dispatcher struct {
	events bus.Bus
	state  *State
}

func newDispatcher(events bus.Bus, state *State) *dispatcher {
	return &dispatcher{events: events, state: state}
}

func (d *dispatcher) HandleFrame(raw []byte) {
	ev, err := ws.Decode(raw)
	if err != nil {
		if !errors.Is(err, ws.ErrUnknownEvent) {
			logger.Errorf("realtime decode: %v", err)
		}
		return
	}
	d.dispatch(ev)
}

func (d *dispatcher) dispatch(ev ws.Event) {
	switch ev := ev.(type) {
	case *ws.NewMessageEvent:
		// A message stops the sender's typing indicator.
		d.state.SetTyping(ev.Message.SenderID, false)
		d.events.Publish(TopicMessages, ev.Message)
	case *ws.MessageConfirmedEvent:
		d.events.Publish(TopicMessages, MessageConfirmed{
			ClientToken:    ev.ClientToken,
			MessageID:      ev.MessageID,
			ConversationID: ev.ConversationID,
		})
	case *ws.UserTypingEvent:
		d.state.SetTyping(ev.UserID, ev.IsTyping)
		d.events.Publish(TopicTyping, TypingUpdate{UserID: ev.UserID, IsTyping: ev.IsTyping})
	case *ws.UserOnlineEvent:
		d.state.SetOnline(ev.UserID, true)
		d.events.Publish(TopicPresence, PresenceUpdate{UserID: ev.UserID, Online: true})
	case *ws.UserOfflineEvent:
		d.state.SetOnline(ev.UserID, false)
		d.events.Publish(TopicPresence, PresenceUpdate{UserID: ev.UserID, Online: false})
	case *ws.NewNotificationEvent:
		d.events.Publish(TopicNotifications, ev.Notification)
	case *ws.ConsentRequestEvent:
		d.events.Publish(TopicConsents, ConsentUpdate{Kind: ws.EventConsentRequest, Consent: ev.Consent, Requester: ev.Requester})
	case *ws.ConsentPendingEvent:
		d.events.Publish(TopicConsents, ConsentUpdate{Kind: ws.EventConsentPending, Consent: ev.Consent})
	case *ws.ConsentAcceptedEvent:
		d.events.Publish(TopicConsents, ConsentUpdate{Kind: ws.EventConsentAccepted, Consent: ev.Consent})
	case *ws.ConsentRejectedEvent:
		d.events.Publish(TopicConsents, ConsentUpdate{Kind: ws.EventConsentRejected, Consent: ev.Consent})
	case *ws.MessageNotificationsReadEvent:
		d.state.DecMessageUnread(ev.Count)
		d.state.DecNotificationUnread(ev.Count)
		d.events.Publish(TopicMessages, MessagesRead{SenderID: ev.SenderID, Count: ev.Count})
		d.publishCounts()
	case *ws.MessageCountUpdateEvent:
		if ev.Action == ws.ActionIncrement {
			d.state.IncMessageUnread()
		}
		d.publishCounts()
	case *ws.NotificationCountUpdateEvent:
		if ev.Action == ws.ActionIncrement {
			d.state.IncNotificationUnread()
		}
		d.publishCounts()
	case *ws.ErrorEvent:
		d.events.Publish(TopicErrors, ev.Message)
	case *ws.HelloAckEvent:
		// Consumed during the handshake; ignore a stray one.
	default:
	}
}

func (d *dispatcher) publishCounts() {
	msgs, notifs := d.state.UnreadCounts()
	d.events.Publish(TopicCounts, CountsUpdate{MessageUnread: msgs, NotificationUnread: notifs})
}
