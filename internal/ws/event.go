package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sparkmatch/internal/model"
)

// EventType is the mandatory frame discriminator.
type EventType string

const (
	// Client to server.
	EventHello           EventType = "hello"
	EventSendMessage     EventType = "sendMessage"
	EventSendTyping      EventType = "sendTyping"
	EventOpenChatWindow  EventType = "openChatWindow"
	EventCloseChatWindow EventType = "closeChatWindow"
	EventRespondConsent  EventType = "respondConsent"

	// Server to client.
	EventHelloAck                 EventType = "helloAck"
	EventNewMessage               EventType = "newMessage"
	EventMessageConfirmed         EventType = "messageConfirmed"
	EventUserTyping               EventType = "userTyping"
	EventUserOnline               EventType = "userOnline"
	EventUserOffline              EventType = "userOffline"
	EventNewNotification          EventType = "newNotification"
	EventConsentRequest           EventType = "consentRequest"
	EventConsentPending           EventType = "consentPending"
	EventConsentAccepted          EventType = "consentAccepted"
	EventConsentRejected          EventType = "consentRejected"
	EventMessageNotificationsRead EventType = "messageNotificationsRead"
	EventMessageCountUpdate       EventType = "messageCountUpdate"
	EventNotificationCountUpdate  EventType = "notificationCountUpdate"
	EventError                    EventType = "error"
)

// ActionIncrement is the only counter action pushed live; decrements arrive
// as explicit messageNotificationsRead counts.
const ActionIncrement = "increment"

// Event is the closed set of frames carried over the channel. Every frame is
// a flat JSON object with a "type" discriminator; Decode maps it back to the
// concrete struct so dispatch is an exhaustive type switch instead of
// stringly-typed field probing.
type Event interface {
	EventType() EventType
}

// ErrUnknownEvent marks a frame whose type is not part of the protocol.
// Receivers ignore such frames without error.
var ErrUnknownEvent = errors.New("unknown event type")

type HelloEvent struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type HelloAckEvent struct {
	UserID string `json:"userId"`
}

type SendMessageEvent struct {
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	ClientToken string `json:"clientToken"`
}

type SendTypingEvent struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type OpenChatWindowEvent struct {
	OtherUserID string `json:"otherUserId"`
}

type CloseChatWindowEvent struct {
	OtherUserID string `json:"otherUserId"`
}

type RespondConsentEvent struct {
	ConsentID string `json:"consentId"`
	Accept    bool   `json:"accept"`
}

type NewMessageEvent struct {
	Message model.Message `json:"message"`
}

// MessageConfirmedEvent correlates a persisted message to the optimistic
// local send via the client-generated token.
type MessageConfirmedEvent struct {
	ClientToken    string    `json:"clientToken"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type UserTypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type UserOnlineEvent struct {
	UserID string `json:"userId"`
}

type UserOfflineEvent struct {
	UserID string `json:"userId"`
}

type NewNotificationEvent struct {
	Notification model.Notification `json:"notification"`
}

type ConsentRequestEvent struct {
	Consent   model.ChatConsent `json:"consent"`
	Requester *model.UserPublic `json:"requester,omitempty"`
}

type ConsentPendingEvent struct {
	Consent model.ChatConsent `json:"consent"`
}

type ConsentAcceptedEvent struct {
	Consent model.ChatConsent `json:"consent"`
}

type ConsentRejectedEvent struct {
	Consent model.ChatConsent `json:"consent"`
}

type MessageNotificationsReadEvent struct {
	SenderID string `json:"senderId"`
	Count    int    `json:"count"`
}

type MessageCountUpdateEvent struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
}

type NotificationCountUpdateEvent struct {
	Action string `json:"action"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (HelloEvent) EventType() EventType                    { return EventHello }
func (HelloAckEvent) EventType() EventType                 { return EventHelloAck }
func (SendMessageEvent) EventType() EventType              { return EventSendMessage }
func (SendTypingEvent) EventType() EventType               { return EventSendTyping }
func (OpenChatWindowEvent) EventType() EventType           { return EventOpenChatWindow }
func (CloseChatWindowEvent) EventType() EventType          { return EventCloseChatWindow }
func (RespondConsentEvent) EventType() EventType           { return EventRespondConsent }
func (NewMessageEvent) EventType() EventType               { return EventNewMessage }
func (MessageConfirmedEvent) EventType() EventType         { return EventMessageConfirmed }
func (UserTypingEvent) EventType() EventType               { return EventUserTyping }
func (UserOnlineEvent) EventType() EventType               { return EventUserOnline }
func (UserOfflineEvent) EventType() EventType              { return EventUserOffline }
func (NewNotificationEvent) EventType() EventType          { return EventNewNotification }
func (ConsentRequestEvent) EventType() EventType           { return EventConsentRequest }
func (ConsentPendingEvent) EventType() EventType           { return EventConsentPending }
func (ConsentAcceptedEvent) EventType() EventType          { return EventConsentAccepted }
func (ConsentRejectedEvent) EventType() EventType          { return EventConsentRejected }
func (MessageNotificationsReadEvent) EventType() EventType { return EventMessageNotificationsRead }
func (MessageCountUpdateEvent) EventType() EventType       { return EventMessageCountUpdate }
func (NotificationCountUpdateEvent) EventType() EventType  { return EventNotificationCountUpdate }
func (ErrorEvent) EventType() EventType                    { return EventError }

// Encode marshals an event as a flat JSON object with the "type"
// discriminator spliced in front of the event's own fields.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("ws encode %s: %w", ev.EventType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("ws encode %s: event is not an object", ev.EventType())
	}
	out := make([]byte, 0, len(body)+len(ev.EventType())+10)
	out = append(out, `{"type":"`...)
	out = append(out, ev.EventType()...)
	out = append(out, '"')
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a frame into its concrete event. A missing or malformed
// frame returns an error; a syntactically valid frame with a type outside
// the protocol returns ErrUnknownEvent so callers can drop it silently.
func Decode(raw []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("ws decode: %w", err)
	}
	if head.Type == "" {
		return nil, errors.New("ws decode: missing type")
	}

	var ev Event
	switch head.Type {
	case EventHello:
		ev = &HelloEvent{}
	case EventHelloAck:
		ev = &HelloAckEvent{}
	case EventSendMessage:
		ev = &SendMessageEvent{}
	case EventSendTyping:
		ev = &SendTypingEvent{}
	case EventOpenChatWindow:
		ev = &OpenChatWindowEvent{}
	case EventCloseChatWindow:
		ev = &CloseChatWindowEvent{}
	case EventRespondConsent:
		ev = &RespondConsentEvent{}
	case EventNewMessage:
		ev = &NewMessageEvent{}
	case EventMessageConfirmed:
		ev = &MessageConfirmedEvent{}
	case EventUserTyping:
		ev = &UserTypingEvent{}
	case EventUserOnline:
		ev = &UserOnlineEvent{}
	case EventUserOffline:
		ev = &UserOfflineEvent{}
	case EventNewNotification:
		ev = &NewNotificationEvent{}
	case EventConsentRequest:
		ev = &ConsentRequestEvent{}
	case EventConsentPending:
		ev = &ConsentPendingEvent{}
	case EventConsentAccepted:
		ev = &ConsentAcceptedEvent{}
	case EventConsentRejected:
		ev = &ConsentRejectedEvent{}
	case EventMessageNotificationsRead:
		ev = &MessageNotificationsReadEvent{}
	case EventMessageCountUpdate:
		ev = &MessageCountUpdateEvent{}
	case EventNotificationCountUpdate:
		ev = &NotificationCountUpdateEvent{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("ws decode %s: %w", head.Type, err)
	}
	return ev, nil
}
