package model

import "time"

type NotificationType string

const (
	NotificationProfileView     NotificationType = "profile_view"
	NotificationMessageReceived NotificationType = "message_received"
	NotificationProfileLike     NotificationType = "profile_like"
)

type Notification struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Type           NotificationType  `json:"type"`
	FromUserID     string            `json:"from_user_id"`
	ConversationID *string           `json:"conversation_id,omitempty"`
	IsRead         bool              `json:"is_read"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	From           *UserPublic       `json:"from,omitempty"`
}
