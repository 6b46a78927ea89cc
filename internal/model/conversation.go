package model

import "time"

// Conversation is a one-to-one message thread between two users.
// Participant IDs are stored in lexical order so each pair maps to one row.
type Conversation struct {
	ID             string     `json:"id"`
	Participant1ID string     `json:"participant1_id"`
	Participant2ID string     `json:"participant2_id"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content,omitempty"`
	ImageURL       string      `json:"image_url,omitempty"`
	ClientToken    string      `json:"client_token,omitempty"`
	IsRead         bool        `json:"is_read"`
	CreatedAt      time.Time   `json:"created_at"`
	Sender         *UserPublic `json:"sender,omitempty"`
}
