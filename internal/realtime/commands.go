package realtime

import (
	"github.com/google/uuid"
	"github.com/sparkmatch/internal/ws"
)

// SendMessage sends a chat message and returns the client token generated
// for it, so the UI can render optimistically and match the confirmation.
// The token is returned even when the channel is down; sent reports whether
// the frame actually went out (resend with the same token if it did not).
func (m *Manager) SendMessage(receiverID, content, imageURL string) (clientToken string, sent bool) {
	clientToken = uuid.New().String()
	sent = m.ResendMessage(receiverID, content, imageURL, clientToken)
	return clientToken, sent
}

// ResendMessage retries a send with an existing client token. The server
// deduplicates on the token, so a retry can never double-post.
func (m *Manager) ResendMessage(receiverID, content, imageURL, clientToken string) bool {
	return m.send(&ws.SendMessageEvent{
		ReceiverID:  receiverID,
		Content:     content,
		ImageURL:    imageURL,
		ClientToken: clientToken,
	})
}

// SendTyping is fire-and-forget; a dropped frame is harmless since typing
// flags self-expire on the receiving side.
func (m *Manager) SendTyping(receiverID string, isTyping bool) {
	m.send(&ws.SendTypingEvent{ReceiverID: receiverID, IsTyping: isTyping})
}

// OpenChatWindow tells the server the chat with otherUserID is focused.
// Triggers consent initiation or read-marking depending on pair state.
func (m *Manager) OpenChatWindow(otherUserID string) {
	m.send(&ws.OpenChatWindowEvent{OtherUserID: otherUserID})
}

func (m *Manager) CloseChatWindow(otherUserID string) {
	m.send(&ws.CloseChatWindowEvent{OtherUserID: otherUserID})
}

// RespondConsent accepts or rejects a pending chat request.
func (m *Manager) RespondConsent(consentID string, accept bool) {
	m.send(&ws.RespondConsentEvent{ConsentID: consentID, Accept: accept})
}
