package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/middleware"
	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/notify"
	"github.com/sparkmatch/internal/repository"
)

type ConversationHandler struct {
	convRepo *repository.ConversationRepository
	msgRepo  *repository.MessageRepository
	userRepo *repository.UserRepository
	notifier *notify.Service
}

func NewConversationHandler(convRepo *repository.ConversationRepository, msgRepo *repository.MessageRepository, userRepo *repository.UserRepository, notifier *notify.Service) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo, msgRepo: msgRepo, userRepo: userRepo, notifier: notifier}
}

type conversationView struct {
	model.Conversation
	Partner *model.UserPublic `json:"partner,omitempty"`
}

// List returns the caller's conversations, most recently active first,
// with the other participant's public profile attached.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convs, err := h.convRepo.GetUserConversations(r.Context(), userID)
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}
	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		view := conversationView{Conversation: c}
		partnerID := c.OtherParticipant(userID)
		if partner, err := h.userRepo.GetByID(r.Context(), partnerID); err == nil {
			pub := partner.ToPublic()
			view.Partner = &pub
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

// Messages returns a page of messages for a conversation the caller is in.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	conv, err := h.convRepo.GetByID(r.Context(), convID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		logger.Errorf("get conversation %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	messages, err := h.msgRepo.GetConversationMessages(r.Context(), convID, limit, offset)
	if err != nil {
		logger.Errorf("get messages conv=%s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// MarkRead marks the other participant's messages in a conversation as read,
// along with the matching message notifications. REST mirror of the
// openChatWindow channel command for clients catching up without a live
// connection.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	conv, err := h.convRepo.GetByID(r.Context(), convID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		logger.Errorf("get conversation %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	if err := h.msgRepo.MarkConversationRead(r.Context(), convID, userID); err != nil {
		logger.Errorf("mark read conv=%s user=%s: %v", convID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	count, err := h.notifier.MarkMessagesRead(r.Context(), userID, conv.OtherParticipant(userID))
	if err != nil {
		logger.Errorf("mark notifications read conv=%s user=%s: %v", convID, userID, err)
		count = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{"notifications_read": count})
}

// UnreadCount returns the total unread message count. Used by clients at
// startup to seed the counter that the live channel then keeps current.
func (h *ConversationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	count, err := h.msgRepo.CountUnread(r.Context(), userID)
	if err != nil {
		logger.Errorf("count unread user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}
