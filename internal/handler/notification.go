package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/middleware"
	"github.com/sparkmatch/internal/repository"
)

type NotificationHandler struct {
	notifRepo *repository.NotificationRepository
}

func NewNotificationHandler(notifRepo *repository.NotificationRepository) *NotificationHandler {
	return &NotificationHandler{notifRepo: notifRepo}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	list, err := h.notifRepo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		logger.Errorf("list notifications user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

// UnreadCount seeds the client's notification badge on startup.
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	count, err := h.notifRepo.CountUnread(r.Context(), userID)
	if err != nil {
		logger.Errorf("count notifications user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")
	ok, err := h.notifRepo.MarkRead(r.Context(), id, userID)
	if err != nil {
		logger.Errorf("mark notification read id=%s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")
	ok, err := h.notifRepo.Delete(r.Context(), id, userID)
	if err != nil {
		logger.Errorf("delete notification id=%s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
