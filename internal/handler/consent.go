package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/middleware"
	"github.com/sparkmatch/internal/repository"
	"github.com/sparkmatch/internal/ws"
)

type ConsentHandler struct {
	consentRepo *repository.ConsentRepository
	hub         *ws.Hub
}

func NewConsentHandler(consentRepo *repository.ConsentRepository, hub *ws.Hub) *ConsentHandler {
	return &ConsentHandler{consentRepo: consentRepo, hub: hub}
}

// List returns every consent record involving the caller.
func (h *ConsentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	list, err := h.consentRepo.ListForUser(r.Context(), userID)
	if err != nil {
		logger.Errorf("list consents user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load consents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": list})
}

type respondConsentRequest struct {
	Accept bool `json:"accept"`
}

// Respond is the HTTP mirror of the channel's respondConsent command. It goes
// through the hub so both parties still get their lifecycle frames.
func (h *ConsentHandler) Respond(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	consentID := chi.URLParam(r, "id")
	var req respondConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	consent, err := h.hub.RespondConsent(r.Context(), consentID, userID, req.Accept)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, consent)
}
