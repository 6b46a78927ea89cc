package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/middleware"
	"github.com/sparkmatch/internal/notify"
	"github.com/sparkmatch/internal/repository"
)

type ProfileHandler struct {
	userRepo *repository.UserRepository
	likeRepo *repository.LikeRepository
	notifier *notify.Service
}

func NewProfileHandler(userRepo *repository.UserRepository, likeRepo *repository.LikeRepository, notifier *notify.Service) *ProfileHandler {
	return &ProfileHandler{userRepo: userRepo, likeRepo: likeRepo, notifier: notifier}
}

// GetUser returns a public profile. Viewing someone else's profile notifies
// its owner.
func (h *ProfileHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	viewerID := middleware.GetUserID(r.Context())
	targetID := chi.URLParam(r, "id")
	if targetID == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return
	}
	user, err := h.userRepo.GetByID(r.Context(), targetID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		logger.Errorf("get user %s: %v", targetID, err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if viewerID != "" && viewerID != targetID {
		h.notifier.ProfileViewed(r.Context(), targetID, viewerID)
	}
	writeJSON(w, http.StatusOK, user.ToPublic())
}

// Me returns the caller's own profile (with email).
func (h *ProfileHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
	Bio         string `json:"bio"`
}

func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name required")
		return
	}
	if err := h.userRepo.UpdateProfile(r.Context(), userID, req.DisplayName, req.PhotoURL, req.Bio); err != nil {
		logger.Errorf("update profile %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LikeUser records a like; the first like per pair notifies the liked user.
func (h *ProfileHandler) LikeUser(w http.ResponseWriter, r *http.Request) {
	likerID := middleware.GetUserID(r.Context())
	likedID := chi.URLParam(r, "id")
	if likedID == "" || likedID == likerID {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), likedID); errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	created, err := h.likeRepo.Create(r.Context(), likerID, likedID)
	if err != nil {
		logger.Errorf("like %s -> %s: %v", likerID, likedID, err)
		writeError(w, http.StatusInternalServerError, "failed to save like")
		return
	}
	if created {
		h.notifier.ProfileLiked(r.Context(), likedID, likerID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "created": created})
}
