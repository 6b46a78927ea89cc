// Package service holds the account and session business logic.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/middleware"
	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/repository"
	"github.com/sparkmatch/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrInvalidEmail       = errors.New("invalid email")
)

type AuthService struct {
	userRepo    *repository.UserRepository
	sessionRepo *repository.SessionRepository
	store       storage.SessionStore
}

func NewAuthService(userRepo *repository.UserRepository, sessionRepo *repository.SessionRepository, store storage.SessionStore) *AuthService {
	return &AuthService{userRepo: userRepo, sessionRepo: sessionRepo, store: store}
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	DeviceName  string `json:"device_name"`
}

type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name"`
}

// SessionResponse carries the credentials the client signs requests and the
// channel handshake with. The secret is returned exactly once.
type SessionResponse struct {
	SessionID     string `json:"session_id"`
	SessionSecret string `json:"session_secret"`
	WSToken       string `json:"ws_token"`
	UserID        string `json:"user_id"`
}

func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*SessionResponse, error) {
	emailNorm := strings.TrimSpace(strings.ToLower(req.Email))
	if emailNorm == "" || !strings.Contains(emailNorm, "@") {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = emailNorm[:strings.Index(emailNorm, "@")]
	}

	if _, err := s.userRepo.GetByEmail(ctx, emailNorm); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        emailNorm,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return s.createSession(ctx, user.ID, req.DeviceName)
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*SessionResponse, error) {
	emailNorm := strings.TrimSpace(strings.ToLower(req.Email))
	if emailNorm == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}
	allowed, err := s.store.CheckLoginRateLimit(ctx, emailNorm)
	if err != nil {
		logger.Errorf("login rate limit check email=%s: %v", emailNorm, err)
	} else if !allowed {
		return nil, ErrRateLimitExceeded
	}

	user, err := s.userRepo.GetByEmail(ctx, emailNorm)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.createSession(ctx, user.ID, req.DeviceName)
}

// createSession mints a session with a random 32-byte secret. The secret
// itself lives in the secret store; the DB keeps only its SHA-256 hash.
func (s *AuthService) createSession(ctx context.Context, userID, deviceName string) (*SessionResponse, error) {
	sessionID := uuid.New().String()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	secretB64 := base64.StdEncoding.EncodeToString(secret)
	h := sha256.Sum256(secret)
	now := time.Now().UTC()
	session := &model.Session{
		ID:         sessionID,
		UserID:     userID,
		DeviceName: strings.TrimSpace(deviceName),
		SecretHash: hex.EncodeToString(h[:]),
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.store.SetSessionSecret(ctx, sessionID, secretB64); err != nil {
		logger.Errorf("create session: SetSessionSecret failed: %v", err)
		if _, delErr := s.sessionRepo.RevokeByID(ctx, sessionID); delErr != nil {
			logger.Errorf("create session: rollback revoke: %v", delErr)
		}
		return nil, fmt.Errorf("save session secret: %w", err)
	}
	wsToken, err := middleware.SignWSToken(secretB64, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionResponse{
		SessionID:     sessionID,
		SessionSecret: secretB64,
		WSToken:       wsToken,
		UserID:        userID,
	}, nil
}

// Logout revokes the session and removes its secret.
func (s *AuthService) Logout(ctx context.Context, userID, sessionID string) (bool, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if session.UserID != userID {
		return false, nil
	}
	ok, err := s.sessionRepo.RevokeByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if err := s.store.DeleteSessionSecret(ctx, sessionID); err != nil {
		logger.Errorf("logout: DeleteSessionSecret session_id=%s: %v", middleware.MaskSessionID(sessionID), err)
	}
	return ok, nil
}

// LogoutAll revokes every session of the user (e.g. after a password change).
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	ids, err := s.sessionRepo.RevokeByUserID(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.DeleteSessionSecret(ctx, id); err != nil {
			logger.Errorf("logout-all: DeleteSessionSecret session_id=%s: %v", middleware.MaskSessionID(id), err)
		}
	}
	return nil
}
