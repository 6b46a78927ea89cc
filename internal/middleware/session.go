package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/model"
)

const TimestampSkew = 30 * time.Second

// SessionReader is the slice of the session repository the middleware needs.
type SessionReader interface {
	GetByID(ctx context.Context, id string) (*model.Session, error)
	UpdateLastSeen(ctx context.Context, id string, t time.Time) error
}

// SecretReader resolves per-session HMAC secrets (Redis or in-memory).
type SecretReader interface {
	GetSessionSecret(ctx context.Context, sessionID string) (string, error)
}

// SessionAuth authenticates requests signed with the per-session secret:
// X-Session-Id, X-Timestamp and X-Signature over method+path+body+timestamp.
func SessionAuth(sessions SessionReader, secrets SecretReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get("X-Session-Id")
			if sessionID == "" {
				sessionID = r.URL.Query().Get("session_id")
			}
			timestampStr := r.Header.Get("X-Timestamp")
			if timestampStr == "" {
				timestampStr = r.URL.Query().Get("timestamp")
			}
			signature := r.Header.Get("X-Signature")
			if signature == "" {
				signature = r.URL.Query().Get("signature")
			}
			if sessionID == "" || timestampStr == "" || signature == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ts, err := strconv.ParseInt(timestampStr, 10, 64)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			reqTime := time.Unix(ts, 0)
			if time.Since(reqTime) > TimestampSkew || time.Until(reqTime) > TimestampSkew {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			var body []byte
			if r.Body != nil {
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			secret, err := sessionSecret(r.Context(), secrets, sessionID)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			payload := r.Method + r.URL.Path + string(body) + timestampStr
			mac := hmac.New(sha256.New, secret)
			mac.Write([]byte(payload))
			expected := hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(signature), []byte(expected)) {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			session, err := sessions.GetByID(r.Context(), sessionID)
			if err != nil || session == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if err := sessions.UpdateLastSeen(r.Context(), sessionID, time.Now().UTC()); err != nil {
				logger.Errorf("session middleware UpdateLastSeen session_id=%s: %v", MaskSessionID(sessionID), err)
			}
			ctx := context.WithValue(r.Context(), UserIDKey, session.UserID)
			ctx = context.WithValue(ctx, SessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var SessionIDKey contextKey = "session_id"

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

var ErrInvalidToken = errors.New("invalid session token")

// WSTokenPayload is what the client signs for the channel handshake.
func WSTokenPayload(sessionID string) string { return "ws:" + sessionID }

// VerifyWSToken checks the post-connect handshake token: HMAC-SHA256 of
// "ws:{sessionID}" keyed with the per-session secret. Returns the owning
// user id.
func VerifyWSToken(ctx context.Context, sessions SessionReader, secrets SecretReader, sessionID, token string) (string, error) {
	if sessionID == "" || token == "" {
		return "", ErrInvalidToken
	}
	secret, err := sessionSecret(ctx, secrets, sessionID)
	if err != nil {
		return "", ErrInvalidToken
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(WSTokenPayload(sessionID)))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return "", ErrInvalidToken
	}
	session, err := sessions.GetByID(ctx, sessionID)
	if err != nil || session == nil {
		return "", ErrInvalidToken
	}
	return session.UserID, nil
}

// SignWSToken produces the handshake token for a session secret (base64).
// Used by clients and tests.
func SignWSToken(secretB64, sessionID string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil || len(secret) != 32 {
		return "", ErrInvalidToken
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(WSTokenPayload(sessionID)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func sessionSecret(ctx context.Context, secrets SecretReader, sessionID string) ([]byte, error) {
	secretB64, err := secrets.GetSessionSecret(ctx, sessionID)
	if err != nil || secretB64 == "" {
		return nil, ErrInvalidToken
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil || len(secret) != 32 {
		return nil, ErrInvalidToken
	}
	return secret, nil
}
