package storage

import (
	"context"
)

// SessionStore keeps per-session HMAC secrets and login rate-limit counters.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type SessionStore interface {
	CheckLoginRateLimit(ctx context.Context, email string) (allowed bool, err error)
	SetSessionSecret(ctx context.Context, sessionID, secret string) error
	GetSessionSecret(ctx context.Context, sessionID string) (string, error)
	DeleteSessionSecret(ctx context.Context, sessionID string) error
	Close() error
}
