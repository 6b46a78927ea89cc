package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	sessions map[string]*model.Session
	lastSeen map[string]time.Time
}

func (f *fakeSessions) GetByID(_ context.Context, id string) (*model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) UpdateLastSeen(_ context.Context, id string, t time.Time) error {
	if f.lastSeen == nil {
		f.lastSeen = make(map[string]time.Time)
	}
	f.lastSeen[id] = t
	return nil
}

type fakeSecrets struct {
	secrets map[string]string
}

func (f *fakeSecrets) GetSessionSecret(_ context.Context, sessionID string) (string, error) {
	s, ok := f.secrets[sessionID]
	if !ok {
		return "", fmt.Errorf("secret not found")
	}
	return s, nil
}

func testSecret() ([]byte, string) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	return secret, base64.StdEncoding.EncodeToString(secret)
}

func sign(secret []byte, method, path, body, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + path + body + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func authFixture() (*fakeSessions, *fakeSecrets, []byte) {
	secret, secretB64 := testSecret()
	sessions := &fakeSessions{sessions: map[string]*model.Session{
		"sess-1": {ID: "sess-1", UserID: "user-1"},
	}}
	secrets := &fakeSecrets{secrets: map[string]string{"sess-1": secretB64}}
	return sessions, secrets, secret
}

func signedRequest(secret []byte, method, path, body string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("X-Session-Id", "sess-1")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, method, path, body, ts))
	return req
}

func TestSessionAuthValidSignature(t *testing.T) {
	sessions, secrets, secret := authFixture()
	var gotUserID, gotSessionID string
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		gotSessionID = GetSessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(secret, http.MethodPost, "/api/auth/logout", `{"x":1}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", gotUserID)
	assert.Equal(t, "sess-1", gotSessionID)
	assert.Contains(t, sessions.lastSeen, "sess-1")
}

func TestSessionAuthBodySurvivesVerification(t *testing.T) {
	sessions, secrets, secret := authFixture()
	body := `{"displayName":"sam"}`
	var seen string
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		seen = buf.String()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(secret, http.MethodPut, "/api/users/me", body))

	assert.Equal(t, body, seen)
}

func TestSessionAuthRejectsBadSignature(t *testing.T) {
	sessions, secrets, secret := authFixture()
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := signedRequest(secret, http.MethodGet, "/api/users/me", "")
	req.Header.Set("X-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsStaleTimestamp(t *testing.T) {
	sessions, secrets, secret := authFixture()
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	ts := strconv.FormatInt(time.Now().Add(-2*TimestampSkew).Unix(), 10)
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("X-Session-Id", "sess-1")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, http.MethodGet, "/api/users/me", "", ts))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsMissingHeaders(t *testing.T) {
	sessions, secrets, _ := authFixture()
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsUnknownSession(t *testing.T) {
	sessions, secrets, secret := authFixture()
	delete(sessions.sessions, "sess-1")
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(secret, http.MethodGet, "/api/users/me", ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthQueryFallback(t *testing.T) {
	sessions, secrets, secret := authFixture()
	var gotUserID string
	h := SessionAuth(sessions, secrets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
	}))

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign(secret, http.MethodGet, "/api/conversations", "", ts)
	req := httptest.NewRequest(http.MethodGet,
		"/api/conversations?session_id=sess-1&timestamp="+ts+"&signature="+sig, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "user-1", gotUserID)
}

func TestWSTokenRoundTrip(t *testing.T) {
	sessions, secrets, _ := authFixture()
	_, secretB64 := testSecret()

	token, err := SignWSToken(secretB64, "sess-1")
	require.NoError(t, err)

	userID, err := VerifyWSToken(context.Background(), sessions, secrets, "sess-1", token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifyWSTokenRejectsTampering(t *testing.T) {
	sessions, secrets, _ := authFixture()
	_, secretB64 := testSecret()

	token, err := SignWSToken(secretB64, "sess-1")
	require.NoError(t, err)

	_, err = VerifyWSToken(context.Background(), sessions, secrets, "sess-1", token+"00")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = VerifyWSToken(context.Background(), sessions, secrets, "sess-2", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = VerifyWSToken(context.Background(), sessions, secrets, "", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignWSTokenRejectsBadSecret(t *testing.T) {
	_, err := SignWSToken("not base64!!", "sess-1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = SignWSToken(short, "sess-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
