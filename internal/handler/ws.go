package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/middleware"
	"github.com/sparkmatch/internal/ws"
)

const helloTimeout = 5 * time.Second

type WSHandler struct {
	hub            *ws.Hub
	sessions       middleware.SessionReader
	secrets        middleware.SecretReader
	allowedOrigins string
}

// NewWSHandler creates the channel endpoint. allowedOrigins matches the CORS
// setting (comma-separated or "*").
func NewWSHandler(hub *ws.Hub, sessions middleware.SessionReader, secrets middleware.SecretReader, allowedOrigins string) *WSHandler {
	return &WSHandler{
		hub:            hub,
		sessions:       sessions,
		secrets:        secrets,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the connection and authenticates it with an in-band
// handshake: the first frame must be a hello carrying the session id and a
// token signed with the session secret. Until the helloAck goes out the
// connection is not registered and receives nothing.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	userID, err := h.handshake(r.Context(), conn)
	if err != nil {
		logger.Infof("ws handshake rejected: %v", err)
		h.rejectConn(conn, "authentication failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return "", err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	ev, err := ws.Decode(raw)
	if err != nil {
		return "", err
	}
	hello, ok := ev.(*ws.HelloEvent)
	if !ok {
		return "", middleware.ErrInvalidToken
	}
	userID, err := middleware.VerifyWSToken(ctx, h.sessions, h.secrets, hello.SessionID, hello.Token)
	if err != nil {
		return "", err
	}
	// Reset the deadline; the read pump installs its own pong-based one.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	ack, err := ws.Encode(&ws.HelloAckEvent{UserID: userID})
	if err != nil {
		return "", err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(helloTimeout)); err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		return "", err
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return "", err
	}
	return userID, nil
}

func (h *WSHandler) rejectConn(conn *websocket.Conn, msg string) {
	if data, err := ws.Encode(&ws.ErrorEvent{Message: msg}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
	conn.Close()
}
