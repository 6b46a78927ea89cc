// Package notify persists notifications and fans them out: live channel
// frames when the recipient is connected, web push otherwise.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/model"
	"github.com/sparkmatch/internal/push"
	"github.com/sparkmatch/internal/ws"
)

// LivePusher is the slice of the hub the service needs. Implemented by *ws.Hub.
type LivePusher interface {
	SendToUser(userID string, ev ws.Event) bool
	IsConnected(userID string) bool
}

// Store is the notification persistence the service needs.
type Store interface {
	Create(ctx context.Context, n *model.Notification) error
	MarkMessageNotificationsRead(ctx context.Context, userID, fromUserID string) (int, error)
}

// UserGetter resolves the actor for the From field and push titles.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type Service struct {
	store      Store
	users      UserGetter
	live       LivePusher
	pushClient *push.Client
}

func NewService(store Store, users UserGetter, live LivePusher, pushClient *push.Client) *Service {
	return &Service{store: store, users: users, live: live, pushClient: pushClient}
}

// MessageReceived records a notification about an unread incoming message.
// Called by the hub only when the recipient's chat window is not focused.
func (s *Service) MessageReceived(ctx context.Context, toUserID, fromUserID, conversationID string) {
	n := s.newNotification(toUserID, fromUserID, model.NotificationMessageReceived)
	n.ConversationID = &conversationID
	s.deliver(ctx, n, "New message")
}

// ProfileViewed records a profile view by another user.
func (s *Service) ProfileViewed(ctx context.Context, viewedUserID, viewerID string) {
	n := s.newNotification(viewedUserID, viewerID, model.NotificationProfileView)
	s.deliver(ctx, n, "Someone viewed your profile")
}

// ProfileLiked records a profile like.
func (s *Service) ProfileLiked(ctx context.Context, likedUserID, likerID string) {
	n := s.newNotification(likedUserID, likerID, model.NotificationProfileLike)
	s.deliver(ctx, n, "Someone liked your profile")
}

// MarkMessagesRead marks the message notifications from one sender read and
// returns how many were affected.
func (s *Service) MarkMessagesRead(ctx context.Context, userID, fromUserID string) (int, error) {
	return s.store.MarkMessageNotificationsRead(ctx, userID, fromUserID)
}

func (s *Service) newNotification(userID, fromUserID string, typ model.NotificationType) *model.Notification {
	return &model.Notification{
		ID:         uuid.New().String(),
		UserID:     userID,
		Type:       typ,
		FromUserID: fromUserID,
		CreatedAt:  time.Now().UTC(),
	}
}

// deliver persists the notification, then pushes it over the live channel
// or falls back to web push for offline recipients.
func (s *Service) deliver(ctx context.Context, n *model.Notification, pushTitle string) {
	var fromName string
	if from, err := s.users.GetByID(ctx, n.FromUserID); err != nil {
		logger.Errorf("notify get actor user=%s: %v", n.FromUserID, err)
	} else {
		pub := from.ToPublic()
		n.From = &pub
		fromName = from.DisplayName
	}

	if err := s.store.Create(ctx, n); err != nil {
		logger.Errorf("notify save user=%s type=%s: %v", n.UserID, n.Type, err)
		return
	}

	if s.live != nil && s.live.IsConnected(n.UserID) {
		s.live.SendToUser(n.UserID, &ws.NewNotificationEvent{Notification: *n})
		s.live.SendToUser(n.UserID, &ws.NotificationCountUpdateEvent{Action: ws.ActionIncrement})
		return
	}

	if s.pushClient != nil {
		data := map[string]string{"type": string(n.Type), "from_user_id": n.FromUserID}
		if n.ConversationID != nil {
			data["conversation_id"] = *n.ConversationID
		}
		s.pushClient.Notify(ctx, n.UserID, pushTitle, fromName, data)
	}
}
