package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/model"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, from_user_id, conversation_id, is_read, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.Type, n.FromUserID, n.ConversationID, n.IsRead, n.Data, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.Create: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT n.id, n.user_id, n.type, n.from_user_id, n.conversation_id, n.is_read, n.data, n.created_at,
		        u.id, u.display_name, u.photo_url, u.is_online, u.last_seen_at
		 FROM notifications n
		 JOIN users u ON u.id = n.from_user_id
		 WHERE n.user_id = $1
		 ORDER BY n.created_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	list := make([]model.Notification, 0, limit)
	for rows.Next() {
		var n model.Notification
		from := &model.UserPublic{}
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.FromUserID, &n.ConversationID, &n.IsRead, &n.Data, &n.CreatedAt,
			&from.ID, &from.DisplayName, &from.PhotoURL, &from.IsOnline, &from.LastSeenAt); err != nil {
			return nil, fmt.Errorf("notifRepo.ListByUser scan: %w", err)
		}
		n.From = from
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser rows: %w", err)
	}
	return list, nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("notif.CountUnread", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = false`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.CountUnread: %w", err)
	}
	return count, nil
}

// MarkRead marks a single notification read; the owner check is part of the query.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	defer logger.DeferLogDuration("notif.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2 AND is_read = false`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkMessageNotificationsRead marks all unread message_received notifications
// from one sender as read. Returns how many were affected so the live counter
// can be decremented accordingly.
func (r *NotificationRepository) MarkMessageNotificationsRead(ctx context.Context, userID, fromUserID string) (int, error) {
	defer logger.DeferLogDuration("notif.MarkMessageNotificationsRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true
		 WHERE user_id = $1 AND from_user_id = $2 AND type = $3 AND is_read = false`,
		userID, fromUserID, model.NotificationMessageReceived,
	)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.MarkMessageNotificationsRead: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *NotificationRepository) Delete(ctx context.Context, id, userID string) (bool, error) {
	defer logger.DeferLogDuration("notif.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("notifRepo.Delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	defer logger.DeferLogDuration("notif.GetByID", time.Now())()
	n := &model.Notification{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, type, from_user_id, conversation_id, is_read, data, created_at
		 FROM notifications WHERE id = $1`, id,
	).Scan(&n.ID, &n.UserID, &n.Type, &n.FromUserID, &n.ConversationID, &n.IsRead, &n.Data, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("notifRepo.GetByID: %w", err)
	}
	return n, nil
}
