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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts a message. Duplicate (sender_id, client_token) pairs are
// ignored so that a resend after an ambiguous failure cannot double-post;
// the stored row is returned either way.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, image_url, client_token, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (sender_id, client_token) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.ImageURL, m.ClientToken, m.IsRead, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create: %w", err)
	}
	stored, err := r.GetByClientToken(ctx, m.SenderID, m.ClientToken)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *MessageRepository) GetByClientToken(ctx context.Context, senderID, clientToken string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByClientToken", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, COALESCE(content,''), COALESCE(image_url,''), client_token, is_read, created_at
		 FROM messages WHERE sender_id = $1 AND client_token = $2`,
		senderID, clientToken,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ImageURL, &m.ClientToken, &m.IsRead, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByClientToken: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, COALESCE(m.content,''), COALESCE(m.image_url,''), m.client_token, m.is_read, m.created_at,
		        u.id, u.display_name, u.photo_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ImageURL, &m.ClientToken, &m.IsRead, &m.CreatedAt,
			&sender.ID, &sender.DisplayName, &sender.PhotoURL, &sender.IsOnline, &sender.LastSeenAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		m.Sender = sender
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}

// MarkConversationRead marks all messages from the other participant as read.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	defer logger.DeferLogDuration("msg.MarkConversationRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE conversation_id = $1 AND sender_id != $2 AND is_read = false`,
		conversationID, readerID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkConversationRead: %w", err)
	}
	return nil
}

// CountUnread counts unread messages addressed to userID across all conversations.
func (r *MessageRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE (c.participant1_id = $1 OR c.participant2_id = $1)
		   AND m.sender_id != $1 AND m.is_read = false`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return count, nil
}
