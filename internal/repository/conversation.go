package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sparkmatch/internal/logger"
	"github.com/sparkmatch/internal/model"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// pairKey orders two user ids so each unordered pair maps to one row.
func pairKey(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func (r *ConversationRepository) FindByParticipants(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindByParticipants", time.Now())()
	p1, p2 := pairKey(userA, userB)
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, participant1_id, participant2_id, last_message_at, created_at
		 FROM conversations WHERE participant1_id = $1 AND participant2_id = $2`,
		p1, p2,
	).Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindByParticipants: %w", err)
	}
	return c, nil
}

// GetOrCreate returns the conversation between two users, creating it on
// first message. The insert is race-safe via the pair uniqueness constraint.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetOrCreate", time.Now())()
	c, err := r.FindByParticipants(ctx, userA, userB)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	p1, p2 := pairKey(userA, userB)
	c = &model.Conversation{
		ID:             uuid.New().String(),
		Participant1ID: p1,
		Participant2ID: p2,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO conversations (id, participant1_id, participant2_id, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (participant1_id, participant2_id) DO NOTHING`,
		c.ID, c.Participant1ID, c.Participant2ID, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetOrCreate insert: %w", err)
	}
	// Re-read in case a concurrent insert won the conflict.
	return r.FindByParticipants(ctx, userA, userB)
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, participant1_id, participant2_id, last_message_at, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetUserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, participant1_id, participant2_id, last_message_at, created_at
		 FROM conversations
		 WHERE participant1_id = $1 OR participant2_id = $1
		 ORDER BY last_message_at DESC NULLS LAST, created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &c.LastMessageAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations rows: %w", err)
	}
	return convs, nil
}

// GetPartnerIDs returns the ids of all users sharing a conversation with userID.
// Used for presence fan-out.
func (r *ConversationRepository) GetPartnerIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetPartnerIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT CASE WHEN participant1_id = $1 THEN participant2_id ELSE participant1_id END
		 FROM conversations
		 WHERE participant1_id = $1 OR participant2_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetPartnerIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetPartnerIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetPartnerIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) TouchLastMessage(ctx context.Context, id string, t time.Time) error {
	defer logger.DeferLogDuration("conv.TouchLastMessage", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = $1 WHERE id = $2`, t, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.TouchLastMessage: %w", err)
	}
	return nil
}
