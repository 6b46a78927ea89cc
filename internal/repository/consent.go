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

type ConsentRepository struct {
	pool *pgxpool.Pool
}

func NewConsentRepository(pool *pgxpool.Pool) *ConsentRepository {
	return &ConsentRepository{pool: pool}
}

// GetByPair returns the consent record for an unordered user pair.
func (r *ConsentRepository) GetByPair(ctx context.Context, userA, userB string) (*model.ChatConsent, error) {
	defer logger.DeferLogDuration("consent.GetByPair", time.Now())()
	p1, p2 := pairKey(userA, userB)
	c := &model.ChatConsent{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, requester_id, responder_id, status, created_at, updated_at
		 FROM chat_consents WHERE pair_low = $1 AND pair_high = $2`,
		p1, p2,
	).Scan(&c.ID, &c.RequesterID, &c.ResponderID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consentRepo.GetByPair: %w", err)
	}
	return c, nil
}

func (r *ConsentRepository) GetByID(ctx context.Context, id string) (*model.ChatConsent, error) {
	defer logger.DeferLogDuration("consent.GetByID", time.Now())()
	c := &model.ChatConsent{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, requester_id, responder_id, status, created_at, updated_at
		 FROM chat_consents WHERE id = $1`, id,
	).Scan(&c.ID, &c.RequesterID, &c.ResponderID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consentRepo.GetByID: %w", err)
	}
	return c, nil
}

// Create inserts a pending consent record for the pair. The pair uniqueness
// constraint keeps at most one record per unordered pair.
func (r *ConsentRepository) Create(ctx context.Context, requesterID, responderID string) (*model.ChatConsent, error) {
	defer logger.DeferLogDuration("consent.Create", time.Now())()
	p1, p2 := pairKey(requesterID, responderID)
	now := time.Now().UTC()
	c := &model.ChatConsent{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		ResponderID: responderID,
		Status:      model.ConsentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_consents (id, requester_id, responder_id, pair_low, pair_high, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pair_low, pair_high) DO NOTHING`,
		c.ID, c.RequesterID, c.ResponderID, p1, p2, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("consentRepo.Create: %w", err)
	}
	return r.GetByPair(ctx, requesterID, responderID)
}

// UpdateStatus transitions a pending record to accepted or rejected.
func (r *ConsentRepository) UpdateStatus(ctx context.Context, id string, status model.ConsentStatus) error {
	defer logger.DeferLogDuration("consent.UpdateStatus", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_consents SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("consentRepo.UpdateStatus: %w", err)
	}
	return nil
}

// Reopen turns a rejected record back into pending with a possibly swapped
// requester. Used when the re-request policy allows a new attempt.
func (r *ConsentRepository) Reopen(ctx context.Context, id, requesterID, responderID string) error {
	defer logger.DeferLogDuration("consent.Reopen", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_consents
		 SET requester_id = $1, responder_id = $2, status = $3, updated_at = NOW()
		 WHERE id = $4`,
		requesterID, responderID, model.ConsentPending, id,
	)
	if err != nil {
		return fmt.Errorf("consentRepo.Reopen: %w", err)
	}
	return nil
}

// ListForUser returns all consent records involving the user.
func (r *ConsentRepository) ListForUser(ctx context.Context, userID string) ([]model.ChatConsent, error) {
	defer logger.DeferLogDuration("consent.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, requester_id, responder_id, status, created_at, updated_at
		 FROM chat_consents
		 WHERE requester_id = $1 OR responder_id = $1
		 ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("consentRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	list := make([]model.ChatConsent, 0, 8)
	for rows.Next() {
		var c model.ChatConsent
		if err := rows.Scan(&c.ID, &c.RequesterID, &c.ResponderID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("consentRepo.ListForUser scan: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consentRepo.ListForUser rows: %w", err)
	}
	return list, nil
}
