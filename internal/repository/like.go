package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sparkmatch/internal/logger"
)

type LikeRepository struct {
	pool *pgxpool.Pool
}

func NewLikeRepository(pool *pgxpool.Pool) *LikeRepository {
	return &LikeRepository{pool: pool}
}

// Create records a like. Returns false when the like already existed, so a
// repeated like does not re-notify.
func (r *LikeRepository) Create(ctx context.Context, likerID, likedID string) (bool, error) {
	defer logger.DeferLogDuration("like.Create", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO profile_likes (liker_id, liked_id, created_at)
		 VALUES ($1, $2, $3) ON CONFLICT (liker_id, liked_id) DO NOTHING`,
		likerID, likedID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("likeRepo.Create: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Exists reports whether liker already liked the profile.
func (r *LikeRepository) Exists(ctx context.Context, likerID, likedID string) (bool, error) {
	defer logger.DeferLogDuration("like.Exists", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM profile_likes WHERE liker_id = $1 AND liked_id = $2)`,
		likerID, likedID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("likeRepo.Exists: %w", err)
	}
	return exists, nil
}
