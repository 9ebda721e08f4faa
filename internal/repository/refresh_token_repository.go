package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/pkg/database"
)

const refreshColumns = `id, user_id, token_hash, expires_at, revoked, revoked_at, created_at, ip_address, user_agent`

// RefreshTokenRepository persists refresh tokens by their keyed hash.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository creates a new instance of RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a refresh token entry.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// Rotate redeems the live token stored under oldHash and inserts next in the
// same transaction. next.UserID is taken from the redeemed row and
// next.CreatedAt is the redemption instant. The redeem is a single conditional
// UPDATE, so of any number of concurrent callers presenting the same token at
// most one gets a row back; the rest see sql.ErrNoRows, as do unknown, revoked
// and expired tokens.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *models.RefreshToken) (*models.RefreshToken, error) {
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	const redeem = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_hash = $1 AND revoked = FALSE AND expires_at > $2 RETURNING ` + refreshColumns

	var redeemed models.RefreshToken
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &redeemed, redeem, oldHash, next.CreatedAt); err != nil {
			return err
		}
		next.UserID = redeemed.UserID
		return insertRefreshToken(ctx, tx, next)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	return &redeemed, nil
}

// RevokeByHash marks the token revoked. Unknown or already revoked tokens are
// not an error.
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_hash = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, tokenHash, at); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeByID revokes one live session owned by userID. It returns
// sql.ErrNoRows when the user has no such live session.
func (r *RefreshTokenRepository) RevokeByID(ctx context.Context, id, userID string, at time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3 WHERE id = $1 AND user_id = $2 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, userID, at)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListLive returns the user's unrevoked, unexpired tokens, newest first.
func (r *RefreshTokenRepository) ListLive(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	const query = `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2 ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, now); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return tokens, nil
}

// PurgeExpired deletes every token whose expiry has passed.
func (r *RefreshTokenRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func insertRefreshToken(ctx context.Context, exec sqlx.ExtContext, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, revoked_at, created_at, ip_address, user_agent) VALUES (:id, :user_id, :token_hash, :expires_at, :revoked, :revoked_at, :created_at, :ip_address, :user_agent)`
	_, err := sqlx.NamedExecContext(ctx, exec, query, token)
	return err
}
