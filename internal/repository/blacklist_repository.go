package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/pkg/database"
)

// BlacklistRepository stores revoked access tokens until they expire.
type BlacklistRepository struct {
	db *sqlx.DB
}

// NewBlacklistRepository creates a new instance of BlacklistRepository.
func NewBlacklistRepository(db *sqlx.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// Exists reports whether tokenKey has been blacklisted.
func (r *BlacklistRepository) Exists(ctx context.Context, tokenKey string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE token_key = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, tokenKey); err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

// RevokeSession blacklists the access token and revokes the refresh tokens
// named in rev as one transaction. Repeating it is a no-op.
func (r *BlacklistRepository) RevokeSession(ctx context.Context, rev models.SessionRevocation) error {
	entry := rev.Entry
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = rev.At
	}

	const insert = `INSERT INTO token_blacklist (id, token_key, user_id, expires_at, created_at) VALUES (:id, :token_key, :user_id, :expires_at, :created_at) ON CONFLICT (token_key) DO NOTHING`
	const revokeByID = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3 WHERE id = $1 AND user_id = $2 AND revoked = FALSE`
	const revokeByHash = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3 WHERE token_hash = $1 AND user_id = $2 AND revoked = FALSE`

	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insert, &entry); err != nil {
			return fmt.Errorf("insert blacklist entry: %w", err)
		}
		if rev.SessionID != "" {
			if _, err := tx.ExecContext(ctx, revokeByID, rev.SessionID, rev.UserID, rev.At); err != nil {
				return fmt.Errorf("revoke session: %w", err)
			}
		}
		if rev.RefreshHash != "" {
			if _, err := tx.ExecContext(ctx, revokeByHash, rev.RefreshHash, rev.UserID, rev.At); err != nil {
				return fmt.Errorf("revoke refresh token: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PurgeExpired removes entries whose token has expired on its own.
func (r *BlacklistRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM token_blacklist WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge blacklist: %w", err)
	}
	return res.RowsAffected()
}
