package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/recipe-auth-api/internal/models"
)

func seedToken(t *testing.T, store *MemoryStore, userID, hash string, ttl time.Duration) *models.RefreshToken {
	t.Helper()
	token := &models.RefreshToken{UserID: userID, TokenHash: hash, ExpiresAt: time.Now().UTC().Add(ttl)}
	require.NoError(t, store.RefreshTokens().Create(context.Background(), token))
	return token
}

func TestMemoryUsersRejectDuplicateEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Users().Create(ctx, &models.User{Email: "a@b.com", Name: "A"}))
	err := store.Users().Create(ctx, &models.User{Email: "A@B.com", Name: "B"})
	assert.ErrorIs(t, err, ErrDuplicate)

	user, err := store.Users().FindByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "A", user.Name)

	_, err = store.Users().FindByID(ctx, "nobody")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemoryRotateIsSingleUse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedToken(t, store, "u1", "h1", time.Hour)

	redeemed, err := store.RefreshTokens().Rotate(ctx, "h1", &models.RefreshToken{TokenHash: "h2", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "u1", redeemed.UserID)

	_, err = store.RefreshTokens().Rotate(ctx, "h1", &models.RefreshToken{TokenHash: "h3", ExpiresAt: time.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, sql.ErrNoRows)

	live, err := store.RefreshTokens().ListLive(ctx, "u1", time.Now())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "h2", live[0].TokenHash)
}

func TestMemoryRotateRejectsExpired(t *testing.T) {
	store := NewMemoryStore()
	seedToken(t, store, "u1", "h1", -time.Second)

	_, err := store.RefreshTokens().Rotate(context.Background(), "h1", &models.RefreshToken{TokenHash: "h2"})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemoryConcurrentRotateHasOneWinner(t *testing.T) {
	store := NewMemoryStore()
	seedToken(t, store, "u1", "h1", time.Hour)

	var wins, losses int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			next := &models.RefreshToken{TokenHash: fmt.Sprintf("next-%d", i), ExpiresAt: time.Now().Add(time.Hour)}
			_, err := store.RefreshTokens().Rotate(context.Background(), "h1", next)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, sql.ErrNoRows):
				atomic.AddInt32(&losses, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(31), losses)
}

func TestMemoryRevokeSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := seedToken(t, store, "u1", "h1", time.Hour)
	seedToken(t, store, "u1", "h2", time.Hour)
	seedToken(t, store, "u2", "h3", time.Hour)

	rev := models.SessionRevocation{
		Entry:       models.BlacklistedToken{TokenKey: "k1", ExpiresAt: time.Now().Add(time.Minute)},
		UserID:      "u1",
		SessionID:   session.ID,
		RefreshHash: "h3",
		At:          time.Now().UTC(),
	}
	require.NoError(t, store.Blacklist().RevokeSession(ctx, rev))
	require.NoError(t, store.Blacklist().RevokeSession(ctx, rev))

	ok, err := store.Blacklist().Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	live, err := store.RefreshTokens().ListLive(ctx, "u1", time.Now())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "h2", live[0].TokenHash)

	// another user's token is out of reach
	live, err = store.RefreshTokens().ListLive(ctx, "u2", time.Now())
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestMemoryRevokeByID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := seedToken(t, store, "u1", "h1", time.Hour)

	assert.ErrorIs(t, store.RefreshTokens().RevokeByID(ctx, session.ID, "u2", time.Now()), sql.ErrNoRows)
	assert.NoError(t, store.RefreshTokens().RevokeByID(ctx, session.ID, "u1", time.Now()))
	assert.ErrorIs(t, store.RefreshTokens().RevokeByID(ctx, session.ID, "u1", time.Now()), sql.ErrNoRows)
	assert.NoError(t, store.RefreshTokens().RevokeByHash(ctx, "h1", time.Now()))
	assert.NoError(t, store.RefreshTokens().RevokeByHash(ctx, "missing", time.Now()))
}

func TestMemoryPurgeExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedToken(t, store, "u1", "old", -time.Minute)
	seedToken(t, store, "u1", "fresh", time.Hour)
	require.NoError(t, store.Blacklist().RevokeSession(ctx, models.SessionRevocation{
		Entry: models.BlacklistedToken{TokenKey: "gone", ExpiresAt: time.Now().Add(-time.Second)},
		At:    time.Now(),
	}))

	n, err := store.RefreshTokens().PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Blacklist().PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
