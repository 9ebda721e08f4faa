package service

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
)

func TestIssueAccessTokenClaims(t *testing.T) {
	issuer := NewTokenIssuer(testTokenConfig())
	user := &models.User{ID: "u1", Email: "a@b.com"}

	raw, expiresAt, err := issuer.IssueAccessToken(user, "rt-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	claims, err := issuer.ParseAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "rt-1", claims.SessionID)
	assert.Equal(t, "recipe-auth-api", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestParseAccessTokenRejectsTampering(t *testing.T) {
	issuer := NewTokenIssuer(testTokenConfig())
	raw, _, err := issuer.IssueAccessToken(&models.User{ID: "u1"}, "rt-1")
	require.NoError(t, err)

	_, err = issuer.ParseAccessToken(raw + "x")
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(err))

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &models.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	none, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.ParseAccessToken(none)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(err))

	cfg := testTokenConfig()
	cfg.Issuer = "someone-else"
	foreign, _, err := NewTokenIssuer(cfg).IssueAccessToken(&models.User{ID: "u1"}, "")
	require.NoError(t, err)
	_, err = issuer.ParseAccessToken(foreign)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(err))
}

func TestDecodeForLogoutAcceptsExpiredTokens(t *testing.T) {
	issuer := NewTokenIssuer(testTokenConfig())
	issuer.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }
	raw, expiresAt, err := issuer.IssueAccessToken(&models.User{ID: "u1"}, "rt-1")
	require.NoError(t, err)
	issuer.now = func() time.Time { return time.Now().UTC() }

	_, err = issuer.ParseAccessToken(raw)
	require.Error(t, err)

	claims, err := issuer.DecodeForLogout(raw)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", claims.SessionID)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestRefreshSecretsAndHashes(t *testing.T) {
	issuer := NewTokenIssuer(testTokenConfig())

	plaintext, row, err := issuer.NewRefreshToken("u1", "10.0.0.1", "cli")
	require.NoError(t, err)
	decoded, err := base64.RawURLEncoding.DecodeString(plaintext)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	assert.Equal(t, issuer.HashRefreshToken(plaintext), row.TokenHash)
	assert.NotContains(t, row.TokenHash, plaintext)
	assert.Len(t, row.TokenHash, 64)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), row.ExpiresAt, 5*time.Second)

	other, err := NewRefreshSecret()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)

	cfg := testTokenConfig()
	cfg.RefreshHashKey = "pepper"
	assert.NotEqual(t, issuer.HashRefreshToken(plaintext), NewTokenIssuer(cfg).HashRefreshToken(plaintext))
}

func TestBlacklistKeyIsStableDigest(t *testing.T) {
	assert.Equal(t, BlacklistKey("abc"), BlacklistKey(" abc "))
	assert.Len(t, BlacklistKey("abc"), 64)
	assert.NotEqual(t, BlacklistKey("abc"), BlacklistKey("abd"))
}
