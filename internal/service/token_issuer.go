package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
)

const refreshSecretBytes = 32

// TokenConfig defines how access and refresh tokens are minted.
type TokenConfig struct {
	Secret         string
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	RefreshHashKey string
}

// TokenIssuer signs access tokens and mints refresh tokens.
type TokenIssuer struct {
	config TokenConfig
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. An empty RefreshHashKey falls back
// to the signing secret.
func NewTokenIssuer(config TokenConfig) *TokenIssuer {
	if config.RefreshHashKey == "" {
		config.RefreshHashKey = config.Secret
	}
	return &TokenIssuer{config: config, now: func() time.Time { return time.Now().UTC() }}
}

// AccessTTL is the lifetime of issued access tokens.
func (t *TokenIssuer) AccessTTL() time.Duration {
	return t.config.AccessTTL
}

// IssueAccessToken signs a token for user bound to the refresh token sessionID.
func (t *TokenIssuer) IssueAccessToken(user *models.User, sessionID string) (string, time.Time, error) {
	if t.config.Secret == "" {
		return "", time.Time{}, appErrors.ErrJWTSecretMissing
	}

	issuedAt := t.now()
	expiresAt := issuedAt.Add(t.config.AccessTTL)
	claims := &models.JWTClaims{
		SessionID: sessionID,
		Email:     user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(t.config.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// NewRefreshToken mints a refresh token secret and the row that stores its
// hash. The row is not persisted and its UserID may be left for the caller.
func (t *TokenIssuer) NewRefreshToken(userID, ip, userAgent string) (string, *models.RefreshToken, error) {
	plaintext, err := NewRefreshSecret()
	if err != nil {
		return "", nil, err
	}
	now := t.now()
	return plaintext, &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: t.HashRefreshToken(plaintext),
		ExpiresAt: now.Add(t.config.RefreshTTL),
		CreatedAt: now,
		IPAddress: ip,
		UserAgent: userAgent,
	}, nil
}

// HashRefreshToken derives the stored lookup key for a refresh token secret.
func (t *TokenIssuer) HashRefreshToken(plaintext string) string {
	mac := hmac.New(sha256.New, []byte(t.config.RefreshHashKey))
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseAccessToken verifies signature, algorithm, issuer and lifetime.
func (t *TokenIssuer) ParseAccessToken(raw string) (*models.JWTClaims, error) {
	if t.config.Secret == "" {
		return nil, appErrors.ErrJWTSecretMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.config.Issuer))
	}

	claims := &models.JWTClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, t.keyFunc, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, "invalid or expired access token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "invalid token claims")
	}
	return claims, nil
}

// DecodeForLogout reads the claims of a token that may already have expired.
// The signature is still checked so that sid and sub can be trusted.
func (t *TokenIssuer) DecodeForLogout(raw string) (*models.JWTClaims, error) {
	if t.config.Secret == "" {
		return nil, appErrors.ErrJWTSecretMissing
	}

	claims := &models.JWTClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(raw, claims, t.keyFunc); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, "invalid access token")
	}
	if claims.Subject == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "invalid token claims")
	}
	return claims, nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(t.config.Secret), nil
}

// NewRefreshSecret returns 32 random bytes encoded as unpadded base64url.
func NewRefreshSecret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BlacklistKey is the digest under which a revoked access token is stored.
func BlacklistKey(rawToken string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawToken)))
	return hex.EncodeToString(sum[:])
}
