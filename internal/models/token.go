package models

import "time"

// RefreshToken is a persisted refresh token. Only the keyed hash of the secret
// handed to the client is stored.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"userId"`
	TokenHash string     `db:"token_hash" json:"-"`
	ExpiresAt time.Time  `db:"expires_at" json:"expiresAt"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	IPAddress string     `db:"ip_address" json:"ipAddress"`
	UserAgent string     `db:"user_agent" json:"userAgent"`
}

// Live reports whether the token can still be redeemed at now.
func (t *RefreshToken) Live(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

// BlacklistedToken denies an access token before its natural expiry. TokenKey
// is the SHA-256 digest of the raw token.
type BlacklistedToken struct {
	ID        string    `db:"id" json:"id"`
	TokenKey  string    `db:"token_key" json:"-"`
	UserID    *string   `db:"user_id" json:"userId,omitempty"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// SessionInfo is a live refresh token as shown to its owner.
type SessionInfo struct {
	ID        string    `json:"id"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Current   bool      `json:"current"`
}

// PurgeResult counts rows removed by one purge run.
type PurgeResult struct {
	RefreshTokens int64
	Blacklist     int64
}

// SessionRevocation is everything a logout must persist in one unit: the
// blacklist entry for the access token and the refresh tokens it ends.
type SessionRevocation struct {
	Entry       BlacklistedToken
	UserID      string
	SessionID   string
	RefreshHash string
	At          time.Time
}
