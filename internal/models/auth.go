package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest creates an account and signs it in.
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	Name      string `json:"name" validate:"required,max=120"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// LogoutRequest optionally names a refresh token to revoke on top of the one
// bound to the presented access token.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// AuthResponse is returned by register, login and refresh.
type AuthResponse struct {
	AccessToken          string    `json:"accessToken"`
	RefreshToken         string    `json:"refreshToken"`
	ExpiresIn            int64     `json:"expiresIn"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
	User                 UserInfo  `json:"user"`
}

// LogoutResponse acknowledges a logout.
type LogoutResponse struct {
	LoggedOut bool `json:"loggedOut"`
}

// JWTClaims represents the JWT payload for access tokens. SessionID is the id
// of the refresh token row minted together with the access token.
type JWTClaims struct {
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal is what the access validation middleware attaches to a request.
type Principal struct {
	UserID    string
	SessionID string
	Email     string
	Token     string
	ExpiresAt time.Time
}
