package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/internal/repository"
	"github.com/noah-isme/recipe-auth-api/internal/service"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
	"github.com/noah-isme/recipe-auth-api/pkg/logger"
)

type stubAuthenticator struct {
	principal *models.Principal
	err       error
	seen      string
}

func (s *stubAuthenticator) Authenticate(_ context.Context, raw string) (*models.Principal, error) {
	s.seen = raw
	return s.principal, s.err
}

func protectedRouter(auth authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWT(auth), func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sub": principal.UserID, "logged": c.GetString(logger.SubjectKey)})
	})
	return router
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestJWTRejectsMissingOrMalformedHeader(t *testing.T) {
	stub := &stubAuthenticator{}
	router := protectedRouter(stub)

	for _, header := range []string{"", "Token abc", "Bearer ", "Bearer"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Equal(t, appErrors.ErrUnauthorized.Code, errorCode(t, rec), header)
	}
	assert.Empty(t, stub.seen)
}

func TestJWTAttachesPrincipal(t *testing.T) {
	stub := &stubAuthenticator{principal: &models.Principal{UserID: "u1"}}
	router := protectedRouter(stub)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "bearer tok")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sub":"u1","logged":"u1"}`, rec.Body.String())
	assert.Equal(t, "tok", stub.seen)
}

func TestJWTPropagatesAuthenticationErrors(t *testing.T) {
	router := protectedRouter(&stubAuthenticator{err: appErrors.ErrInvalidToken})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer tok")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errorCode(t, rec))
}

func TestJWTChecksBlacklistBeforeExpiry(t *testing.T) {
	store := repository.NewMemoryStore()
	issuer := service.NewTokenIssuer(service.TokenConfig{Secret: "s", Issuer: "test", AccessTTL: time.Millisecond, RefreshTTL: time.Hour})
	revocations := service.NewRevocationService(store.Blacklist(), nil, nil, nil)
	auth := service.NewAuthService(store.Users(), store.RefreshTokens(), revocations, issuer, nil, nil, nil)

	res, err := auth.Register(context.Background(), models.RegisterRequest{Email: "a@b.com", Password: "pw123456", Name: "A"})
	require.NoError(t, err)
	require.NoError(t, auth.Logout(context.Background(), res.AccessToken, models.LogoutRequest{}))
	time.Sleep(1100 * time.Millisecond)

	router := protectedRouter(auth)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+res.AccessToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, appErrors.ErrTokenRevoked.Code, errorCode(t, rec))
}
