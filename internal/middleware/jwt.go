package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
	"github.com/noah-isme/recipe-auth-api/pkg/logger"
	"github.com/noah-isme/recipe-auth-api/pkg/response"
)

// ContextUserKey is the gin context key storing the authenticated principal.
const ContextUserKey = "currentUser"

type authenticator interface {
	Authenticate(ctx context.Context, rawAccessToken string) (*models.Principal, error)
}

// JWT protects routes by requiring an unrevoked, valid access token.
func JWT(auth authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := BearerToken(c)
		if err != nil {
			response.Abort(c, err)
			return
		}

		principal, err := auth.Authenticate(c.Request.Context(), raw)
		if err != nil {
			response.Abort(c, err)
			return
		}

		c.Set(ContextUserKey, principal)
		c.Set(logger.SubjectKey, principal.UserID)
		c.Next()
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", appErrors.ErrUnauthorized
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// PrincipalFrom returns the principal stored by JWT.
func PrincipalFrom(c *gin.Context) (*models.Principal, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*models.Principal)
	return principal, ok && principal != nil
}
