package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", Clone(ErrTokenRevoked, "revoked on logout"))

	appErr := FromError(wrapped)
	assert.Equal(t, "TOKEN_REVOKED", appErr.Code)
	assert.Equal(t, http.StatusUnauthorized, appErr.Status)
	assert.Equal(t, "revoked on logout", appErr.Message)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	appErr := FromError(stdErrors.New("boom"))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.Nil(t, FromError(nil))
}

func TestClonesMatchPredefinedErrors(t *testing.T) {
	err := Clone(ErrInvalidRefreshToken, "refresh token expired")
	assert.True(t, stdErrors.Is(err, ErrInvalidRefreshToken))
	assert.False(t, stdErrors.Is(err, ErrInvalidToken))
	assert.NotSame(t, ErrInvalidRefreshToken, err)
}
