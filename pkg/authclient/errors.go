package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated means the session holds no usable tokens. It is
	// returned after logout and after a failed refresh until the next login.
	ErrNotAuthenticated = errors.New("authclient: not authenticated")
	// ErrSessionClosed is returned to requests whose session was closed
	// while they waited for a refresh.
	ErrSessionClosed = errors.New("authclient: session closed")
	// ErrRefreshFailed wraps the cause of an unsuccessful refresh. Every
	// request that waited on that refresh receives it.
	ErrRefreshFailed = errors.New("authclient: refresh failed")
)

// APIError is an error envelope returned by the server.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authclient: %d %s: %s", e.Status, e.Code, e.Message)
}
