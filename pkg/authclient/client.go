// Package authclient is a caller-side client for the recipe auth API. It keeps
// the session's tokens, attaches the access token to every request and, when
// a request is rejected with 401, runs a single refresh shared by every
// request that failed meanwhile before retrying each of them once.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRefreshTimeout = 10 * time.Second

type outcome int

const (
	outcomeDone   outcome = iota // the response goes back to the caller as is
	outcomeRetry                 // first 401: refresh and replay once
	outcomeFailed                // 401 on the replay: give up
)

func classify(resp *http.Response, retried bool) outcome {
	if resp.StatusCode != http.StatusUnauthorized {
		return outcomeDone
	}
	if retried {
		return outcomeFailed
	}
	return outcomeRetry
}

// User is the authenticated user as returned by the server.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthResult is returned by Register, Login and Refresh.
type AuthResult struct {
	AccessToken          string    `json:"accessToken"`
	RefreshToken         string    `json:"refreshToken"`
	ExpiresIn            int64     `json:"expiresIn"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
	User                 User      `json:"user"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

// Client talks to the auth API on behalf of one session.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	session        *Session
	logger         *zap.Logger
	refreshTimeout time.Duration
	onLogout       func(error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport used for every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) { c.refreshTimeout = d }
}

// WithOnLogout registers fn to run after a refresh fails and the session has
// been cleared. The caller must authenticate again.
func WithOnLogout(fn func(error)) Option {
	return func(c *Client) { c.onLogout = fn }
}

// WithSession uses an existing session, e.g. one restored from storage.
func WithSession(s *Session) Option {
	return func(c *Client) { c.session = s }
}

// New constructs a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     http.DefaultClient,
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = NewSession("", "")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = defaultRefreshTimeout
	}
	return c
}

// Session returns the session the client operates on.
func (c *Client) Session() *Session {
	return c.session
}

// Register creates an account and stores the issued tokens.
func (c *Client) Register(ctx context.Context, email, password, name string) (*AuthResult, error) {
	var res AuthResult
	payload := map[string]string{"email": email, "password": password, "name": name}
	if err := c.call(ctx, http.MethodPost, "/auth/register", "", payload, &res); err != nil {
		return nil, err
	}
	c.session.Set(Tokens{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken})
	return &res, nil
}

// Login authenticates and stores the issued tokens.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var res AuthResult
	payload := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, http.MethodPost, "/auth/login", "", payload, &res); err != nil {
		return nil, err
	}
	c.session.Set(Tokens{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken})
	return &res, nil
}

// Refresh rotates the session's tokens now. It shares the in-flight refresh
// with any request currently recovering from a 401.
func (c *Client) Refresh(ctx context.Context) error {
	access, err := c.session.currentAccessToken()
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		return err
	}
	_, err = c.session.awaitRefresh(ctx, access, c.refreshTimeout, c.refresh, c.refreshFailed)
	return err
}

// Logout ends the session on the server and closes it locally. The local
// session is closed even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	tokens := c.session.Tokens()
	c.session.Close()
	if tokens.AccessToken == "" {
		return nil
	}

	payload := map[string]string{"refreshToken": tokens.RefreshToken}
	var res struct {
		LoggedOut bool `json:"loggedOut"`
	}
	return c.call(ctx, http.MethodPost, "/auth/logout", tokens.AccessToken, payload, &res)
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	var user User
	if err := decode(resp, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Do sends req with the current access token. On a 401 it waits for a
// refresh and replays req once with the new token. A replay that is rejected
// again fails with the server's *APIError. Bodies are replayed through
// req.GetBody, which is filled in by buffering the body when missing.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	access, err := c.session.currentAccessToken()
	if err != nil {
		return nil, err
	}
	if err := ensureReplayable(req); err != nil {
		return nil, err
	}

	retried := false
	for {
		resp, err := c.send(req, access)
		if err != nil {
			return nil, err
		}

		switch classify(resp, retried) {
		case outcomeDone:
			return resp, nil
		case outcomeFailed:
			return nil, readAPIError(resp)
		}

		drain(resp)
		retried = true
		access, err = c.session.awaitRefresh(req.Context(), access, c.refreshTimeout, c.refresh, c.refreshFailed)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(req *http.Request, accessToken string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+accessToken)
	return c.httpClient.Do(r)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var res AuthResult
	if err := c.call(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refreshToken}, &res); err != nil {
		return Tokens{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	return Tokens{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}, nil
}

func (c *Client) refreshFailed(err error) {
	c.logger.Warn("session refresh failed, signing out", zap.Error(err))
	if c.onLogout != nil {
		c.onLogout(err)
	}
}

// call performs a JSON request outside the refresh machinery.
func (c *Client) call(ctx context.Context, method, path, accessToken string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func readAPIError(resp *http.Response) error {
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil && env.Error != nil {
		if env.Error.Status == 0 {
			env.Error.Status = resp.StatusCode
		}
		return env.Error
	}
	return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
}

func ensureReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(buf))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
