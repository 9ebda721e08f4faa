package authclient

import (
	"context"
	"sync"
	"time"
)

// refreshCall is one in-flight refresh. Every request that hits a 401 while
// it runs waits on done and then reads the shared outcome.
type refreshCall struct {
	done        chan struct{}
	accessToken string
	err         error
}

type refreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

// Tokens is an access and refresh token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Session holds the tokens of one signed-in user. mu guards the tokens and
// the in-flight refresh as a unit, so at most one refresh runs at a time.
type Session struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	inflight     *refreshCall
	closed       bool
}

// NewSession returns a session holding the given tokens. Both may be empty.
func NewSession(accessToken, refreshToken string) *Session {
	return &Session{accessToken: accessToken, refreshToken: refreshToken}
}

// Tokens returns the current token pair.
func (s *Session) Tokens() Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Tokens{AccessToken: s.accessToken, RefreshToken: s.refreshToken}
}

// Set replaces the tokens and reopens a closed session.
func (s *Session) Set(tokens Tokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = tokens.AccessToken
	s.refreshToken = tokens.RefreshToken
	s.closed = false
}

// Close drops the tokens. A refresh still in flight is abandoned and its
// waiters receive ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.accessToken = ""
	s.refreshToken = ""
	if call := s.inflight; call != nil {
		s.inflight = nil
		call.err = ErrSessionClosed
		close(call.done)
	}
}

// currentAccessToken returns the token to send, or the reason there is none.
func (s *Session) currentAccessToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.accessToken == "" {
		return "", ErrNotAuthenticated
	}
	return s.accessToken, nil
}

// awaitRefresh returns an access token newer than stale. If another caller
// has already replaced stale it is returned without a refresh. Otherwise the
// caller joins the in-flight refresh, starting one if none is running. The
// refresh itself runs detached from ctx and is bounded by timeout, so one
// impatient caller cannot fail the whole batch. failed runs once per failed
// refresh, after the waiters have been released.
func (s *Session) awaitRefresh(ctx context.Context, stale string, timeout time.Duration, refresh refreshFunc, failed func(error)) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.accessToken != "" && s.accessToken != stale {
		token := s.accessToken
		s.mu.Unlock()
		return token, nil
	}

	call := s.inflight
	if call == nil {
		if s.refreshToken == "" {
			s.mu.Unlock()
			return "", ErrNotAuthenticated
		}
		call = &refreshCall{done: make(chan struct{})}
		s.inflight = call
		go s.runRefresh(call, s.refreshToken, timeout, refresh, failed)
	}
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.accessToken, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) runRefresh(call *refreshCall, refreshToken string, timeout time.Duration, refresh refreshFunc, failed func(error)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	tokens, err := refresh(ctx, refreshToken)
	cancel()

	s.mu.Lock()
	if s.inflight != call {
		// closed while refreshing
		s.mu.Unlock()
		return
	}
	s.inflight = nil
	if err != nil {
		s.accessToken = ""
		s.refreshToken = ""
		call.err = err
	} else {
		s.accessToken = tokens.AccessToken
		s.refreshToken = tokens.RefreshToken
		call.accessToken = tokens.AccessToken
	}
	close(call.done)
	s.mu.Unlock()

	if err != nil && failed != nil {
		failed(err)
	}
}
