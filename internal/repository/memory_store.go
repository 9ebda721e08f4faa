package repository

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/recipe-auth-api/internal/models"
)

// MemoryStore keeps users, refresh tokens and the blacklist in process memory.
// It backs the memory storage driver. One mutex guards all tables, which makes
// every conditional update as atomic as its SQL counterpart.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]models.User
	emails    map[string]string
	tokens    map[string]models.RefreshToken
	blacklist map[string]models.BlacklistedToken
	audit     []models.AuditLog
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]models.User),
		emails:    make(map[string]string),
		tokens:    make(map[string]models.RefreshToken),
		blacklist: make(map[string]models.BlacklistedToken),
	}
}

// Users exposes the user table.
func (s *MemoryStore) Users() *MemoryUserStore { return &MemoryUserStore{s: s} }

// RefreshTokens exposes the refresh token table.
func (s *MemoryStore) RefreshTokens() *MemoryRefreshTokenStore { return &MemoryRefreshTokenStore{s: s} }

// Blacklist exposes the access token blacklist.
func (s *MemoryStore) Blacklist() *MemoryBlacklistStore { return &MemoryBlacklistStore{s: s} }

// AuditLogs returns a copy of the recorded audit trail.
func (s *MemoryStore) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

// MemoryUserStore is the in-memory user table.
type MemoryUserStore struct{ s *MemoryStore }

func (u *MemoryUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	id, ok := u.s.emails[normalizeEmail(email)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	user := u.s.users[id]
	return &user, nil
}

func (u *MemoryUserStore) FindByID(_ context.Context, id string) (*models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &user, nil
}

func (u *MemoryUserStore) Create(_ context.Context, user *models.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user.Email = normalizeEmail(user.Email)
	if _, taken := u.s.emails[user.Email]; taken {
		return ErrDuplicate
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	u.s.users[user.ID] = *user
	u.s.emails[user.Email] = user.ID
	return nil
}

func (u *MemoryUserStore) UpdateLastLogin(_ context.Context, id string, ts time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil
	}
	user.LastLogin = &ts
	user.UpdatedAt = ts
	u.s.users[id] = user
	return nil
}

func (u *MemoryUserStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	u.s.audit = append(u.s.audit, *log)
	return nil
}

// MemoryRefreshTokenStore is the in-memory refresh token table, keyed by hash.
type MemoryRefreshTokenStore struct{ s *MemoryStore }

func (r *MemoryRefreshTokenStore) Create(_ context.Context, token *models.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.insertToken(token)
}

// Rotate mirrors RefreshTokenRepository.Rotate.
func (r *MemoryRefreshTokenStore) Rotate(_ context.Context, oldHash string, next *models.RefreshToken) (*models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	at := next.CreatedAt

	old, ok := r.s.tokens[oldHash]
	if !ok || !old.Live(at) {
		return nil, sql.ErrNoRows
	}
	next.UserID = old.UserID
	if err := r.s.insertToken(next); err != nil {
		return nil, err
	}

	old.Revoked = true
	old.RevokedAt = &at
	r.s.tokens[oldHash] = old
	return &old, nil
}

func (r *MemoryRefreshTokenStore) RevokeByHash(_ context.Context, tokenHash string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.revokeWhere(at, func(t models.RefreshToken) bool { return t.TokenHash == tokenHash })
	return nil
}

func (r *MemoryRefreshTokenStore) RevokeByID(_ context.Context, id, userID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.revokeWhere(at, func(t models.RefreshToken) bool { return t.ID == id && t.UserID == userID }) == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *MemoryRefreshTokenStore) ListLive(_ context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RefreshToken
	for _, t := range r.s.tokens {
		if t.UserID == userID && t.Live(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRefreshTokenStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for hash, t := range r.s.tokens {
		if !t.ExpiresAt.After(now) {
			delete(r.s.tokens, hash)
			n++
		}
	}
	return n, nil
}

// MemoryBlacklistStore is the in-memory blacklist.
type MemoryBlacklistStore struct{ s *MemoryStore }

func (b *MemoryBlacklistStore) Exists(_ context.Context, tokenKey string) (bool, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	_, ok := b.s.blacklist[tokenKey]
	return ok, nil
}

func (b *MemoryBlacklistStore) RevokeSession(_ context.Context, rev models.SessionRevocation) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	if _, ok := b.s.blacklist[rev.Entry.TokenKey]; !ok {
		entry := rev.Entry
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = rev.At
		}
		b.s.blacklist[entry.TokenKey] = entry
	}
	if rev.SessionID != "" {
		b.s.revokeWhere(rev.At, func(t models.RefreshToken) bool { return t.ID == rev.SessionID && t.UserID == rev.UserID })
	}
	if rev.RefreshHash != "" {
		b.s.revokeWhere(rev.At, func(t models.RefreshToken) bool { return t.TokenHash == rev.RefreshHash && t.UserID == rev.UserID })
	}
	return nil
}

func (b *MemoryBlacklistStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	var n int64
	for key, entry := range b.s.blacklist {
		if !entry.ExpiresAt.After(now) {
			delete(b.s.blacklist, key)
			n++
		}
	}
	return n, nil
}

// insertToken and revokeWhere expect s.mu to be held.
func (s *MemoryStore) insertToken(token *models.RefreshToken) error {
	if _, exists := s.tokens[token.TokenHash]; exists {
		return ErrDuplicate
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	s.tokens[token.TokenHash] = *token
	return nil
}

func (s *MemoryStore) revokeWhere(at time.Time, match func(models.RefreshToken) bool) int {
	n := 0
	for hash, t := range s.tokens {
		if t.Revoked || !match(t) {
			continue
		}
		t.Revoked = true
		t.RevokedAt = &at
		s.tokens[hash] = t
		n++
	}
	return n
}
