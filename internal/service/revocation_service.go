package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
)

type blacklistRepository interface {
	Exists(ctx context.Context, tokenKey string) (bool, error)
	RevokeSession(ctx context.Context, rev models.SessionRevocation) error
}

type blacklistCache interface {
	Contains(ctx context.Context, tokenKey string) (bool, error)
	Add(ctx context.Context, tokenKey string, ttl time.Duration) error
}

// RevocationService answers and records access token revocations. The
// database is authoritative; the cache only ever holds positive entries.
type RevocationService struct {
	store   blacklistRepository
	cache   blacklistCache
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewRevocationService constructs a RevocationService. cache may be nil.
func NewRevocationService(store blacklistRepository, cache blacklistCache, metrics *MetricsService, logger *zap.Logger) *RevocationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RevocationService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IsRevoked reports whether rawToken has been blacklisted.
func (s *RevocationService) IsRevoked(ctx context.Context, rawToken string) (bool, error) {
	key := BlacklistKey(rawToken)

	if s.cache != nil {
		start := time.Now()
		hit, err := s.cache.Contains(ctx, key)
		switch {
		case err == nil && hit:
			s.metrics.RecordCacheOperation(true, time.Since(start))
			s.metrics.RecordBlacklistHit("cache")
			return true, nil
		case err == nil || errors.Is(err, appErrors.ErrCacheMiss):
			s.metrics.RecordCacheOperation(false, time.Since(start))
		default:
			s.logger.Warn("blacklist cache lookup failed", zap.Error(err))
		}
	}

	start := time.Now()
	exists, err := s.store.Exists(ctx, key)
	s.metrics.ObserveDBQuery("blacklist_exists", time.Since(start))
	if err != nil {
		return false, err
	}
	if exists {
		s.metrics.RecordBlacklistHit("database")
	}
	return exists, nil
}

// RevokeSession blacklists rawToken until expiresAt and revokes the refresh
// tokens named in rev in one unit. The cache is written after the commit.
func (s *RevocationService) RevokeSession(ctx context.Context, rawToken string, expiresAt time.Time, rev models.SessionRevocation) error {
	now := s.now()
	if rev.At.IsZero() {
		rev.At = now
	}
	rev.Entry = models.BlacklistedToken{
		TokenKey:  BlacklistKey(rawToken),
		ExpiresAt: expiresAt,
	}
	if rev.UserID != "" {
		userID := rev.UserID
		rev.Entry.UserID = &userID
	}

	if err := s.store.RevokeSession(ctx, rev); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Add(ctx, rev.Entry.TokenKey, expiresAt.Sub(now)); err != nil {
			s.logger.Warn("failed to cache blacklist entry", zap.Error(err))
		}
	}
	return nil
}
