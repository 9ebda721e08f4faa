package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/internal/repository"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type refreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	Rotate(ctx context.Context, oldHash string, next *models.RefreshToken) (*models.RefreshToken, error)
	RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error
	RevokeByID(ctx context.Context, id, userID string, at time.Time) error
	ListLive(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error)
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// equalizeTiming burns one bcrypt comparison so unknown emails take as long
// to reject as wrong passwords.
func equalizeTiming(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// AuthService provides authentication use cases.
type AuthService struct {
	users       authUserRepository
	tokens      refreshTokenRepository
	revocations *RevocationService
	issuer      *TokenIssuer
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	now         func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, tokens refreshTokenRepository, revocations *RevocationService, issuer *TokenIssuer, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:       users,
		tokens:      tokens,
		revocations: revocations,
		issuer:      issuer,
		validator:   validate,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an account and opens its first session.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{Email: req.Email, PasswordHash: string(hash), Name: req.Name}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.ErrEmailTaken
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	res, err := s.openSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionRegister, map[string]string{"status": "created"}, req.IP, req.UserAgent)
	return res, nil
}

// Login authenticates a user and returns issued tokens.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			equalizeTiming(req.Password)
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.ErrInvalidCredentials
	}

	res, err := s.openSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}
	s.audit(ctx, user.ID, models.AuditActionLogin, map[string]string{"status": "success"}, req.IP, req.UserAgent)
	return res, nil
}

// Refresh redeems a refresh token and returns a new token pair. The presented
// token is consumed whether or not the rest of the exchange succeeds.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	plaintext, next, err := s.issuer.NewRefreshToken("", req.IP, req.UserAgent)
	if err != nil {
		s.metrics.RecordRefresh(RefreshResultError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	redeemed, err := s.tokens.Rotate(ctx, s.issuer.HashRefreshToken(req.RefreshToken), next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordRefresh(RefreshResultRejected)
			return nil, appErrors.ErrInvalidRefreshToken
		}
		s.metrics.RecordRefresh(RefreshResultError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}

	user, err := s.users.FindByID(ctx, redeemed.UserID)
	if err != nil {
		s.discard(ctx, next)
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordRefresh(RefreshResultRejected)
			return nil, appErrors.ErrInvalidRefreshToken
		}
		s.metrics.RecordRefresh(RefreshResultError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	accessToken, expiresAt, err := s.issuer.IssueAccessToken(user, next.ID)
	if err != nil {
		s.discard(ctx, next)
		s.metrics.RecordRefresh(RefreshResultError)
		return nil, s.signingError(err)
	}

	s.metrics.RecordRefresh(RefreshResultSuccess)
	s.audit(ctx, user.ID, models.AuditActionRefresh, map[string]string{"session": next.ID, "replaces": redeemed.ID}, req.IP, req.UserAgent)

	return s.authResponse(user, accessToken, expiresAt, plaintext), nil
}

// Logout blacklists the presented access token and revokes the refresh token
// minted with it, plus req.RefreshToken when given. Repeating it succeeds.
func (s *AuthService) Logout(ctx context.Context, rawAccessToken string, req models.LogoutRequest) error {
	claims, err := s.issuer.DecodeForLogout(rawAccessToken)
	if err != nil {
		return err
	}

	expiresAt := s.now().Add(s.issuer.AccessTTL())
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	rev := models.SessionRevocation{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		At:        s.now(),
	}
	if req.RefreshToken != "" {
		rev.RefreshHash = s.issuer.HashRefreshToken(req.RefreshToken)
	}

	if err := s.revocations.RevokeSession(ctx, rawAccessToken, expiresAt, rev); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke session")
	}

	s.audit(ctx, claims.Subject, models.AuditActionLogout, map[string]string{"session": claims.SessionID}, req.IP, req.UserAgent)
	return nil
}

// Authenticate resolves a raw bearer token into a principal. Blacklisted tokens
// are reported as revoked before their signature is even looked at.
func (s *AuthService) Authenticate(ctx context.Context, rawAccessToken string) (*models.Principal, error) {
	revoked, err := s.revocations.IsRevoked(ctx, rawAccessToken)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check token revocation")
	}
	if revoked {
		return nil, appErrors.ErrTokenRevoked
	}

	claims, err := s.issuer.ParseAccessToken(rawAccessToken)
	if err != nil {
		return nil, err
	}

	principal := &models.Principal{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Email:     claims.Email,
		Token:     rawAccessToken,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	info := user.Info()
	return &info, nil
}

// ListSessions returns the caller's live sessions, marking the one in use.
func (s *AuthService) ListSessions(ctx context.Context, principal *models.Principal) ([]models.SessionInfo, error) {
	tokens, err := s.tokens.ListLive(ctx, principal.UserID, s.now())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}

	sessions := make([]models.SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, models.SessionInfo{
			ID:        t.ID,
			IPAddress: t.IPAddress,
			UserAgent: t.UserAgent,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			Current:   t.ID == principal.SessionID,
		})
	}
	return sessions, nil
}

// RevokeSession ends one of the caller's sessions by id.
func (s *AuthService) RevokeSession(ctx context.Context, principal *models.Principal, sessionID, ip, userAgent string) error {
	if err := s.tokens.RevokeByID(ctx, sessionID, principal.UserID, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke session")
	}

	s.audit(ctx, principal.UserID, models.AuditActionSessionRevoke, map[string]string{"session": sessionID}, ip, userAgent)
	return nil
}

func (s *AuthService) openSession(ctx context.Context, user *models.User, ip, userAgent string) (*models.AuthResponse, error) {
	plaintext, refresh, err := s.issuer.NewRefreshToken(user.ID, ip, userAgent)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	accessToken, expiresAt, err := s.issuer.IssueAccessToken(user, refresh.ID)
	if err != nil {
		return nil, s.signingError(err)
	}

	if err := s.tokens.Create(ctx, refresh); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return s.authResponse(user, accessToken, expiresAt, plaintext), nil
}

func (s *AuthService) authResponse(user *models.User, accessToken string, expiresAt time.Time, refreshToken string) *models.AuthResponse {
	return &models.AuthResponse{
		AccessToken:          accessToken,
		RefreshToken:         refreshToken,
		ExpiresIn:            int64(s.issuer.AccessTTL().Seconds()),
		AccessTokenExpiresAt: expiresAt,
		User:                 user.Info(),
	}
}

// discard revokes a freshly rotated token whose exchange could not complete.
func (s *AuthService) discard(ctx context.Context, token *models.RefreshToken) {
	if err := s.tokens.RevokeByHash(ctx, token.TokenHash, s.now()); err != nil {
		s.logger.Warn("failed to revoke unused refresh token", zap.String("session", token.ID), zap.Error(err))
	}
}

func (s *AuthService) signingError(err error) error {
	if errors.Is(err, appErrors.ErrJWTSecretMissing) {
		return appErrors.ErrJWTSecretMissing
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
}

func (s *AuthService) audit(ctx context.Context, userID, action string, values map[string]string, ip, userAgent string) {
	payload, err := json.Marshal(values)
	if err != nil {
		payload = nil
	}
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &userID,
		NewValues:  payload,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
