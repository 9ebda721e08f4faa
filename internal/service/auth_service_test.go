package service

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/internal/repository"
	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
)

const testSecret = "test-secret"

func testTokenConfig() TokenConfig {
	return TokenConfig{
		Secret:     testSecret,
		Issuer:     "recipe-auth-api",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

type authFixture struct {
	svc     *AuthService
	store   *repository.MemoryStore
	issuer  *TokenIssuer
	metrics *MetricsService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	issuer := NewTokenIssuer(testTokenConfig())
	metrics := NewMetricsService()
	revocations := NewRevocationService(store.Blacklist(), nil, metrics, zap.NewNop())
	svc := NewAuthService(store.Users(), store.RefreshTokens(), revocations, issuer, validator.New(), zap.NewNop(), metrics)
	return &authFixture{svc: svc, store: store, issuer: issuer, metrics: metrics}
}

func (f *authFixture) register(t *testing.T, email string) *models.AuthResponse {
	t.Helper()
	res, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: email, Password: "pw123456", Name: "Cook"})
	require.NoError(t, err)
	return res
}

func errCode(err error) string {
	return appErrors.FromError(err).Code
}

func TestRegisterIssuesTokensBoundToUser(t *testing.T) {
	f := newAuthFixture(t)
	res := f.register(t, "a@b.com")

	assert.Equal(t, "a@b.com", res.User.Email)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, int64(900), res.ExpiresIn)

	claims, err := f.issuer.ParseAccessToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Subject)

	sessions, err := f.svc.ListSessions(context.Background(), &models.Principal{UserID: res.User.ID, SessionID: claims.SessionID})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)

	logs := f.store.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditActionRegister, logs[0].Action)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@b.com")

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: "A@b.com", Password: "pw123456", Name: "Again"})
	assert.Equal(t, appErrors.ErrEmailTaken.Code, errCode(err))
}

func TestRegisterValidation(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: "not-an-email", Password: "short", Name: ""})
	assert.Equal(t, appErrors.ErrValidation.Code, errCode(err))
}

func TestLoginSubjectIsUserID(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")

	res, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "a@b.com", Password: "pw123456", IP: "10.0.0.1"})
	require.NoError(t, err)

	claims, err := f.issuer.ParseAccessToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.Subject)
	assert.NotEqual(t, reg.RefreshToken, res.RefreshToken)

	user, err := f.store.Users().FindByID(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.NotNil(t, user.LastLogin)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@b.com")

	_, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "a@b.com", Password: "wrong-password"})
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, errCode(err))

	_, err = f.svc.Login(context.Background(), models.LoginRequest{Email: "nobody@b.com", Password: "pw123456"})
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, errCode(err))
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")
	ctx := context.Background()

	res, err := f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: reg.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, reg.RefreshToken, res.RefreshToken)
	assert.Equal(t, reg.User.ID, res.User.ID)

	_, err = f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: reg.RefreshToken})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidRefreshToken))

	_, err = f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: res.RefreshToken})
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.refreshTotal.WithLabelValues(RefreshResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.refreshTotal.WithLabelValues(RefreshResultRejected)))
}

func TestRefreshUnknownAndExpiredTokensLookAlike(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")
	ctx := context.Background()

	require.NoError(t, f.store.RefreshTokens().Create(ctx, &models.RefreshToken{
		UserID:    reg.User.ID,
		TokenHash: f.issuer.HashRefreshToken("stale"),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, errExpired := f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: "stale"})
	_, errForged := f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: "forged"})
	assert.Equal(t, appErrors.ErrInvalidRefreshToken.Code, errCode(errExpired))
	assert.Equal(t, errCode(errExpired), errCode(errForged))
}

func TestConcurrentRefreshHasExactlyOneWinner(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")

	var wins, rejected int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: reg.RefreshToken})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, appErrors.ErrInvalidRefreshToken):
				atomic.AddInt32(&rejected, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), rejected)
}

func TestLogoutRevokesAccessAndRefreshTokens(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")
	ctx := context.Background()

	principal, err := f.svc.Authenticate(ctx, reg.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, principal.UserID)

	require.NoError(t, f.svc.Logout(ctx, reg.AccessToken, models.LogoutRequest{}))

	_, err = f.svc.Authenticate(ctx, reg.AccessToken)
	assert.Equal(t, appErrors.ErrTokenRevoked.Code, errCode(err))

	_, err = f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: reg.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidRefreshToken.Code, errCode(err))

	assert.NoError(t, f.svc.Logout(ctx, reg.AccessToken, models.LogoutRequest{}))
}

func TestLogoutRevokesSuppliedRefreshToken(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")
	other, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "a@b.com", Password: "pw123456"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), reg.AccessToken, models.LogoutRequest{RefreshToken: other.RefreshToken}))

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: other.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidRefreshToken.Code, errCode(err))
}

func TestLogoutRejectsForgedToken(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: reg.User.ID, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	raw, err := forged.SignedString([]byte("someone-else"))
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), raw, models.LogoutRequest{})
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(err))
}

func TestAuthenticateExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")
	f.issuer.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	_, err := f.svc.Authenticate(context.Background(), reg.AccessToken)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, errCode(err))
}

func TestLoginWithoutSecret(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "a@b.com")
	cfg := testTokenConfig()
	cfg.Secret = ""
	f.svc.issuer = NewTokenIssuer(cfg)

	_, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "a@b.com", Password: "pw123456"})
	assert.Equal(t, appErrors.ErrJWTSecretMissing.Code, errCode(err))
	assert.Equal(t, 500, appErrors.FromError(err).Status)
}

func TestMe(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")

	info, err := f.svc.Me(context.Background(), reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", info.Email)

	_, err = f.svc.Me(context.Background(), "missing")
	assert.Equal(t, appErrors.ErrUnauthorized.Code, errCode(err))
}

func TestRevokeSessionOwnership(t *testing.T) {
	f := newAuthFixture(t)
	alice := f.register(t, "alice@b.com")
	bob := f.register(t, "bob@b.com")
	ctx := context.Background()

	aliceClaims, err := f.issuer.ParseAccessToken(alice.AccessToken)
	require.NoError(t, err)

	err = f.svc.RevokeSession(ctx, &models.Principal{UserID: bob.User.ID}, aliceClaims.SessionID, "", "")
	assert.Equal(t, appErrors.ErrNotFound.Code, errCode(err))

	require.NoError(t, f.svc.RevokeSession(ctx, &models.Principal{UserID: alice.User.ID}, aliceClaims.SessionID, "", ""))
	_, err = f.svc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: alice.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidRefreshToken.Code, errCode(err))
}

type vanishingUsers struct {
	authUserRepository
}

func (v vanishingUsers) FindByID(context.Context, string) (*models.User, error) {
	return nil, sql.ErrNoRows
}

func TestRefreshForDeletedUserDiscardsReplacement(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "a@b.com")
	f.svc.users = vanishingUsers{authUserRepository: f.store.Users()}

	_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: reg.RefreshToken})
	assert.Equal(t, appErrors.ErrInvalidRefreshToken.Code, errCode(err))

	live, err := f.store.RefreshTokens().ListLive(context.Background(), reg.User.ID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, live)
}

type failingTokens struct {
	refreshTokenRepository
}

func (failingTokens) Rotate(context.Context, string, *models.RefreshToken) (*models.RefreshToken, error) {
	return nil, errors.New("connection refused")
}

func TestRefreshStorageFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.svc.tokens = failingTokens{}

	_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: "anything"})
	assert.Equal(t, appErrors.ErrInternal.Code, errCode(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.refreshTotal.WithLabelValues(RefreshResultError)))
}
