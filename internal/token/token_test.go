package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/kvstore"
	"github.com/and161185/authgate/internal/model"
)

var (
	keysOnce  sync.Once
	signKey   *rsa.PrivateKey
	otherKey  *rsa.PrivateKey
	keysError error
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		signKey, keysError = rsa.GenerateKey(rand.Reader, 2048)
		if keysError == nil {
			otherKey, keysError = rsa.GenerateKey(rand.Reader, 2048)
		}
	})
	require.NoError(t, keysError)
	return signKey, otherKey
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *kvstore.Redis
	mr    *miniredis.Miniredis
	clk   *clock
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	key, _ := testKeys(t)
	mr := miniredis.RunT(t)
	store, err := kvstore.NewRedis(context.Background(), kvstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{PrivateKey: key, Issuer: "JANUX-server", Audience: "JANUX-application"}
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &clock{t: time.Now()}
	svc, err := NewService(cfg, store, WithClock(clk.Now), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, mr: mr, clk: clk}
}

func TestNewService_ConfigErrors(t *testing.T) {
	key, other := testKeys(t)
	store := kvstore.NewRedisWithClient(nil)

	_, err := NewService(Config{Issuer: "i", Audience: "a"}, store)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = NewService(Config{PrivateKey: key, PublicKey: &other.PublicKey, Issuer: "i", Audience: "a"}, store)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = NewService(Config{PrivateKey: key, Audience: "a"}, store)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = NewService(Config{PrivateKey: key, Issuer: "i", Audience: "a"}, nil)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	svc, err := NewService(Config{PrivateKey: key, Issuer: "i", Audience: "a"}, store)
	require.NoError(t, err)
	require.Equal(t, DefaultAccessTTL, svc.AccessTTL())
}

func TestCreateAccessToken_Claims(t *testing.T) {
	f := newFixture(t, nil)

	raw, exp, err := f.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	require.Len(t, strings.Split(raw, "."), 3)

	claims, err := f.svc.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", claims.Subject)
	require.Equal(t, model.RoleUser, claims.Role)
	require.Equal(t, TypeAccess, claims.Type)
	require.Equal(t, "JANUX-server", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{"JANUX-application"}, claims.Audience)
	require.NotEmpty(t, claims.ID)
	require.Equal(t, 20*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
	require.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())

	raw2, _, err := f.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	claims2, err := f.svc.Verify(context.Background(), raw2)
	require.NoError(t, err)
	require.NotEqual(t, claims.ID, claims2.ID, "token ids must be unique")

	_, _, err = f.svc.CreateAccessToken("", model.RoleUser)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestCreateRefreshToken_TypeAndTTL(t *testing.T) {
	f := newFixture(t, nil)

	raw, _, err := f.svc.CreateRefreshToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	claims, err := f.svc.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, TypeRefresh, claims.Type)
	require.Equal(t, 7*24*time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestVerify_MalformedTokens(t *testing.T) {
	f := newFixture(t, nil)
	_, other := testKeys(t)
	ctx := context.Background()

	good, _, err := f.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	parts := strings.Split(good, ".")

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tampered := strings.Replace(string(payload), `"role":"user"`, `"role":"admin"`, 1)
	require.NotEqual(t, string(payload), tampered)
	alteredPayload := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(tampered)) + "." + parts[2]

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "alice@example.com", Issuer: "JANUX-server", Audience: jwt.ClaimStrings{"JANUX-application"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)), ID: "x",
		},
		Role: model.RoleAdmin,
	}).SignedString(other)
	require.NoError(t, err)

	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice@example.com", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)), ID: "x",
	}).SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"random":         "not-a-token",
		"empty":          "",
		"two parts":      parts[0] + "." + parts[1],
		"altered":        alteredPayload,
		"foreign key":    foreign,
		"hmac algorithm": hmac,
	} {
		_, err := f.svc.Verify(ctx, raw)
		require.ErrorIs(t, err, errs.ErrInvalidToken, name)
	}
}

func TestVerify_MissingClaims(t *testing.T) {
	f := newFixture(t, nil)
	key, _ := testKeys(t)

	noID, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject: "a", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(key)
	require.NoError(t, err)
	_, err = f.svc.Verify(context.Background(), noID)
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestVerify_Expiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, _, err := f.svc.CreateWithTTL("alice@example.com", model.RoleUser, time.Second)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, raw)
	require.NoError(t, err)

	f.clk.Advance(2 * time.Second)
	_, err = f.svc.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrTokenExpired)
}

func TestVerify_Leeway(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Leeway = 30 * time.Second })
	ctx := context.Background()

	raw, _, err := f.svc.CreateWithTTL("alice@example.com", model.RoleUser, time.Second)
	require.NoError(t, err)

	f.clk.Advance(10 * time.Second)
	_, err = f.svc.Verify(ctx, raw)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	_, err = f.svc.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrTokenExpired)
}

func TestVerify_IssuerAudienceMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wrongIss := newFixture(t, func(c *Config) { c.Issuer = "other-server" })
	raw, _, err := wrongIss.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrInvalidToken)

	wrongAud := newFixture(t, func(c *Config) { c.Audience = "other-app" })
	raw, _, err = wrongAud.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, exp, err := f.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	remaining := exp.Sub(f.clk.Now())
	require.NoError(t, f.svc.Revoke(ctx, raw))
	require.NoError(t, f.svc.Revoke(ctx, raw), "revoking twice is not an error")

	_, err = f.svc.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrTokenRevoked)

	ttl, err := f.svc.RevocationTTL(ctx, raw)
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, remaining)

	// Entry disappears with the token's natural expiry.
	f.mr.FastForward(remaining + time.Second)
	ttl, err = f.svc.RevocationTTL(ctx, raw)
	require.NoError(t, err)
	require.Zero(t, ttl)
}

func TestRevoke_SharedAcrossInstancesAndCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key, _ := testKeys(t)

	verifier, err := NewService(Config{PublicKey: &key.PublicKey, Issuer: "JANUX-server", Audience: "JANUX-application"}, f.store)
	require.NoError(t, err)

	raw, _, err := f.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, raw))
	_, err = verifier.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrTokenRevoked)

	// The confirmed revocation is cached locally; a flushed store does not resurrect the token.
	f.mr.FlushAll()
	_, err = verifier.Verify(ctx, raw)
	require.ErrorIs(t, err, errs.ErrTokenRevoked)

	_, _, err = verifier.CreateAccessToken("x@example.com", model.RoleUser)
	require.ErrorIs(t, err, errs.ErrConfiguration, "verification-only service cannot sign")
}

func TestRevoke_ExpiredAndInvalid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, _, err := f.svc.CreateWithTTL("alice@example.com", model.RoleUser, time.Second)
	require.NoError(t, err)
	f.clk.Advance(time.Minute)
	require.NoError(t, f.svc.Revoke(ctx, raw))
	require.Empty(t, f.mr.Keys(), "expired tokens need no blacklist entry")

	require.ErrorIs(t, f.svc.Revoke(ctx, "garbage"), errs.ErrInvalidToken)
}

func TestVerify_StoreFailureIsNotAnAuthFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RevokedCacheSize = -1 })
	raw, _, err := f.svc.CreateAccessToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)

	f.mr.SetError("ERR store unavailable")
	_, err = f.svc.Verify(context.Background(), raw)
	require.Error(t, err)
	require.False(t, errs.IsAuthFailure(err))
}

func TestRequireRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	all := append(model.UserRoles(), model.AdminRoles()...)

	for _, a := range all {
		raw, _, err := f.svc.CreateAccessToken("someone@example.com", a)
		require.NoError(t, err)

		p, err := f.svc.RequireRole(ctx, raw, a)
		require.NoError(t, err)
		require.Equal(t, model.Principal{Subject: "someone@example.com", Role: a}, p)

		for _, b := range all {
			if a == b {
				continue
			}
			_, err := f.svc.RequireRole(ctx, raw, b)
			require.ErrorIs(t, err, errs.ErrUnauthorized, "%s vs %s", a, b)
		}
	}

	raw, _, err := f.svc.CreateAccessToken("root@example.com", model.RoleSuperAdmin)
	require.NoError(t, err)
	_, err = f.svc.RequireRole(ctx, raw, model.AdminRoles()...)
	require.NoError(t, err)

	refresh, _, err := f.svc.CreateRefreshToken("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	_, err = f.svc.RequireRole(ctx, refresh, model.RoleUser)
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestRefresh_RotatesAndRejectsAccessTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair("alice@example.com", model.RoleUser)
	require.NoError(t, err)
	require.Equal(t, "bearer", pair.TokenType)

	_, err = f.svc.Refresh(ctx, pair.AccessToken)
	require.ErrorIs(t, err, errs.ErrInvalidToken)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.AccessToken, next.AccessToken)

	p, err := f.svc.RequireRole(ctx, next.AccessToken, model.RoleUser)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", p.Subject)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, errs.ErrTokenRevoked, "refresh tokens are single use")
}
