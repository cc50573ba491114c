package config

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/authgate/internal/errs"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func writeKeys(t *testing.T, dir string) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	priv, pub, err := EncodeKeyPair(testKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private_key.pem"), priv, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public_key.pem"), pub, 0o644))
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func load(t *testing.T, args []string, env map[string]string) (*Config, error) {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	if _, ok := env[EnvName("env-file")]; !ok {
		env[EnvName("env-file")] = ""
	}
	return Load("authgate", args, envMap(env), io.Discard)
}

func TestLoad_DefaultsAndSecretsDir(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir)

	cfg, err := load(t, []string{"-secrets-dirs", filepath.Join(dir, "missing") + "," + dir}, nil)
	require.NoError(t, err)

	require.Equal(t, ":8000", cfg.HTTPAddr)
	require.Equal(t, "JANUX-server", cfg.Issuer)
	require.Equal(t, "JANUX-application", cfg.Audience)
	require.Equal(t, 20*time.Minute, cfg.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	require.Zero(t, cfg.Leeway)
	require.Equal(t, 12, cfg.BcryptCost)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.AttemptWindow)
	require.Equal(t, BackendPostgres, cfg.Store)
	require.Equal(t, BackendRedis, cfg.Limiter)
	require.Equal(t, filepath.Join(dir, "private_key.pem"), cfg.PrivateKeyPath)
	require.True(t, cfg.PrivateKey.PublicKey.Equal(cfg.PublicKey))
}

func TestLoad_EmptyGRPCAddrIsAccepted(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir)

	cfg, err := load(t, []string{"-secrets-dirs", dir, "-grpc-addr", ""}, nil)
	require.NoError(t, err)
	require.Empty(t, cfg.GRPCAddr)
}

func TestLoad_LayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir)

	yamlPath := filepath.Join(dir, "authgate.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
issuer: yaml-issuer
audience: yaml-audience
access_ttl: 5m
store: mongo
mongo_database: gateway
bootstrap_admin:
  email: root@example.com
  password: Sup3rSecret!
`), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("AUTHGATE_ISSUER=dotenv-issuer\nAUTHGATE_AUDIENCE=dotenv-audience\n"), 0o600))

	cfg, err := load(t,
		[]string{"-secrets-dirs", dir, "-access-ttl", "1m", "-env-file", envPath},
		map[string]string{
			EnvName("config"):   yamlPath,
			EnvName("audience"): "env-audience",
			EnvName("leeway"):   "30s",
		})
	require.NoError(t, err)

	require.Equal(t, "dotenv-issuer", cfg.Issuer, ".env overrides YAML")
	require.Equal(t, "env-audience", cfg.Audience, "process env overrides .env")
	require.Equal(t, time.Minute, cfg.AccessTTL, "flags override everything")
	require.Equal(t, 30*time.Second, cfg.Leeway)
	require.Equal(t, BackendMongo, cfg.Store)
	require.Equal(t, "gateway", cfg.MongoDatabase)
	require.Equal(t, "mongodb://localhost:27017", cfg.MongoURI, "defaults survive partial YAML")
	require.Equal(t, "root@example.com", cfg.BootstrapAdmin.Email)
	require.Equal(t, "Super Admin", cfg.BootstrapAdmin.FullName)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	writeKeys(t, dir)
	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("isser: typo\n"), 0o600))

	cases := map[string]struct {
		args []string
		env  map[string]string
	}{
		"unknown yaml field":    {args: []string{"-secrets-dirs", dir, "-config", badYAML}},
		"missing config file":   {args: []string{"-secrets-dirs", dir, "-config", filepath.Join(dir, "nope.yaml")}},
		"missing env file":      {args: []string{"-secrets-dirs", dir, "-env-file", filepath.Join(dir, "nope.env")}},
		"bad env duration":      {args: []string{"-secrets-dirs", dir}, env: map[string]string{EnvName("access-ttl"): "soon"}},
		"no keys":               {args: []string{"-secrets-dirs", filepath.Join(dir, "empty")}},
		"unknown store":         {args: []string{"-secrets-dirs", dir, "-store", "sqlite"}},
		"unknown limiter":       {args: []string{"-secrets-dirs", dir, "-limiter", "memory"}},
		"bcrypt cost too low":   {args: []string{"-secrets-dirs", dir, "-bcrypt-cost", "3"}},
		"empty issuer":          {args: []string{"-secrets-dirs", dir, "-issuer", ""}},
		"negative ttl":          {args: []string{"-secrets-dirs", dir, "-access-ttl", "-1m"}},
		"admin without secret":  {args: []string{"-secrets-dirs", dir, "-bootstrap-admin-email", "root@example.com"}},
		"empty redis url":       {args: []string{"-secrets-dirs", dir}, env: map[string]string{EnvName("redis-url"): ""}},
		"unparseable key":       {args: []string{"-private-key", badYAML}},
		"mongo without db name": {args: []string{"-secrets-dirs", dir, "-store", "mongo", "-mongo-database", ""}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, tc.args, tc.env)
			require.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := load(t, []string{"-no-such-flag"}, nil)
	require.Error(t, err)
}

func TestValidate_KeyProblems(t *testing.T) {
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	dir := t.TempDir()
	writeKeys(t, dir)

	cfg := Default()
	cfg.PrivateKey = weak
	cfg.PublicKey = &weak.PublicKey
	err = cfg.Validate()
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.Contains(t, err.Error(), "1024 bits")

	cfg.PrivateKey = testKey
	cfg.PublicKey = &other.PublicKey
	err = cfg.Validate()
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.Contains(t, err.Error(), "does not match")

	cfg.PublicKey = &testKey.PublicKey
	require.NoError(t, cfg.Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Issuer = ""
	cfg.BcryptCost = 99
	cfg.Store = "files"

	err := cfg.Validate()
	require.ErrorIs(t, err, errs.ErrConfiguration)
	for _, want := range []string{"signing key", "issuer and audience", "bcrypt cost 99", `unknown store backend "files"`} {
		require.Contains(t, err.Error(), want)
	}
}

func TestGenerateKeyPair(t *testing.T) {
	_, _, err := GenerateKeyPair(1024)
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	dir := t.TempDir()
	priv, pub, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private.pem"), priv, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public.pem"), pub, 0o644))

	cfg := Default()
	cfg.SecretsDirs = []string{dir}
	require.NoError(t, cfg.LoadKeys())
	require.True(t, cfg.PrivateKey.PublicKey.Equal(cfg.PublicKey))
	require.Equal(t, 2048, cfg.PublicKey.N.BitLen())
}
