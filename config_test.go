package goRotate

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "default config carries no key material")

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cfg.JWT.AccessKey.PrivateKey = priv
	cfg.JWT.RefreshKey.PrivateKey = priv2
	require.NoError(t, cfg.Validate())
}

func TestHighSecurityConfigIsValid(t *testing.T) {
	cfg := HighSecurityConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.RootSecret = bytes.Repeat([]byte("h"), 32)

	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Security.ProductionMode)
	assert.LessOrEqual(t, cfg.JWT.AccessTTL, 15*time.Minute)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "baseline", mutate: func(*Config) {}, ok: true},
		{name: "zero access ttl", mutate: func(c *Config) { c.JWT.AccessTTL = 0 }},
		{name: "refresh not longer than access", mutate: func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL }},
		{name: "negative leeway", mutate: func(c *Config) { c.JWT.Leeway = -time.Second }},
		{name: "leeway above 2m", mutate: func(c *Config) { c.JWT.Leeway = 3 * time.Minute }},
		{name: "blank issuer", mutate: func(c *Config) { c.JWT.Issuer = "  " }},
		{name: "shared key id", mutate: func(c *Config) { c.JWT.RefreshKey.ID = c.JWT.AccessKey.ID }},
		{name: "short explicit secret", mutate: func(c *Config) { c.JWT.AccessKey.Secret = []byte("short") }},
		{name: "short root secret", mutate: func(c *Config) { c.JWT.RootSecret = []byte("short") }},
		{name: "no hs256 material", mutate: func(c *Config) { c.JWT.RootSecret = nil }},
		{
			name: "explicit secrets without root",
			mutate: func(c *Config) {
				c.JWT.RootSecret = nil
				c.JWT.AccessKey.Secret = bytes.Repeat([]byte("a"), 32)
				c.JWT.RefreshKey.Secret = bytes.Repeat([]byte("r"), 32)
			},
			ok: true,
		},
		{
			name: "retired key",
			mutate: func(c *Config) {
				c.JWT.RetiredAccessKeys = []RetiredKeyConfig{{ID: "access-0", RetiredAt: time.Now()}}
			},
			ok: true,
		},
		{
			name: "retired key without time",
			mutate: func(c *Config) {
				c.JWT.RetiredAccessKeys = []RetiredKeyConfig{{ID: "access-0"}}
			},
		},
		{
			name: "retired key reusing current id",
			mutate: func(c *Config) {
				c.JWT.RetiredRefreshKeys = []RetiredKeyConfig{{ID: c.JWT.RefreshKey.ID, RetiredAt: time.Now()}}
			},
		},
		{name: "unknown method", mutate: func(c *Config) { c.JWT.SigningMethod = "rs256" }},
		{name: "ed25519 without keys", mutate: func(c *Config) { c.JWT.SigningMethod = "ed25519" }},
		{name: "blank prefix", mutate: func(c *Config) { c.Ledger.RedisPrefix = "" }},
		{name: "retention below refresh ttl", mutate: func(c *Config) { c.Ledger.Retention = time.Hour }},
		{name: "retention above refresh ttl", mutate: func(c *Config) { c.Ledger.Retention = 30 * 24 * time.Hour }, ok: true},
		{
			name: "throttle without budget",
			mutate: func(c *Config) {
				c.Security.EnableRefreshThrottle = true
				c.Security.MaxRefreshAttempts = 0
			},
		},
		{
			name: "audit without buffer",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.BufferSize = 0
			},
		},
		{
			name: "production with long access ttl",
			mutate: func(c *Config) {
				c.Security.ProductionMode = true
				c.Security.EnableRefreshThrottle = true
				c.JWT.AccessTTL = time.Hour
			},
		},
		{
			name: "production without throttle",
			mutate: func(c *Config) {
				c.Security.ProductionMode = true
				c.Security.EnableRefreshThrottle = false
			},
		},
		{
			name: "production",
			mutate: func(c *Config) {
				c.Security.ProductionMode = true
				c.Security.EnableRefreshThrottle = true
			},
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := engineTestConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfigLint(t *testing.T) {
	cfg := engineTestConfig()
	codes := cfg.Lint().Codes()
	assert.ElementsMatch(t, []string{
		"access_ttl_long",
		"hs256_shared_secret",
		"refresh_throttle_disabled",
		"audit_disabled",
		"ledger_retention_unbounded",
	}, codes)

	cfg.JWT.AccessTTL = 5 * time.Minute
	cfg.JWT.RefreshTTL = 30 * 24 * time.Hour
	cfg.JWT.Leeway = 90 * time.Second
	cfg.JWT.GraceWindow = 40 * 24 * time.Hour
	cfg.Security.EnableRefreshThrottle = true
	cfg.Audit.Enabled = true
	cfg.Ledger.PostgresDSN = "postgres://localhost/gorotate"
	codes = cfg.Lint().Codes()
	assert.ElementsMatch(t, []string{
		"leeway_large",
		"refresh_ttl_long",
		"grace_exceeds_refresh_ttl",
		"hs256_shared_secret",
		"audit_drop_if_full",
	}, codes)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`jwt:
  issuer: billing
  signing_method: hs256
  root_secret: 0123456789abcdef0123456789abcdef
  access_ttl: 5m
ledger:
  redis_prefix: bill
security:
  max_refresh_attempts: 7
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gorotate.yaml"), body, 0o600))
	t.Setenv("GOROTATE_JWT_REFRESH_TTL", "48h")
	t.Setenv("GOROTATE_AUDIT_ENABLED", "true")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.JWT.Issuer)
	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, 48*time.Hour, cfg.JWT.RefreshTTL)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), cfg.JWT.RootSecret)
	assert.Equal(t, "bill", cfg.Ledger.RedisPrefix)
	assert.Equal(t, 7, cfg.Security.MaxRefreshAttempts)
	assert.True(t, cfg.Audit.Enabled)

	// untouched keys keep their defaults
	assert.Equal(t, "access-1", cfg.JWT.AccessKey.ID)
	assert.Zero(t, cfg.JWT.Leeway)
	assert.Equal(t, time.Minute, cfg.Security.RefreshCooldownDuration)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigRetiredKeys(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`jwt:
  signing_method: hs256
  root_secret: 0123456789abcdef0123456789abcdef
  access_key:
    id: access-2
  retired_access_keys:
    - id: access-1
      retired_at: "2026-03-01T12:00:00Z"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gorotate.yaml"), body, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Len(t, cfg.JWT.RetiredAccessKeys, 1)
	assert.Equal(t, "access-1", cfg.JWT.RetiredAccessKeys[0].ID)
	assert.True(t, cfg.JWT.RetiredAccessKeys[0].RetiredAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Empty(t, cfg.JWT.RetiredRefreshKeys)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().JWT.Issuer, cfg.JWT.Issuer)
	assert.Equal(t, DefaultConfig().JWT.AccessTTL, cfg.JWT.AccessTTL)
}

func TestBuildRejectsIncompleteSetup(t *testing.T) {
	cfg := engineTestConfig()

	_, err := New().WithConfig(cfg).WithLedger(nil).Build()
	require.Error(t, err, "principal provider is required")

	cfg.Security.EnableRefreshThrottle = true
	_, err = New().WithConfig(cfg).WithPrincipalProvider(newStubPrincipals()).Build()
	require.Error(t, err, "throttle without redis must fail")

	cfg.Security.EnableRefreshThrottle = false
	_, err = New().WithConfig(cfg).WithPrincipalProvider(newStubPrincipals()).Build()
	require.Error(t, err, "no ledger configured")
}
