package goRotate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config defines the goRotate engine configuration.
//
// Config instances are intended to be configured during initialization and then
// treated as immutable. Field tags follow viper/mapstructure naming so the same
// struct can be loaded from a file with [LoadConfig].
type Config struct {
	JWT      JWTConfig      `mapstructure:"jwt"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Security SecurityConfig `mapstructure:"security"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig holds token lifetimes and the initial signing keys of both classes.
//
// With SigningMethod "hs256" each class uses its own Secret; when a class secret
// is empty it is derived from RootSecret and the class key id. With "ed25519"
// each class needs a PrivateKey (raw or PEM).
type JWTConfig struct {
	Issuer         string        `mapstructure:"issuer"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	Leeway         time.Duration `mapstructure:"leeway"`
	SigningMethod  string        `mapstructure:"signing_method"`
	RootSecret     []byte        `mapstructure:"root_secret"`
	AccessKey      KeyConfig     `mapstructure:"access_key"`
	RefreshKey     KeyConfig     `mapstructure:"refresh_key"`
	GraceWindow    time.Duration `mapstructure:"grace_window"`
	MaxRetiredKeys int           `mapstructure:"max_retired_keys"`

	// RetiredAccessKeys and RetiredRefreshKeys restore keys retired by an
	// earlier process, so tokens they signed keep verifying for the rest of
	// GraceWindow after a restart and on every replica.
	RetiredAccessKeys  []RetiredKeyConfig `mapstructure:"retired_access_keys"`
	RetiredRefreshKeys []RetiredKeyConfig `mapstructure:"retired_refresh_keys"`
}

// KeyConfig is the initial current key of one class.
type KeyConfig struct {
	ID         string `mapstructure:"id"`
	Secret     []byte `mapstructure:"secret"`
	PrivateKey []byte `mapstructure:"private_key"`
	PublicKey  []byte `mapstructure:"public_key"`
}

// RetiredKeyConfig is a verify-only key accepted until RetiredAt plus GraceWindow.
// HS256 keys without a Secret derive it from RootSecret like current keys do;
// Ed25519 keys need PublicKey.
type RetiredKeyConfig struct {
	ID        string    `mapstructure:"id"`
	Secret    []byte    `mapstructure:"secret"`
	PublicKey []byte    `mapstructure:"public_key"`
	RetiredAt time.Time `mapstructure:"retired_at"`
}

/*
====================================
LEDGER CONFIG
====================================
*/

// LedgerConfig configures the refresh token ledger.
type LedgerConfig struct {
	// RedisPrefix namespaces every ledger key when the Redis backend is used.
	RedisPrefix string `mapstructure:"redis_prefix"`
	// Retention is the TTL applied to Redis ledger entries. Zero keeps entries
	// forever. It must exceed RefreshTTL so live tokens never lose their record.
	Retention time.Duration `mapstructure:"retention"`
	// PostgresDSN opens a Postgres ledger in Build when no other ledger is wired.
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// AutoMigrate applies the embedded schema migrations to a Postgres ledger in Build.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig toggles hardening behavior.
type SecurityConfig struct {
	ProductionMode          bool          `mapstructure:"production_mode"`
	EnableRefreshThrottle   bool          `mapstructure:"enable_refresh_throttle"`
	MaxRefreshAttempts      int           `mapstructure:"max_refresh_attempts"`
	RefreshCooldownDuration time.Duration `mapstructure:"refresh_cooldown_duration"`
	// ValidatePrincipals runs struct validation on principals passed to Login.
	ValidatePrincipals bool `mapstructure:"validate_principals"`
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	DropIfFull bool `mapstructure:"drop_if_full"`
}

// MetricsConfig controls in-process counters and the refresh latency histogram.
type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Keys are not set; callers
// must provide key material before Build.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			Issuer:         "gorotate",
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			Leeway:         0,
			SigningMethod:  "ed25519",
			AccessKey:      KeyConfig{ID: "access-1"},
			RefreshKey:     KeyConfig{ID: "refresh-1"},
			GraceWindow:    15 * time.Minute,
			MaxRetiredKeys: 4,
		},
		Ledger: LedgerConfig{
			RedisPrefix: "rf",
			Retention:   0,
		},
		Security: SecurityConfig{
			ProductionMode:          false,
			EnableRefreshThrottle:   true,
			MaxRefreshAttempts:      20,
			RefreshCooldownDuration: time.Minute,
			ValidatePrincipals:      true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// HighSecurityConfig returns a production-ready preset: short TTLs, production
// mode, throttling, and audit enabled.
func HighSecurityConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.AccessTTL = 5 * time.Minute
	cfg.JWT.RefreshTTL = 24 * time.Hour
	cfg.JWT.GraceWindow = 5 * time.Minute
	cfg.Security.ProductionMode = true
	cfg.Security.MaxRefreshAttempts = 10
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	cfg.Metrics.Enabled = true
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.RootSecret = cloneBytes(cfg.JWT.RootSecret)
	out.JWT.AccessKey = cloneKey(cfg.JWT.AccessKey)
	out.JWT.RefreshKey = cloneKey(cfg.JWT.RefreshKey)
	out.JWT.RetiredAccessKeys = cloneRetired(cfg.JWT.RetiredAccessKeys)
	out.JWT.RetiredRefreshKeys = cloneRetired(cfg.JWT.RetiredRefreshKeys)
	return out
}

func cloneRetired(keys []RetiredKeyConfig) []RetiredKeyConfig {
	if len(keys) == 0 {
		return nil
	}
	out := make([]RetiredKeyConfig, len(keys))
	for i, k := range keys {
		k.Secret = cloneBytes(k.Secret)
		k.PublicKey = cloneBytes(k.PublicKey)
		out[i] = k
	}
	return out
}

func cloneKey(k KeyConfig) KeyConfig {
	k.Secret = cloneBytes(k.Secret)
	k.PrivateKey = cloneBytes(k.PrivateKey)
	k.PublicKey = cloneBytes(k.PublicKey)
	return k
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
LOADING
====================================
*/

// LoadConfig reads a config file named "gorotate" (yaml, json or toml) from
// path on top of [DefaultConfig]. Environment variables prefixed GOROTATE_
// override file values, e.g. GOROTATE_JWT_ACCESS_TTL=10m.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("gorotate")
	v.SetEnvPrefix("GOROTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setViperDefaults registers every leaf key so AutomaticEnv can override keys
// that are absent from the file.
func setViperDefaults(v *viper.Viper, d Config) {
	v.SetDefault("jwt.issuer", d.JWT.Issuer)
	v.SetDefault("jwt.access_ttl", d.JWT.AccessTTL)
	v.SetDefault("jwt.refresh_ttl", d.JWT.RefreshTTL)
	v.SetDefault("jwt.leeway", d.JWT.Leeway)
	v.SetDefault("jwt.signing_method", d.JWT.SigningMethod)
	v.SetDefault("jwt.root_secret", "")
	v.SetDefault("jwt.access_key.id", d.JWT.AccessKey.ID)
	v.SetDefault("jwt.access_key.secret", "")
	v.SetDefault("jwt.access_key.private_key", "")
	v.SetDefault("jwt.access_key.public_key", "")
	v.SetDefault("jwt.refresh_key.id", d.JWT.RefreshKey.ID)
	v.SetDefault("jwt.refresh_key.secret", "")
	v.SetDefault("jwt.refresh_key.private_key", "")
	v.SetDefault("jwt.refresh_key.public_key", "")
	v.SetDefault("jwt.grace_window", d.JWT.GraceWindow)
	v.SetDefault("jwt.max_retired_keys", d.JWT.MaxRetiredKeys)

	v.SetDefault("ledger.redis_prefix", d.Ledger.RedisPrefix)
	v.SetDefault("ledger.retention", d.Ledger.Retention)
	v.SetDefault("ledger.postgres_dsn", d.Ledger.PostgresDSN)
	v.SetDefault("ledger.auto_migrate", d.Ledger.AutoMigrate)

	v.SetDefault("security.production_mode", d.Security.ProductionMode)
	v.SetDefault("security.enable_refresh_throttle", d.Security.EnableRefreshThrottle)
	v.SetDefault("security.max_refresh_attempts", d.Security.MaxRefreshAttempts)
	v.SetDefault("security.refresh_cooldown_duration", d.Security.RefreshCooldownDuration)
	v.SetDefault("security.validate_principals", d.Security.ValidatePrincipals)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("audit.drop_if_full", d.Audit.DropIfFull)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.enable_latency_histograms", d.Metrics.EnableLatencyHistograms)
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks structural and security constraints. Build calls it before
// any key material is resolved.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be greater than AccessTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		return errors.New("JWT Issuer is required")
	}
	if c.JWT.GraceWindow < 0 {
		return errors.New("JWT GraceWindow must be >= 0")
	}
	if c.JWT.MaxRetiredKeys < 0 {
		return errors.New("JWT MaxRetiredKeys must be >= 0")
	}
	if strings.TrimSpace(c.JWT.AccessKey.ID) == "" || strings.TrimSpace(c.JWT.RefreshKey.ID) == "" {
		return errors.New("JWT access and refresh key ids are required")
	}
	if c.JWT.AccessKey.ID == c.JWT.RefreshKey.ID {
		return errors.New("JWT access and refresh keys must use distinct ids")
	}

	switch c.JWT.SigningMethod {
	case "hs256":
		for _, k := range []KeyConfig{c.JWT.AccessKey, c.JWT.RefreshKey} {
			if len(k.Secret) == 0 && len(c.JWT.RootSecret) == 0 {
				return fmt.Errorf("JWT key %q needs a Secret or a RootSecret to derive from", k.ID)
			}
			if len(k.Secret) > 0 && len(k.Secret) < 32 {
				return fmt.Errorf("JWT key %q secret must be at least 32 bytes", k.ID)
			}
		}
		if len(c.JWT.RootSecret) > 0 && len(c.JWT.RootSecret) < 32 {
			return errors.New("JWT RootSecret must be at least 32 bytes")
		}
	case "ed25519":
		for _, k := range []KeyConfig{c.JWT.AccessKey, c.JWT.RefreshKey} {
			if len(k.PrivateKey) == 0 {
				return fmt.Errorf("JWT key %q requires a PrivateKey for ed25519", k.ID)
			}
		}
	default:
		return errors.New("JWT SigningMethod must be 'ed25519' or 'hs256'")
	}
	if err := validateRetired(c.JWT, c.JWT.AccessKey.ID, c.JWT.RetiredAccessKeys); err != nil {
		return err
	}
	if err := validateRetired(c.JWT, c.JWT.RefreshKey.ID, c.JWT.RetiredRefreshKeys); err != nil {
		return err
	}

	// Ledger
	if strings.TrimSpace(c.Ledger.RedisPrefix) == "" {
		return errors.New("Ledger RedisPrefix is required")
	}
	if c.Ledger.Retention < 0 {
		return errors.New("Ledger Retention must be >= 0")
	}
	if c.Ledger.Retention > 0 && c.Ledger.Retention <= c.JWT.RefreshTTL {
		return errors.New("Ledger Retention must exceed JWT RefreshTTL")
	}

	// Security
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("MaxRefreshAttempts must be > 0 when refresh throttle is enabled")
		}
		if c.Security.RefreshCooldownDuration <= 0 {
			return errors.New("RefreshCooldownDuration must be > 0 when refresh throttle is enabled")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > 15*time.Minute {
			return errors.New("ProductionMode requires JWT AccessTTL <= 15m")
		}
		if c.JWT.RefreshTTL > 30*24*time.Hour {
			return errors.New("ProductionMode requires JWT RefreshTTL <= 30d")
		}
		if !c.Security.EnableRefreshThrottle {
			return errors.New("ProductionMode requires EnableRefreshThrottle")
		}
		if !c.Security.ValidatePrincipals {
			return errors.New("ProductionMode requires ValidatePrincipals")
		}
	}

	return nil
}

func validateRetired(j JWTConfig, currentID string, keys []RetiredKeyConfig) error {
	seen := map[string]struct{}{currentID: {}}
	for _, k := range keys {
		if strings.TrimSpace(k.ID) == "" {
			return errors.New("JWT retired key id is required")
		}
		if _, dup := seen[k.ID]; dup {
			return fmt.Errorf("JWT retired key %q duplicates another key id of its class", k.ID)
		}
		seen[k.ID] = struct{}{}
		if k.RetiredAt.IsZero() {
			return fmt.Errorf("JWT retired key %q requires RetiredAt", k.ID)
		}
		switch j.SigningMethod {
		case "hs256":
			if len(k.Secret) == 0 && len(j.RootSecret) == 0 {
				return fmt.Errorf("JWT retired key %q needs a Secret or a RootSecret to derive from", k.ID)
			}
			if len(k.Secret) > 0 && len(k.Secret) < 32 {
				return fmt.Errorf("JWT retired key %q secret must be at least 32 bytes", k.ID)
			}
		case "ed25519":
			if len(k.PublicKey) == 0 {
				return fmt.Errorf("JWT retired key %q requires a PublicKey for ed25519", k.ID)
			}
		}
	}
	return nil
}

/*
====================================
LINT
====================================
*/

// LintWarning is a non-fatal configuration finding returned by [Config.Lint].
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of [Config.Lint].
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports settings that pass Validate but are unusual or risky.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, msg string) {
		ws = append(ws, LintWarning{Code: code, Message: msg})
	}

	if c.JWT.Leeway > time.Minute {
		add("leeway_large", "JWT Leeway above 1m widens the window for expired tokens")
	}
	if c.JWT.AccessTTL > 10*time.Minute {
		add("access_ttl_long", "access tokens cannot be revoked; keep AccessTTL short")
	}
	if c.JWT.RefreshTTL > 14*24*time.Hour {
		add("refresh_ttl_long", "RefreshTTL above 14d keeps families alive for a long time")
	}
	if c.JWT.GraceWindow > c.JWT.RefreshTTL {
		add("grace_exceeds_refresh_ttl", "GraceWindow longer than RefreshTTL keeps retired keys beyond any token they signed")
	}
	if c.JWT.SigningMethod == "hs256" {
		add("hs256_shared_secret", "hs256 requires sharing the secret with every verifier")
	}
	if !c.Security.EnableRefreshThrottle {
		add("refresh_throttle_disabled", "refresh attempts are not throttled")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", "replay and revocation outcomes are not audited")
	}
	if c.Audit.Enabled && c.Audit.DropIfFull {
		add("audit_drop_if_full", "audit events are dropped when the buffer is full")
	}
	if c.Ledger.Retention == 0 && c.Ledger.PostgresDSN == "" {
		add("ledger_retention_unbounded", "Redis ledger entries are kept forever")
	}

	return ws
}
