package goRotate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/goRotate/internal"
	internalaudit "github.com/MrEthical07/goRotate/internal/audit"
	"github.com/MrEthical07/goRotate/internal/flows"
	"github.com/MrEthical07/goRotate/internal/rate"
	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

// Builder assembles an [Engine]. A Builder is single use: Build may succeed once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  ledger.Store
	pgDB   *sql.DB

	principals PrincipalProvider
	auditSink  AuditSink
	logger     logrus.FieldLogger
	now        func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The config is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client. Unless another ledger is wired, Build uses it
// for the refresh ledger; it is always used by the refresh throttle.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLedger wires a custom ledger implementation. It takes precedence over
// WithPostgres and WithRedis for ledger storage.
func (b *Builder) WithLedger(store ledger.Store) *Builder {
	b.store = store
	return b
}

// WithPostgres uses db (opened with the pgx stdlib driver) for the refresh
// ledger. The engine does not close db.
func (b *Builder) WithPostgres(db *sql.DB) *Builder {
	b.pgDB = db
	return b
}

// WithPrincipalProvider sets the account-storage collaborator consulted on refresh.
func (b *Builder) WithPrincipalProvider(p PrincipalProvider) *Builder {
	b.principals = p
	return b
}

// WithAuditSink sets the sink that receives audit events when audit is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. The default is logrus.StandardLogger().
func (b *Builder) WithLogger(l logrus.FieldLogger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides the time source used for minting and verification.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the refresh latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, resolves key material, selects the ledger
// backend and returns a ready Engine.
//
// Ledger selection order: WithLedger, WithPostgres, WithRedis, then
// Ledger.PostgresDSN. Build fails when none is available.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.principals == nil {
		return nil, errors.New("principal provider required")
	}
	if cfg.Security.EnableRefreshThrottle && b.redis == nil {
		return nil, errors.New("refresh throttle requires redis client")
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// -------- KEYS --------
	keys, err := newKeyProvider(cfg.JWT, b.now)
	if err != nil {
		return nil, err
	}
	access, err := jwt.NewAccessIssuer(keys)
	if err != nil {
		return nil, err
	}

	// -------- LEDGER --------
	store, owned, err := b.resolveLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:      cfg,
		keys:        keys,
		access:      access,
		ledger:      store,
		ownedLedger: owned,
		principals:  b.principals,
		logger:      logger,
		audit:       internalaudit.NewDispatcher(internalaudit.Config(cfg.Audit), b.auditSink),
		metrics:     NewMetrics(cfg.Metrics),
	}
	if b.redis != nil {
		engine.rateLimiter = rate.New(b.redis, rate.Config{
			EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
			MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
			RefreshCooldownDuration: cfg.Security.RefreshCooldownDuration,
		})
	}
	if cfg.Security.ValidatePrincipals {
		engine.validate = validator.New()
	}

	engine.flow = flows.New(engine.flowDeps())

	b.built = true

	logger.WithFields(logrus.Fields{
		"ledger":         fmt.Sprintf("%T", store),
		"signing_method": cfg.JWT.SigningMethod,
		"throttle":       engine.rateLimiter.Enabled(),
	}).Info("gorotate engine ready")

	return engine, nil
}

func (b *Builder) resolveLedger(cfg LedgerConfig) (ledger.Store, *ledger.PostgresStore, error) {
	switch {
	case b.store != nil:
		return b.store, nil, nil
	case b.pgDB != nil:
		pg := ledger.NewPostgresStore(b.pgDB)
		if err := migrateIfEnabled(pg, cfg); err != nil {
			return nil, nil, err
		}
		return pg, nil, nil
	case b.redis != nil:
		return ledger.NewRedisStore(b.redis, cfg.RedisPrefix, cfg.Retention), nil, nil
	case cfg.PostgresDSN != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := ledger.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := migrateIfEnabled(pg, cfg); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, pg, nil
	default:
		return nil, nil, errors.New("refresh ledger required: use WithLedger, WithPostgres, WithRedis or Ledger.PostgresDSN")
	}
}

func migrateIfEnabled(pg *ledger.PostgresStore, cfg LedgerConfig) error {
	if !cfg.AutoMigrate {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return pg.Migrate(ctx)
}

func newKeyProvider(cfg JWTConfig, now func() time.Time) (*jwt.Provider, error) {
	accessKey, err := initialKey(cfg, jwt.ClassAccess, cfg.AccessKey)
	if err != nil {
		return nil, err
	}
	refreshKey, err := initialKey(cfg, jwt.ClassRefresh, cfg.RefreshKey)
	if err != nil {
		return nil, err
	}
	retiredAccess, err := retiredKeys(cfg, jwt.ClassAccess, cfg.RetiredAccessKeys)
	if err != nil {
		return nil, err
	}
	retiredRefresh, err := retiredKeys(cfg, jwt.ClassRefresh, cfg.RetiredRefreshKeys)
	if err != nil {
		return nil, err
	}

	return jwt.NewProvider(jwt.Config{
		Issuer: cfg.Issuer,
		Leeway: cfg.Leeway,
		Now:    now,
		Access: jwt.ClassConfig{
			TTL:         cfg.AccessTTL,
			Current:     accessKey,
			Retired:     retiredAccess,
			GraceWindow: cfg.GraceWindow,
			MaxRetired:  cfg.MaxRetiredKeys,
		},
		Refresh: jwt.ClassConfig{
			TTL:         cfg.RefreshTTL,
			Current:     refreshKey,
			Retired:     retiredRefresh,
			GraceWindow: cfg.GraceWindow,
			MaxRetired:  cfg.MaxRetiredKeys,
		},
	})
}

func initialKey(cfg JWTConfig, class jwt.KeyClass, kc KeyConfig) (jwt.Key, error) {
	key := jwt.Key{
		ID:     kc.ID,
		Method: jwt.SigningMethod(cfg.SigningMethod),
	}
	switch key.Method {
	case jwt.MethodHS256:
		key.Secret = cloneBytes(kc.Secret)
		if len(key.Secret) == 0 {
			derived, err := jwt.DeriveSecret(cfg.RootSecret, class, kc.ID)
			if err != nil {
				return jwt.Key{}, fmt.Errorf("%s key: %w", class, err)
			}
			key.Secret = derived
		}
	case jwt.MethodEd25519:
		key.PrivateKey = cloneBytes(kc.PrivateKey)
		key.PublicKey = cloneBytes(kc.PublicKey)
	}
	return key, nil
}

func retiredKeys(cfg JWTConfig, class jwt.KeyClass, rcs []RetiredKeyConfig) ([]jwt.Key, error) {
	keys := make([]jwt.Key, 0, len(rcs))
	for _, rc := range rcs {
		key, err := initialKey(cfg, class, KeyConfig{ID: rc.ID, Secret: rc.Secret, PublicKey: rc.PublicKey})
		if err != nil {
			return nil, err
		}
		key.RetiredAt = rc.RetiredAt
		keys = append(keys, key)
	}
	return keys, nil
}

// principalToFlow and principalFromFlow keep the public type out of internal/flows.
func principalToFlow(p Principal) flows.Principal {
	return flows.Principal{ID: p.ID, Email: p.Email, Role: p.Role, PremiumUntil: p.PremiumUntil}
}

func principalFromFlow(p flows.Principal) Principal {
	return Principal{ID: p.ID, Email: p.Email, Role: p.Role, PremiumUntil: p.PremiumUntil}
}

func (e *Engine) flowDeps() flows.Deps {
	issue := flows.IssueDeps{
		Keys:       e.keys,
		Access:     e.access,
		NewTokenID: internal.NewTokenID,
	}
	parse := func(tok string) (*jwt.RefreshClaims, error) {
		return jwt.ParseRefresh(e.keys, tok)
	}

	refresh := flows.RefreshDeps{
		ParseRefresh: parse,
		LoadPrincipal: func(ctx context.Context, id string) (flows.Principal, error) {
			p, err := e.principals.GetPrincipal(ctx, id)
			if err != nil {
				return flows.Principal{}, err
			}
			return principalToFlow(p), nil
		},
		Issue:  issue,
		Ledger: e.ledger,
	}
	if e.rateLimiter.Enabled() {
		refresh.RateLimiter = e.rateLimiter
	}

	var validatePrincipal func(flows.Principal) error
	if e.validate != nil {
		validatePrincipal = func(p flows.Principal) error {
			return e.validate.Struct(principalFromFlow(p))
		}
	}

	return flows.Deps{
		Login: flows.LoginDeps{
			ValidatePrincipal: validatePrincipal,
			NewFamilyID:       internal.NewFamilyID,
			Issue:             issue,
			Ledger:            e.ledger,
		},
		Refresh: refresh,
		Logout: flows.LogoutDeps{
			ParseRefresh: parse,
			Ledger:       e.ledger,
		},
		Introspection: flows.IntrospectionDeps{
			Ledger:            e.ledger,
			EngineNotReadyErr: ErrEngineNotReady,
		},
	}
}
