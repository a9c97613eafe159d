package goRotate

import (
	"time"

	"github.com/MrEthical07/goRotate/ledger"
)

// SecurityReport is a read-only snapshot of the engine's security posture,
// returned by [Engine.SecurityReport].
type SecurityReport struct {
	ProductionMode       bool
	SigningAlgorithm     string
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	Leeway               time.Duration
	KeyGraceWindow       time.Duration
	AccessKeyID          string
	RefreshKeyID         string
	LedgerBackend        string
	LedgerRetention      time.Duration
	RefreshThrottle      bool
	PrincipalValidation  bool
	AuditEnabled         bool
	ReplayRevokesFamily  bool
	AccessTokenRevocable bool
}

// SecurityReport describes the active configuration. ReplayRevokesFamily is
// always true and AccessTokenRevocable always false.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil || e.keys == nil {
		return SecurityReport{}
	}

	backend := "custom"
	switch e.ledger.(type) {
	case *ledger.RedisStore:
		backend = "redis"
	case *ledger.PostgresStore:
		backend = "postgres"
	}

	return SecurityReport{
		ProductionMode:       e.config.Security.ProductionMode,
		SigningAlgorithm:     e.config.JWT.SigningMethod,
		AccessTTL:            e.config.JWT.AccessTTL,
		RefreshTTL:           e.config.JWT.RefreshTTL,
		Leeway:               e.config.JWT.Leeway,
		KeyGraceWindow:       e.config.JWT.GraceWindow,
		AccessKeyID:          e.keys.CurrentKeyID(KeyClassAccess),
		RefreshKeyID:         e.keys.CurrentKeyID(KeyClassRefresh),
		LedgerBackend:        backend,
		LedgerRetention:      e.config.Ledger.Retention,
		RefreshThrottle:      e.rateLimiter.Enabled(),
		PrincipalValidation:  e.validate != nil,
		AuditEnabled:         e.audit != nil,
		ReplayRevokesFamily:  true,
		AccessTokenRevocable: false,
	}
}
