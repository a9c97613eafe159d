package goRotate

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrEthical07/goRotate/internal/audit"
	internalmetrics "github.com/MrEthical07/goRotate/internal/metrics"
	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

// Principal is the account snapshot a credential pair is minted for. Email and
// Role are embedded in access tokens; PremiumUntil is evaluated once per mint.
type Principal struct {
	ID           string `validate:"required,max=128"`
	Email        string `validate:"required,email"`
	Role         string `validate:"required,max=64"`
	PremiumUntil time.Time
}

// PrincipalProvider is the account-storage collaborator consulted on every
// refresh. GetPrincipal returns [ErrPrincipalNotFound] (or an error wrapping it)
// when the account no longer exists.
type PrincipalProvider interface {
	GetPrincipal(ctx context.Context, principalID string) (Principal, error)
}

// TokenPair is returned by [Engine.Login] and [Engine.Refresh]. The refresh
// token is opaque to clients and must be presented exactly once.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	FamilyID         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessResult is the decoded content of a verified access token, returned by
// [Engine.VerifyAccess]. Verification uses signature and expiry only.
type AccessResult struct {
	PrincipalID string
	Email       string
	Role        string
	Premium     bool
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// FamilyInfo is a read-only view of one refresh family, returned by
// [Engine.FamilyInfo]. Records are ordered from the first login record to the
// newest rotation.
type FamilyInfo struct {
	FamilyID      string
	PrincipalID   string
	HeadID        string
	// HeadExpiresAt is the expiry of the head record, zero when that record is gone.
	HeadExpiresAt time.Time
	CreatedAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
	RevokedReason string
	Records       []ledger.Record
}

// KeyClass selects the access or refresh signing key set.
type KeyClass = jwt.KeyClass

const (
	// KeyClassAccess is the key set that signs access tokens.
	KeyClassAccess = jwt.ClassAccess
	// KeyClassRefresh is the key set that signs refresh tokens.
	KeyClassRefresh = jwt.ClassRefresh
)

// SigningKey is one key handed to [Engine.RotateSigningKey].
type SigningKey = jwt.Key

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID = internalmetrics.MetricID

const (
	MetricLoginSuccess          = internalmetrics.MetricLoginSuccess
	MetricLoginFailure          = internalmetrics.MetricLoginFailure
	MetricRefreshSuccess        = internalmetrics.MetricRefreshSuccess
	MetricRefreshFailure        = internalmetrics.MetricRefreshFailure
	MetricRefreshReplayDetected = internalmetrics.MetricRefreshReplayDetected
	MetricRefreshFamilyRevoked  = internalmetrics.MetricRefreshFamilyRevoked
	MetricRefreshNotFound       = internalmetrics.MetricRefreshNotFound
	MetricRefreshRateLimited    = internalmetrics.MetricRefreshRateLimited
	MetricStorageUnavailable    = internalmetrics.MetricStorageUnavailable
	MetricLogout                = internalmetrics.MetricLogout
	MetricLogoutAll             = internalmetrics.MetricLogoutAll
	MetricAccessVerifySuccess   = internalmetrics.MetricAccessVerifySuccess
	MetricAccessVerifyFailure   = internalmetrics.MetricAccessVerifyFailure
	MetricSigningKeyRotated     = internalmetrics.MetricSigningKeyRotated
	// MetricRefreshLatency is the only histogram; it times Engine.Refresh end to end.
	MetricRefreshLatency = internalmetrics.MetricRefreshLatency
)

// Metrics holds atomic counters and optional latency histograms.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a [Metrics] instance configured by cfg. When Enabled is
// false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
