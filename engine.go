package goRotate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	internalaudit "github.com/MrEthical07/goRotate/internal/audit"
	"github.com/MrEthical07/goRotate/internal/flows"
	"github.com/MrEthical07/goRotate/internal/rate"
	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

// Engine is the session facade: it issues credential pairs, rotates refresh
// tokens against the ledger and revokes families.
//
// Engine methods are safe for concurrent use once returned by [Builder.Build].
type Engine struct {
	config      Config
	keys        *jwt.Provider
	access      *jwt.AccessIssuer
	ledger      ledger.Store
	ownedLedger *ledger.PostgresStore
	principals  PrincipalProvider
	rateLimiter *rate.Limiter
	validate    *validator.Validate
	flow        flows.Service
	audit       *internalaudit.Dispatcher
	metrics     *Metrics
	logger      logrus.FieldLogger
}

// Close flushes pending audit events and closes a ledger opened by Build.
// Clients passed to the Builder are left open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.ownedLedger != nil {
		if err := e.ownedLedger.Close(); err != nil {
			e.logger.WithError(err).Warn("closing ledger failed")
		}
	}
}

// AuditDropped returns how many audit events were dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDelivered returns how many audit events reached the sink.
func (e *Engine) AuditDelivered() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Delivered()
}

// MetricsSnapshot returns a copy of the in-process metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.flow.Initialized()
}

func (e *Engine) log(ctx context.Context, fields logrus.Fields) logrus.FieldLogger {
	if ip := clientIPFromContext(ctx); ip != "" {
		fields["client_ip"] = ip
	}
	return e.logger.WithFields(fields)
}

// Login starts a new family for p and returns its first pair. The principal
// snapshot is validated when Security.ValidatePrincipals is set.
func (e *Engine) Login(ctx context.Context, p Principal) (*TokenPair, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	res := e.flow.Login(ctx, principalToFlow(p))

	var err error
	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailurePrincipalInvalid:
		err = fmt.Errorf("%w: %v", ErrPrincipalInvalid, res.Err)
	case flows.LoginFailureStorage:
		err = fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
	default:
		err = fmt.Errorf("issue tokens: %w", res.Err)
	}

	fields := logrus.Fields{"principal_id": p.ID, "family_id": res.FamilyID}
	if err != nil {
		e.metricInc(MetricLoginFailure)
		if res.Failure == flows.LoginFailureStorage {
			e.metricInc(MetricStorageUnavailable)
			e.log(ctx, fields).WithError(res.Err).Error("login failed: ledger unavailable")
		} else {
			e.log(ctx, fields).WithError(err).Info("login rejected")
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, p.ID, res.FamilyID, err, nil)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.log(ctx, fields).Debug("family created")
	e.emitAudit(ctx, auditEventLoginSuccess, true, p.ID, res.FamilyID, nil, func() map[string]string {
		meta := map[string]string{"key_id": e.keys.CurrentKeyID(jwt.ClassRefresh)}
		if ua := userAgentFromContext(ctx); ua != "" {
			meta["user_agent"] = ua
		}
		return meta
	})

	pair := pairFromFlow(res.Pair)
	return &pair, nil
}

// Refresh redeems refreshToken and returns a replacement pair. Exactly one
// redemption of a given token can succeed.
//
// A token that was already rotated revokes its whole family and returns
// [ErrStaleReplay]; a token of a revoked family returns [ErrFamilyRevoked].
// Both match [ErrReauthenticate]. Storage failures return
// [ErrStorageUnavailable] and leave the family unchanged.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	res := e.flow.Refresh(ctx, refreshToken)
	e.metrics.Observe(MetricRefreshLatency, time.Since(start))

	err := refreshError(res)
	e.recordRefresh(ctx, res, err)
	if err != nil {
		return nil, err
	}

	pair := pairFromFlow(res.Pair)
	return &pair, nil
}

func (e *Engine) recordRefresh(ctx context.Context, res flows.RefreshResult, err error) {
	fields := logrus.Fields{
		"family_id":    res.FamilyID,
		"principal_id": res.PrincipalID,
		"outcome":      string(res.State),
	}

	switch res.Failure {
	case flows.RefreshFailureNone:
		e.metricInc(MetricRefreshSuccess)
		e.log(ctx, fields).Debug("refresh rotated")
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.PrincipalID, res.FamilyID, nil, nil)
		return

	case flows.RefreshFailureStaleReplay:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshReplayDetected)
		e.log(ctx, fields).Warn("stale refresh token replayed, family revoked")
		e.emitAudit(ctx, auditEventRefreshReplayDetected, false, res.PrincipalID, res.FamilyID, err, func() map[string]string {
			meta := map[string]string{"reason": ledger.ReasonReplayDetected}
			if ua := userAgentFromContext(ctx); ua != "" {
				meta["user_agent"] = ua
			}
			return meta
		})
		return

	case flows.RefreshFailureFamilyRevoked:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshFamilyRevoked)
		e.log(ctx, fields).Warn("refresh attempted on revoked family")
		e.emitAudit(ctx, auditEventRefreshFamilyRevoked, false, res.PrincipalID, res.FamilyID, err, nil)
		return

	case flows.RefreshFailureRateLimited:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshRateLimited)
		e.log(ctx, fields).Info("refresh rate limited")
		e.emitAudit(ctx, auditEventRefreshRateLimited, false, res.PrincipalID, res.FamilyID, err, nil)
		return

	case flows.RefreshFailureUnavailable:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricStorageUnavailable)
		entry := e.log(ctx, fields).WithError(res.Err)
		if res.Passed(flows.RefreshStaleReplay) {
			// the replay is known but the family may still be live
			entry.Error("stale refresh token replayed, family revocation failed")
		} else {
			entry.Error("refresh failed: ledger unavailable")
		}
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.PrincipalID, res.FamilyID, err, func() map[string]string {
			return map[string]string{"state": string(res.State), "replay": fmt.Sprint(res.Passed(flows.RefreshStaleReplay))}
		})
		return
	}

	e.metricInc(MetricRefreshFailure)
	if res.Failure == flows.RefreshFailureNotFound {
		e.metricInc(MetricRefreshNotFound)
	}
	e.log(ctx, fields).WithError(err).Info("refresh rejected")
	e.emitAudit(ctx, auditEventRefreshInvalid, false, res.PrincipalID, res.FamilyID, err, func() map[string]string {
		return map[string]string{"state": string(res.State)}
	})
}

// refreshError maps a flow outcome to the root error set.
func refreshError(res flows.RefreshResult) error {
	switch res.Failure {
	case flows.RefreshFailureNone:
		return nil
	case flows.RefreshFailureMalformed:
		return fmt.Errorf("%w: %v", ErrMalformedToken, res.Err)
	case flows.RefreshFailureExpired:
		return fmt.Errorf("%w: %v", ErrExpiredToken, res.Err)
	case flows.RefreshFailureSignature:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, res.Err)
	case flows.RefreshFailureRateLimited:
		return ErrRefreshRateLimited
	case flows.RefreshFailureNotFound:
		return ErrRefreshNotFound
	case flows.RefreshFailureStaleReplay:
		return ErrStaleReplay
	case flows.RefreshFailureFamilyRevoked:
		return ErrFamilyRevoked
	case flows.RefreshFailurePrincipal:
		if errors.Is(res.Err, ErrPrincipalNotFound) {
			return fmt.Errorf("%w: %v", ErrPrincipalNotFound, res.Err)
		}
		return fmt.Errorf("%w: principal lookup: %v", ErrStorageUnavailable, res.Err)
	case flows.RefreshFailureUnavailable:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
	default:
		return fmt.Errorf("issue tokens: %w", res.Err)
	}
}

// tokenError maps a jwt verification error to the root error set.
func tokenError(err error) error {
	switch flows.ClassifyTokenError(err) {
	case flows.TokenFailureExpired:
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case flows.TokenFailureSignature:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// ledgerError maps ledger errors outside the refresh path.
func ledgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEngineNotReady):
		return err
	case errors.Is(err, ledger.ErrNotFound):
		return ErrRefreshNotFound
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}

// Logout revokes the family of refreshToken. Any token of the family may be
// presented, rotated or not, as long as its signature and lifetime are valid.
// Logging out an already revoked family succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	res := e.flow.Logout(ctx, refreshToken)

	var err error
	switch res.Failure {
	case flows.LogoutFailureNone:
	case flows.LogoutFailureMalformed, flows.LogoutFailureExpired, flows.LogoutFailureSignature:
		err = tokenError(res.Err)
	case flows.LogoutFailureNotFound:
		err = ErrRefreshNotFound
	default:
		err = fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
	}

	fields := logrus.Fields{"family_id": res.FamilyID, "principal_id": res.PrincipalID}
	if err != nil {
		if res.Failure == flows.LogoutFailureUnavailable {
			e.metricInc(MetricStorageUnavailable)
			e.log(ctx, fields).WithError(res.Err).Error("logout failed: ledger unavailable")
		}
		e.emitAudit(ctx, auditEventLogoutFamily, false, res.PrincipalID, res.FamilyID, err, nil)
		return err
	}

	e.metricInc(MetricLogout)
	e.log(ctx, fields).Info("family logged out")
	e.emitAudit(ctx, auditEventLogoutFamily, true, res.PrincipalID, res.FamilyID, nil, func() map[string]string {
		return map[string]string{"reason": ledger.ReasonLogout}
	})
	return nil
}

// LogoutAll revokes every family of principalID and returns how many families
// were newly revoked.
func (e *Engine) LogoutAll(ctx context.Context, principalID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if strings.TrimSpace(principalID) == "" {
		return 0, fmt.Errorf("%w: principal id required", ErrPrincipalInvalid)
	}

	n, err := e.flow.LogoutAll(ctx, principalID)
	fields := logrus.Fields{"principal_id": principalID, "families": n}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		e.metricInc(MetricStorageUnavailable)
		e.log(ctx, fields).WithError(err).Error("logout all failed")
		e.emitAudit(ctx, auditEventLogoutAll, false, principalID, "", err, nil)
		return n, err
	}

	e.metricInc(MetricLogoutAll)
	e.log(ctx, fields).Info("all families logged out")
	e.emitAudit(ctx, auditEventLogoutAll, true, principalID, "", nil, func() map[string]string {
		return map[string]string{"families": fmt.Sprint(n)}
	})
	return n, nil
}

// VerifyAccess checks an access token's signature and expiry. It performs no
// storage lookup, so a token stays valid until it expires even after its
// family is revoked.
func (e *Engine) VerifyAccess(accessToken string) (*AccessResult, error) {
	if e == nil || e.access == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.access.Verify(accessToken)
	if err != nil {
		e.metricInc(MetricAccessVerifyFailure)
		return nil, tokenError(err)
	}
	e.metricInc(MetricAccessVerifySuccess)

	out := &AccessResult{
		PrincipalID: claims.PrincipalID,
		Email:       claims.Email,
		Role:        claims.Role,
		Premium:     claims.Premium,
		TokenID:     claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// RotateSigningKey installs key as the signing key of class. The previous key
// keeps verifying for the configured grace window.
func (e *Engine) RotateSigningKey(ctx context.Context, class KeyClass, key SigningKey) error {
	if e == nil || e.keys == nil {
		return ErrEngineNotReady
	}

	previous := e.keys.CurrentKeyID(class)
	if err := e.keys.Rotate(class, key); err != nil {
		return err
	}

	e.metricInc(MetricSigningKeyRotated)
	e.log(ctx, logrus.Fields{
		"class":        class.String(),
		"key_id":       key.ID,
		"retired_kid":  previous,
		"grace_window": e.config.JWT.GraceWindow.String(),
	}).Info("signing key rotated")
	e.emitAudit(ctx, auditEventSigningKeyRotated, true, "", "", nil, func() map[string]string {
		return map[string]string{"class": class.String(), "key_id": key.ID, "retired_kid": previous}
	})
	return nil
}

func pairFromFlow(p *flows.TokenPair) TokenPair {
	if p == nil {
		return TokenPair{}
	}
	return TokenPair{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		FamilyID:         p.FamilyID,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}
