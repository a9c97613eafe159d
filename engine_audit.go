package goRotate

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshReplayDetected = "refresh_replay_detected"
	auditEventRefreshFamilyRevoked  = "refresh_family_revoked"
	auditEventRefreshRateLimited    = "refresh_rate_limited"
	auditEventLogoutFamily          = "logout_family"
	auditEventLogoutAll             = "logout_all"
	auditEventSigningKeyRotated     = "signing_key_rotated"
)

// AuditErrorCode is the stable error label written to [AuditEvent.Error].
type AuditErrorCode string

const (
	auditErrMalformedToken   AuditErrorCode = "malformed_token"
	auditErrExpiredToken     AuditErrorCode = "expired_token"
	auditErrInvalidSignature AuditErrorCode = "invalid_signature"
	auditErrNotFound         AuditErrorCode = "refresh_not_found"
	auditErrStaleReplay      AuditErrorCode = "stale_replay"
	auditErrFamilyRevoked    AuditErrorCode = "family_revoked"
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrPrincipalInvalid AuditErrorCode = "principal_invalid"
	auditErrPrincipalMissing AuditErrorCode = "principal_not_found"
	auditErrUnavailable      AuditErrorCode = "backend_unavailable"
	auditErrNotReady         AuditErrorCode = "engine_not_ready"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	principalID string,
	familyID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		PrincipalID: principalID,
		FamilyID:    familyID,
		ClientIP:    clientIPFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

// auditErrorCode maps root errors to labels. It checks the specific
// reauthentication kinds before anything else since both wrap ErrReauthenticate.
func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrStaleReplay):
		return auditErrStaleReplay
	case errors.Is(err, ErrFamilyRevoked):
		return auditErrFamilyRevoked
	case errors.Is(err, ErrMalformedToken):
		return auditErrMalformedToken
	case errors.Is(err, ErrExpiredToken):
		return auditErrExpiredToken
	case errors.Is(err, ErrInvalidSignature):
		return auditErrInvalidSignature
	case errors.Is(err, ErrRefreshNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrRefreshRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrPrincipalInvalid):
		return auditErrPrincipalInvalid
	case errors.Is(err, ErrPrincipalNotFound):
		return auditErrPrincipalMissing
	case errors.Is(err, ErrStorageUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrEngineNotReady):
		return auditErrNotReady
	default:
		return auditErrInternal
	}
}
