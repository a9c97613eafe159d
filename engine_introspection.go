package goRotate

import (
	"context"
	"time"
)

// HealthStatus reports ledger reachability as measured by [Engine.Health].
type HealthStatus struct {
	LedgerAvailable bool
	LedgerLatency   time.Duration
}

// FamilyInfo returns the family and its full rotation chain. Unknown families
// return [ErrRefreshNotFound].
func (e *Engine) FamilyInfo(ctx context.Context, familyID string) (*FamilyInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	info, err := e.flow.FamilyInfo(ctx, familyID)
	if err != nil {
		return nil, ledgerError(err)
	}

	fam := info.Family
	out := &FamilyInfo{
		FamilyID:      fam.FamilyID,
		PrincipalID:   fam.PrincipalID,
		HeadID:        fam.HeadID,
		CreatedAt:     fam.CreatedAt,
		Revoked:       fam.Revoked,
		RevokedAt:     fam.RevokedAt,
		RevokedReason: fam.RevokedReason,
		Records:       info.Records,
	}
	if head, ok := info.Head(); ok {
		out.HeadExpiresAt = head.ExpiresAt
	}
	return out, nil
}

// Health pings the ledger.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if !e.ready() {
		return HealthStatus{}
	}
	ok, latency := e.flow.Health(ctx)
	return HealthStatus{LedgerAvailable: ok, LedgerLatency: latency}
}

// GetRefreshAttempts returns the throttle counter of familyID in the current
// window. It is zero when the refresh throttle is disabled.
func (e *Engine) GetRefreshAttempts(ctx context.Context, familyID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.rateLimiter.RefreshAttempts(ctx, familyID)
	if err != nil {
		return 0, ledgerError(err)
	}
	return n, nil
}
