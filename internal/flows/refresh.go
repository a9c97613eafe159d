package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goRotate/internal/rate"
	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

// RefreshState is a step of one redemption attempt.
type RefreshState string

const (
	RefreshReceived          RefreshState = "RECEIVED"
	RefreshSignatureVerified RefreshState = "SIGNATURE_VERIFIED"
	RefreshLookedUp          RefreshState = "LOOKED_UP"
	RefreshRotated           RefreshState = "ROTATED"
	RefreshStaleReplay       RefreshState = "STALE_REPLAY"
	RefreshFamilyRevoked     RefreshState = "FAMILY_REVOKED"
	RefreshNotFound          RefreshState = "NOT_FOUND"
	// RefreshRejected ends attempts that failed before or outside the ledger
	// decision: token format, signature, expiry, throttle, principal or minting.
	RefreshRejected RefreshState = "REJECTED"
	// RefreshUnavailable ends attempts whose storage calls failed.
	RefreshUnavailable RefreshState = "UNAVAILABLE"
)

// Terminal reports whether s ends an attempt.
func (s RefreshState) Terminal() bool {
	switch s {
	case RefreshRotated, RefreshStaleReplay, RefreshFamilyRevoked, RefreshNotFound, RefreshRejected, RefreshUnavailable:
		return true
	default:
		return false
	}
}

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureMalformed
	RefreshFailureExpired
	RefreshFailureSignature
	RefreshFailureRateLimited
	RefreshFailureNotFound
	RefreshFailureStaleReplay
	RefreshFailureFamilyRevoked
	RefreshFailurePrincipal
	RefreshFailureIssue
	RefreshFailureUnavailable
)

// RefreshResult carries either the rotated pair or failure metadata. Trace
// lists every state the attempt passed through; State is the last one.
type RefreshResult struct {
	State       RefreshState
	Trace       []RefreshState
	Failure     RefreshFailureKind
	Err         error
	TokenID     string
	FamilyID    string
	PrincipalID string
	Pair        *TokenPair
}

type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, familyID string) error
}

type RefreshLedger interface {
	Lookup(ctx context.Context, tokenID string) (*ledger.Record, error)
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)
	ConditionalAdvance(ctx context.Context, familyID, expectedHeadID string, next ledger.Record) error
	RevokeFamily(ctx context.Context, familyID, reason string) error
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	ParseRefresh  func(string) (*jwt.RefreshClaims, error)
	LoadPrincipal func(context.Context, string) (Principal, error)
	Issue         IssueDeps
	RateLimiter   RefreshRateLimiter
	Ledger        RefreshLedger
}

// Passed reports whether the attempt went through s.
func (r RefreshResult) Passed(s RefreshState) bool {
	for _, t := range r.Trace {
		if t == s {
			return true
		}
	}
	return false
}

func (r *RefreshResult) enter(s RefreshState) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

func (r *RefreshResult) end(s RefreshState, kind RefreshFailureKind, err error) RefreshResult {
	r.enter(s)
	r.Failure = kind
	r.Err = err
	return *r
}

func (r *RefreshResult) unavailable(err error) RefreshResult {
	return r.end(RefreshUnavailable, RefreshFailureUnavailable, err)
}

// replay revokes the family after a non-head token was presented. If the
// revocation itself fails the attempt ends as unavailable so the caller retries;
// a retry with the same token reaches this branch again.
func (r *RefreshResult) replay(ctx context.Context, deps RefreshDeps) RefreshResult {
	err := deps.Ledger.RevokeFamily(ctx, r.FamilyID, ledger.ReasonReplayDetected)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		r.enter(RefreshStaleReplay)
		return r.unavailable(fmt.Errorf("revoke family after replay: %w", err))
	}
	return r.end(RefreshStaleReplay, RefreshFailureStaleReplay, ledger.ErrHeadMismatch)
}

// RunRefresh redeems refreshToken: verify, look up, check revocation, then
// advance the family head with a single conditional write. A presented token
// that is not the head revokes the whole family.
//
// The replacement pair is minted before the conditional write, so an attempt
// that fails or is abandoned at any point leaves the ledger either untouched or
// fully advanced.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	res := RefreshResult{Trace: make([]RefreshState, 0, 4)}
	res.enter(RefreshReceived)

	claims, err := deps.ParseRefresh(refreshToken)
	if err != nil {
		kind := RefreshFailureMalformed
		switch ClassifyTokenError(err) {
		case TokenFailureExpired:
			kind = RefreshFailureExpired
		case TokenFailureSignature:
			kind = RefreshFailureSignature
		}
		return res.end(RefreshRejected, kind, err)
	}
	res.TokenID = claims.TokenID
	res.FamilyID = claims.FamilyID
	res.PrincipalID = claims.PrincipalID
	res.enter(RefreshSignatureVerified)

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, claims.FamilyID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return res.end(RefreshRejected, RefreshFailureRateLimited, err)
			}
			return res.unavailable(err)
		}
	}

	rec, err := deps.Ledger.Lookup(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return res.end(RefreshNotFound, RefreshFailureNotFound, err)
		}
		return res.unavailable(err)
	}
	// A validly signed token must describe the record it names.
	if rec.FamilyID != claims.FamilyID || rec.PrincipalID != claims.PrincipalID {
		return res.end(RefreshNotFound, RefreshFailureNotFound, ledger.ErrNotFound)
	}
	res.enter(RefreshLookedUp)

	revoked, err := deps.Ledger.IsFamilyRevoked(ctx, rec.FamilyID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return res.end(RefreshNotFound, RefreshFailureNotFound, err)
		}
		return res.unavailable(err)
	}
	if revoked || rec.Revoked {
		return res.end(RefreshFamilyRevoked, RefreshFailureFamilyRevoked, ledger.ErrFamilyRevoked)
	}

	// Superseded records never become head again.
	if rec.SupersededBy != "" {
		return res.replay(ctx, deps)
	}

	principal, err := deps.LoadPrincipal(ctx, rec.PrincipalID)
	if err != nil {
		return res.end(RefreshRejected, RefreshFailurePrincipal, err)
	}
	if principal.ID != rec.PrincipalID {
		return res.end(RefreshRejected, RefreshFailurePrincipal,
			fmt.Errorf("principal source returned %q for %q", principal.ID, rec.PrincipalID))
	}

	issued, err := RunIssue(principal, rec.FamilyID, rec.TokenID, deps.Issue)
	if err != nil {
		return res.end(RefreshRejected, RefreshFailureIssue, err)
	}

	err = deps.Ledger.ConditionalAdvance(ctx, rec.FamilyID, rec.TokenID, issued.Record)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrHeadMismatch):
		return res.replay(ctx, deps)
	case errors.Is(err, ledger.ErrFamilyRevoked):
		return res.end(RefreshFamilyRevoked, RefreshFailureFamilyRevoked, err)
	case errors.Is(err, ledger.ErrNotFound):
		return res.end(RefreshNotFound, RefreshFailureNotFound, err)
	case errors.Is(err, ledger.ErrConflict):
		return res.end(RefreshRejected, RefreshFailureIssue, err)
	default:
		return res.unavailable(err)
	}

	res.Pair = &issued.Pair
	res.enter(RefreshRotated)
	return res
}
