package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

// LogoutFailureKind classifies logout flow failures for root-level mapping.
type LogoutFailureKind int

const (
	LogoutFailureNone LogoutFailureKind = iota
	LogoutFailureMalformed
	LogoutFailureExpired
	LogoutFailureSignature
	LogoutFailureNotFound
	LogoutFailureUnavailable
)

// LogoutResult reports the family a logout revoked.
type LogoutResult struct {
	Failure     LogoutFailureKind
	Err         error
	FamilyID    string
	PrincipalID string
}

type LogoutLedger interface {
	Lookup(ctx context.Context, tokenID string) (*ledger.Record, error)
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokePrincipal(ctx context.Context, principalID, reason string) (int, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	ParseRefresh func(string) (*jwt.RefreshClaims, error)
	Ledger       LogoutLedger
}

// RunLogout revokes the whole family of refreshToken. Any token of the family,
// head or not, may be presented. Logging out an already revoked family succeeds.
func RunLogout(ctx context.Context, refreshToken string, deps LogoutDeps) LogoutResult {
	claims, err := deps.ParseRefresh(refreshToken)
	if err != nil {
		kind := LogoutFailureMalformed
		switch ClassifyTokenError(err) {
		case TokenFailureExpired:
			kind = LogoutFailureExpired
		case TokenFailureSignature:
			kind = LogoutFailureSignature
		}
		return LogoutResult{Failure: kind, Err: err}
	}

	res := LogoutResult{FamilyID: claims.FamilyID, PrincipalID: claims.PrincipalID}

	rec, err := deps.Ledger.Lookup(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			res.Failure, res.Err = LogoutFailureNotFound, err
			return res
		}
		res.Failure, res.Err = LogoutFailureUnavailable, err
		return res
	}
	if rec.FamilyID != claims.FamilyID || rec.PrincipalID != claims.PrincipalID {
		res.Failure, res.Err = LogoutFailureNotFound, ledger.ErrNotFound
		return res
	}

	if err := deps.Ledger.RevokeFamily(ctx, rec.FamilyID, ledger.ReasonLogout); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			res.Failure = LogoutFailureNotFound
		} else {
			res.Failure = LogoutFailureUnavailable
		}
		res.Err = err
	}
	return res
}

// RunLogoutAll revokes every family of principalID and returns how many were
// newly revoked.
func RunLogoutAll(ctx context.Context, principalID string, deps LogoutDeps) (int, error) {
	if strings.TrimSpace(principalID) == "" {
		return 0, errors.New("principal id required")
	}
	return deps.Ledger.RevokePrincipal(ctx, principalID, ledger.ReasonLogoutAll)
}
