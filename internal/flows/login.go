package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goRotate/ledger"
)

// LoginFailureKind classifies login flow failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailurePrincipalInvalid
	LoginFailureIssue
	LoginFailureStorage
)

// LoginResult carries either the issued pair or failure metadata.
type LoginResult struct {
	Failure     LoginFailureKind
	Err         error
	PrincipalID string
	FamilyID    string
	Pair        *TokenPair
}

type LoginLedger interface {
	CreateFamily(ctx context.Context, family ledger.Family, first ledger.Record) error
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	ValidatePrincipal func(Principal) error
	NewFamilyID       func() (string, error)
	Issue             IssueDeps
	Ledger            LoginLedger
}

// RunLogin starts a new family for p and returns its first credential pair.
func RunLogin(ctx context.Context, p Principal, deps LoginDeps) LoginResult {
	if deps.ValidatePrincipal != nil {
		if err := deps.ValidatePrincipal(p); err != nil {
			return LoginResult{Failure: LoginFailurePrincipalInvalid, Err: err, PrincipalID: p.ID}
		}
	}

	familyID, err := deps.NewFamilyID()
	if err != nil {
		return LoginResult{Failure: LoginFailureIssue, Err: err, PrincipalID: p.ID}
	}

	issued, err := RunIssue(p, familyID, "", deps.Issue)
	if err != nil {
		return LoginResult{Failure: LoginFailureIssue, Err: err, PrincipalID: p.ID, FamilyID: familyID}
	}

	family := ledger.Family{
		FamilyID:    familyID,
		PrincipalID: p.ID,
		HeadID:      issued.Record.TokenID,
		CreatedAt:   issued.Record.IssuedAt,
	}
	if err := deps.Ledger.CreateFamily(ctx, family, issued.Record); err != nil {
		kind := LoginFailureStorage
		if errors.Is(err, ledger.ErrConflict) {
			kind = LoginFailureIssue
			err = fmt.Errorf("family id collision: %w", err)
		}
		return LoginResult{Failure: kind, Err: err, PrincipalID: p.ID, FamilyID: familyID}
	}

	return LoginResult{
		PrincipalID: p.ID,
		FamilyID:    familyID,
		Pair:        &issued.Pair,
	}
}
