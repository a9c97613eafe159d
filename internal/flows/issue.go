package flows

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

// Principal is the flow-local principal snapshot used to mint access tokens.
type Principal struct {
	ID           string
	Email        string
	Role         string
	PremiumUntil time.Time
}

// TokenPair is the flow-local credential pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	FamilyID         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Issued is a minted pair plus the ledger record its refresh token identifies.
// Nothing is persisted by RunIssue.
type Issued struct {
	Pair   TokenPair
	Record ledger.Record
}

// IssueDeps captures token minting dependencies.
type IssueDeps struct {
	Keys       *jwt.Provider
	Access     *jwt.AccessIssuer
	NewTokenID func() (string, error)
}

// RunIssue mints an access token and a refresh token for p in familyID. A
// non-empty rotatedFromID links the new record to its predecessor.
func RunIssue(p Principal, familyID, rotatedFromID string, deps IssueDeps) (*Issued, error) {
	if deps.Keys == nil || deps.Access == nil || deps.NewTokenID == nil {
		return nil, errors.New("issue dependencies not configured")
	}

	tokenID, err := deps.NewTokenID()
	if err != nil {
		return nil, err
	}

	// Token timestamps are whole seconds; the record mirrors the signed claims.
	now := deps.Keys.Now().Truncate(time.Second)
	refreshExp := now.Add(deps.Keys.TTL(jwt.ClassRefresh))

	access, err := deps.Access.Mint(p.ID, p.Email, p.Role, p.PremiumUntil)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refresh, err := jwt.SignRefresh(deps.Keys, tokenID, familyID, p.ID, now, refreshExp)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &Issued{
		Pair: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			FamilyID:         familyID,
			AccessExpiresAt:  now.Add(deps.Access.TTL()),
			RefreshExpiresAt: refreshExp,
		},
		Record: ledger.Record{
			TokenID:       tokenID,
			FamilyID:      familyID,
			PrincipalID:   p.ID,
			IssuedAt:      now,
			ExpiresAt:     refreshExp,
			RotatedFromID: rotatedFromID,
		},
	}, nil
}

// TokenFailure classifies a verification error from the jwt package.
type TokenFailure int

const (
	TokenFailureMalformed TokenFailure = iota
	TokenFailureExpired
	TokenFailureSignature
)

// ClassifyTokenError maps a jwt verification error to its failure kind.
func ClassifyTokenError(err error) TokenFailure {
	switch {
	case errors.Is(err, jwt.ErrExpiredToken):
		return TokenFailureExpired
	case errors.Is(err, jwt.ErrInvalidSignature):
		return TokenFailureSignature
	default:
		return TokenFailureMalformed
	}
}
