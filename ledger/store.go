package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record or family does not exist.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrHeadMismatch is returned by ConditionalAdvance when the expected head was already superseded.
	ErrHeadMismatch = errors.New("family head mismatch")
	// ErrFamilyRevoked is returned by ConditionalAdvance when the family is revoked.
	ErrFamilyRevoked = errors.New("family revoked")
	// ErrConflict is returned when a token or family id already exists.
	ErrConflict = errors.New("ledger id conflict")
	// ErrUnavailable wraps transport and backend failures.
	ErrUnavailable = errors.New("ledger storage unavailable")
	// ErrCorrupt is returned when a stored entry cannot be decoded.
	ErrCorrupt = errors.New("ledger entry corrupt")
)

// Store is the durable refresh-token ledger.
//
// ConditionalAdvance is the only operation that moves a family head. Of any number
// of concurrent calls with the same expectedHeadID, at most one succeeds; the rest
// return ErrHeadMismatch (or ErrFamilyRevoked) without writing anything.
type Store interface {
	CreateFamily(ctx context.Context, family Family, first Record) error
	Lookup(ctx context.Context, tokenID string) (*Record, error)
	ConditionalAdvance(ctx context.Context, familyID, expectedHeadID string, next Record) error
	RevokeFamily(ctx context.Context, familyID, reason string) error
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)
	GetFamily(ctx context.Context, familyID string) (*Family, error)
	ListFamilyRecords(ctx context.Context, familyID string) ([]Record, error)
	RevokePrincipal(ctx context.Context, principalID, reason string) (int, error)
	Ping(ctx context.Context) (time.Duration, error)
}

func validateCreate(family Family, first Record) error {
	if err := first.validate(); err != nil {
		return err
	}
	if first.RotatedFromID != "" {
		return errors.New("first record of a family cannot have a predecessor")
	}
	if family.FamilyID != first.FamilyID || family.PrincipalID != first.PrincipalID {
		return errors.New("family and first record disagree")
	}
	if family.HeadID != first.TokenID {
		return errors.New("family head must be the first record")
	}
	return nil
}

func validateAdvance(familyID, expectedHeadID string, next Record) error {
	if err := next.validate(); err != nil {
		return err
	}
	if next.FamilyID != familyID {
		return errors.New("next record belongs to another family")
	}
	if expectedHeadID == "" || next.RotatedFromID != expectedHeadID {
		return errors.New("next record must rotate from the expected head")
	}
	if next.TokenID == expectedHeadID {
		return errors.New("next record must have a new token id")
	}
	return nil
}
