package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/goRotate/ledger"
)

type IntrospectionLedger interface {
	GetFamily(ctx context.Context, familyID string) (*ledger.Family, error)
	ListFamilyRecords(ctx context.Context, familyID string) ([]ledger.Record, error)
	Ping(ctx context.Context) (time.Duration, error)
}

type IntrospectionDeps struct {
	Ledger            IntrospectionLedger
	EngineNotReadyErr error
}

// FamilyInfo is a read-only view of one family and its chain.
type FamilyInfo struct {
	Family  ledger.Family
	Records []ledger.Record
}

// Head returns the family's current head record, if it is still in the chain.
func (f *FamilyInfo) Head() (ledger.Record, bool) {
	for _, r := range f.Records {
		if r.TokenID == f.Family.HeadID {
			return r, true
		}
	}
	return ledger.Record{}, false
}

func RunFamilyInfo(ctx context.Context, familyID string, deps IntrospectionDeps) (*FamilyInfo, error) {
	if deps.Ledger == nil {
		return nil, deps.EngineNotReadyErr
	}
	if familyID == "" {
		return nil, ledger.ErrNotFound
	}

	fam, err := deps.Ledger.GetFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	records, err := deps.Ledger.ListFamilyRecords(ctx, familyID)
	if err != nil {
		return nil, err
	}
	return &FamilyInfo{Family: *fam, Records: records}, nil
}

func RunHealth(ctx context.Context, deps IntrospectionDeps) (bool, time.Duration) {
	if deps.Ledger == nil {
		return false, 0
	}
	latency, err := deps.Ledger.Ping(ctx)
	return err == nil, latency
}
