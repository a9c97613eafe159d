package flows

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goRotate/internal"
	"github.com/MrEthical07/goRotate/internal/rate"
	"github.com/MrEthical07/goRotate/jwt"
	"github.com/MrEthical07/goRotate/ledger"
)

type flowClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *flowClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *flowClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type flowFixture struct {
	clock      *flowClock
	keys       *jwt.Provider
	store      *ledger.RedisStore
	deps       Deps
	principals map[string]Principal
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	clock := &flowClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	keys, err := jwt.NewProvider(jwt.Config{
		Issuer: "gorotate-test",
		Now:    clock.Now,
		Access: jwt.ClassConfig{
			TTL:     15 * time.Minute,
			Current: jwt.Key{ID: "a1", Method: jwt.MethodHS256, Secret: bytes.Repeat([]byte{1}, 32)},
		},
		Refresh: jwt.ClassConfig{
			TTL:     7 * 24 * time.Hour,
			Current: jwt.Key{ID: "r1", Method: jwt.MethodHS256, Secret: bytes.Repeat([]byte{2}, 32)},
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	access, err := jwt.NewAccessIssuer(keys)
	if err != nil {
		t.Fatalf("new access issuer: %v", err)
	}

	f := &flowFixture{
		clock: clock,
		keys:  keys,
		store: ledger.NewRedisStore(rdb, "rf", 0),
		principals: map[string]Principal{
			"u1": {ID: "u1", Email: "a@example.com", Role: "member"},
		},
	}

	issue := IssueDeps{Keys: keys, Access: access, NewTokenID: internal.NewTokenID}
	parse := func(tok string) (*jwt.RefreshClaims, error) { return jwt.ParseRefresh(keys, tok) }
	f.deps = Deps{
		Login: LoginDeps{
			NewFamilyID: internal.NewFamilyID,
			Issue:       issue,
			Ledger:      f.store,
		},
		Refresh: RefreshDeps{
			ParseRefresh: parse,
			LoadPrincipal: func(_ context.Context, id string) (Principal, error) {
				p, ok := f.principals[id]
				if !ok {
					return Principal{}, errors.New("principal gone")
				}
				return p, nil
			},
			Issue:  issue,
			Ledger: f.store,
		},
		Logout: LogoutDeps{
			ParseRefresh: parse,
			Ledger:       f.store,
		},
		Introspection: IntrospectionDeps{Ledger: f.store},
	}
	return f
}

func (f *flowFixture) login(t *testing.T) *TokenPair {
	t.Helper()
	res := RunLogin(context.Background(), f.principals["u1"], f.deps.Login)
	if res.Failure != LoginFailureNone {
		t.Fatalf("login failed: %v", res.Err)
	}
	return res.Pair
}

func assertTrace(t *testing.T, res RefreshResult, want ...RefreshState) {
	t.Helper()
	if len(res.Trace) != len(want) {
		t.Fatalf("trace = %v, want %v", res.Trace, want)
	}
	for i := range want {
		if res.Trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", res.Trace, want)
		}
	}
	if !res.State.Terminal() {
		t.Fatalf("final state %s is not terminal", res.State)
	}
}

func TestRunRefreshRotates(t *testing.T) {
	f := newFlowFixture(t)
	pair := f.login(t)

	res := RunRefresh(context.Background(), pair.RefreshToken, f.deps.Refresh)
	if res.Failure != RefreshFailureNone {
		t.Fatalf("refresh failed: kind=%d err=%v", res.Failure, res.Err)
	}
	assertTrace(t, res, RefreshReceived, RefreshSignatureVerified, RefreshLookedUp, RefreshRotated)

	if res.Pair.FamilyID != pair.FamilyID {
		t.Fatalf("rotation must stay in the family: %s != %s", res.Pair.FamilyID, pair.FamilyID)
	}

	fam, err := f.store.GetFamily(context.Background(), pair.FamilyID)
	if err != nil {
		t.Fatalf("get family: %v", err)
	}
	claims, err := jwt.ParseRefresh(f.keys, res.Pair.RefreshToken)
	if err != nil {
		t.Fatalf("parse new refresh: %v", err)
	}
	if fam.HeadID != claims.TokenID {
		t.Fatalf("head %s does not match new token %s", fam.HeadID, claims.TokenID)
	}
}

func TestRunRefreshStaleReplayRevokesFamily(t *testing.T) {
	f := newFlowFixture(t)
	pair := f.login(t)
	ctx := context.Background()

	first := RunRefresh(ctx, pair.RefreshToken, f.deps.Refresh)
	if first.Failure != RefreshFailureNone {
		t.Fatalf("first refresh: %v", first.Err)
	}

	replay := RunRefresh(ctx, pair.RefreshToken, f.deps.Refresh)
	if replay.Failure != RefreshFailureStaleReplay {
		t.Fatalf("expected stale replay, got kind=%d err=%v", replay.Failure, replay.Err)
	}
	assertTrace(t, replay, RefreshReceived, RefreshSignatureVerified, RefreshLookedUp, RefreshStaleReplay)

	fam, _ := f.store.GetFamily(ctx, pair.FamilyID)
	if !fam.Revoked || fam.RevokedReason != ledger.ReasonReplayDetected {
		t.Fatalf("family not revoked for replay: %+v", fam)
	}

	head := RunRefresh(ctx, first.Pair.RefreshToken, f.deps.Refresh)
	if head.Failure != RefreshFailureFamilyRevoked {
		t.Fatalf("expected family revoked for head, got kind=%d err=%v", head.Failure, head.Err)
	}
}

func TestRunRefreshRejectsWithoutMutation(t *testing.T) {
	f := newFlowFixture(t)
	pair := f.login(t)
	ctx := context.Background()

	bad := RunRefresh(ctx, "not-a-token", f.deps.Refresh)
	if bad.Failure != RefreshFailureMalformed {
		t.Fatalf("expected malformed, got %d", bad.Failure)
	}
	assertTrace(t, bad, RefreshReceived, RefreshRejected)

	accessAsRefresh := RunRefresh(ctx, pair.AccessToken, f.deps.Refresh)
	if accessAsRefresh.Failure != RefreshFailureSignature {
		t.Fatalf("access token must not verify as refresh, got %d", accessAsRefresh.Failure)
	}

	delete(f.principals, "u1")
	gone := RunRefresh(ctx, pair.RefreshToken, f.deps.Refresh)
	if gone.Failure != RefreshFailurePrincipal {
		t.Fatalf("expected principal failure, got %d", gone.Failure)
	}

	f.clock.Advance(7*24*time.Hour + time.Minute)
	expired := RunRefresh(ctx, pair.RefreshToken, f.deps.Refresh)
	if expired.Failure != RefreshFailureExpired {
		t.Fatalf("expected expired, got %d", expired.Failure)
	}

	records, err := f.store.ListFamilyRecords(ctx, pair.FamilyID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || !records[0].IsHead() {
		t.Fatalf("rejected attempts must not touch the ledger: %+v", records)
	}
}

func TestRunRefreshUnknownTokenIsNotFound(t *testing.T) {
	f := newFlowFixture(t)
	now := f.keys.Now()

	forged, err := jwt.SignRefresh(f.keys, "0d6f3b2e-8c41-4a7f-b5e9-1f2a3c4d5e6f", "7e8f9a0b-1c2d-4e3f-8a5b-6c7d8e9f0a1b", "u1", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res := RunRefresh(context.Background(), forged, f.deps.Refresh)
	if res.Failure != RefreshFailureNotFound || res.State != RefreshNotFound {
		t.Fatalf("expected not found, got kind=%d state=%s", res.Failure, res.State)
	}
}

// losingLedger advances the head on behalf of a competing caller right before
// delegating ConditionalAdvance, so the caller under test always loses the race.
type losingLedger struct {
	*ledger.RedisStore
	competitor func(familyID, headID string)
}

func (l losingLedger) ConditionalAdvance(ctx context.Context, familyID, expectedHeadID string, next ledger.Record) error {
	l.competitor(familyID, expectedHeadID)
	return l.RedisStore.ConditionalAdvance(ctx, familyID, expectedHeadID, next)
}

func TestRunRefreshLostRaceIsReplay(t *testing.T) {
	f := newFlowFixture(t)
	pair := f.login(t)
	ctx := context.Background()

	deps := f.deps.Refresh
	deps.Ledger = losingLedger{
		RedisStore: f.store,
		competitor: func(familyID, headID string) {
			next := ledger.Record{
				TokenID:       "competitor",
				FamilyID:      familyID,
				PrincipalID:   "u1",
				IssuedAt:      f.keys.Now(),
				ExpiresAt:     f.keys.Now().Add(time.Hour),
				RotatedFromID: headID,
			}
			if err := f.store.ConditionalAdvance(ctx, familyID, headID, next); err != nil {
				t.Errorf("competitor advance: %v", err)
			}
		},
	}

	res := RunRefresh(ctx, pair.RefreshToken, deps)
	if res.Failure != RefreshFailureStaleReplay {
		t.Fatalf("expected the loser to fall into replay, got kind=%d err=%v", res.Failure, res.Err)
	}
	if revoked, _ := f.store.IsFamilyRevoked(ctx, pair.FamilyID); !revoked {
		t.Fatal("family must be revoked after a lost race")
	}
}

type failingRevokeLedger struct {
	*ledger.RedisStore
}

func (failingRevokeLedger) RevokeFamily(context.Context, string, string) error {
	return ledger.ErrUnavailable
}

func TestRunRefreshReplayWithFailedRevocationIsUnavailable(t *testing.T) {
	f := newFlowFixture(t)
	pair := f.login(t)
	ctx := context.Background()

	if res := RunRefresh(ctx, pair.RefreshToken, f.deps.Refresh); res.Failure != RefreshFailureNone {
		t.Fatalf("first refresh: %v", res.Err)
	}

	deps := f.deps.Refresh
	deps.Ledger = failingRevokeLedger{RedisStore: f.store}
	res := RunRefresh(ctx, pair.RefreshToken, deps)
	if res.Failure != RefreshFailureUnavailable {
		t.Fatalf("expected unavailable, got %d", res.Failure)
	}
	if !res.Passed(RefreshStaleReplay) {
		t.Fatalf("replay must still be recorded in the trace: %v", res.Trace)
	}
	if !errors.Is(res.Err, ledger.ErrUnavailable) {
		t.Fatalf("expected wrapped ErrUnavailable, got %v", res.Err)
	}
}

type throttled struct{}

func (throttled) CheckRefresh(context.Context, string) error { return rate.ErrRateLimited }

func TestRunRefreshRateLimited(t *testing.T) {
	f := newFlowFixture(t)
	pair := f.login(t)

	deps := f.deps.Refresh
	deps.RateLimiter = throttled{}
	res := RunRefresh(context.Background(), pair.RefreshToken, deps)
	if res.Failure != RefreshFailureRateLimited {
		t.Fatalf("expected rate limited, got %d", res.Failure)
	}
	assertTrace(t, res, RefreshReceived, RefreshSignatureVerified, RefreshRejected)
}
