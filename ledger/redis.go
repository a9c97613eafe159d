package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	casStatusNotFound int64 = 0
	casStatusRevoked  int64 = 1
	casStatusMismatch int64 = 2
	casStatusAdvanced int64 = 3
	casStatusConflict int64 = 4
)

// KEYS: family, first record, family members, principal families
// ARGV: principal id, first id, created at, family id, iat, exp, retention ms
const createFamilyScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end

redis.call("HSET", KEYS[1],
  "pid", ARGV[1], "head", ARGV[2], "cat", ARGV[3], "rev", "0", "rat", "0", "rrs", "")
redis.call("HSET", KEYS[2],
  "fid", ARGV[4], "pid", ARGV[1], "iat", ARGV[5], "exp", ARGV[6],
  "from", "", "sup", "", "rev", "0", "rat", "0", "rrs", "")
redis.call("SADD", KEYS[3], ARGV[2])
redis.call("SADD", KEYS[4], ARGV[4])

local retention = tonumber(ARGV[7])
if retention > 0 then
  for i = 1, 4 do
    redis.call("PEXPIRE", KEYS[i], retention)
  end
end

return 1
`

var createFamilyLua = redis.NewScript(createFamilyScript)

// KEYS: family, expected head record, next record, family members, principal families
// ARGV: expected id, next id, principal id, iat, exp, retention ms, family id
const conditionalAdvanceScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end

local fam = redis.call("HMGET", KEYS[1], "head", "rev")
if fam[2] == "1" then
  return 1
end
if fam[1] ~= ARGV[1] then
  return 2
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 4
end

redis.call("HSET", KEYS[3],
  "fid", ARGV[7], "pid", ARGV[3], "iat", ARGV[4], "exp", ARGV[5],
  "from", ARGV[1], "sup", "", "rev", "0", "rat", "0", "rrs", "")
redis.call("HSET", KEYS[2], "sup", ARGV[2])
redis.call("HSET", KEYS[1], "head", ARGV[2])
redis.call("SADD", KEYS[4], ARGV[2])
redis.call("SADD", KEYS[5], ARGV[7])

local retention = tonumber(ARGV[6])
if retention > 0 then
  redis.call("PEXPIRE", KEYS[3], retention)
  redis.call("PEXPIRE", KEYS[1], retention)
  redis.call("PEXPIRE", KEYS[4], retention)
  redis.call("PEXPIRE", KEYS[5], retention)
end

return 3
`

var conditionalAdvanceLua = redis.NewScript(conditionalAdvanceScript)

// KEYS: family, family members
// ARGV: reason, now ms, record key prefix
// returns 0 missing, 1 already revoked, 2 newly revoked
const revokeFamilyScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end

local status = 1
if redis.call("HGET", KEYS[1], "rev") ~= "1" then
  redis.call("HSET", KEYS[1], "rev", "1", "rat", ARGV[2], "rrs", ARGV[1])
  status = 2
end

local ids = redis.call("SMEMBERS", KEYS[2])
for _, id in ipairs(ids) do
  local key = ARGV[3] .. id
  if redis.call("EXISTS", key) == 1 and redis.call("HGET", key, "rev") ~= "1" then
    redis.call("HSET", key, "rev", "1", "rat", ARGV[2], "rrs", ARGV[1])
  end
end

return status
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

// RedisStore is a Redis-backed ledger. Head advancement and revocation are
// server-side Lua scripts, so they are atomic across every process sharing the
// Redis instance.
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a ledger under the given key prefix. A positive retention
// sets a TTL on every key written; zero keeps entries until an external purge.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "rf"
	}
	return &RedisStore{
		redis:     client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisStore) recordPrefix() string {
	return s.prefix + ":rec:"
}

func (s *RedisStore) recordKey(tokenID string) string {
	return s.recordPrefix() + tokenID
}

func (s *RedisStore) familyKey(familyID string) string {
	return s.prefix + ":fam:" + familyID
}

func (s *RedisStore) membersKey(familyID string) string {
	return s.prefix + ":fam:" + familyID + ":tok"
}

func (s *RedisStore) principalKey(principalID string) string {
	return s.prefix + ":pfam:" + principalID
}

// CreateFamily writes a new family whose head is first.
//
//	Performance: 1 Lua EVALSHA.
func (s *RedisStore) CreateFamily(ctx context.Context, family Family, first Record) error {
	if err := validateCreate(family, first); err != nil {
		return err
	}

	created, err := createFamilyLua.Run(
		ctx,
		s.redis,
		[]string{
			s.familyKey(family.FamilyID),
			s.recordKey(first.TokenID),
			s.membersKey(family.FamilyID),
			s.principalKey(family.PrincipalID),
		},
		family.PrincipalID,
		first.TokenID,
		toMillis(family.CreatedAt),
		family.FamilyID,
		toMillis(first.IssuedAt),
		toMillis(first.ExpiresAt),
		s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if created == 0 {
		return ErrConflict
	}
	return nil
}

// Lookup returns the record for tokenID.
//
//	Performance: 1 Redis HGETALL.
func (s *RedisStore) Lookup(ctx context.Context, tokenID string) (*Record, error) {
	if tokenID == "" {
		return nil, ErrNotFound
	}
	fields, err := s.redis.HGetAll(ctx, s.recordKey(tokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(tokenID, fields)
}

// ConditionalAdvance moves the family head from expectedHeadID to next.TokenID,
// marks the old head superseded and stores next, all in one script execution.
//
//	Performance: 1 Lua EVALSHA (atomic compare-and-swap).
//	Security: this is the single serialization point for concurrent redemptions.
func (s *RedisStore) ConditionalAdvance(ctx context.Context, familyID, expectedHeadID string, next Record) error {
	if err := validateAdvance(familyID, expectedHeadID, next); err != nil {
		return err
	}

	status, err := conditionalAdvanceLua.Run(
		ctx,
		s.redis,
		[]string{
			s.familyKey(familyID),
			s.recordKey(expectedHeadID),
			s.recordKey(next.TokenID),
			s.membersKey(familyID),
			s.principalKey(next.PrincipalID),
		},
		expectedHeadID,
		next.TokenID,
		next.PrincipalID,
		toMillis(next.IssuedAt),
		toMillis(next.ExpiresAt),
		s.retention.Milliseconds(),
		familyID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch status {
	case casStatusAdvanced:
		return nil
	case casStatusMismatch:
		return ErrHeadMismatch
	case casStatusRevoked:
		return ErrFamilyRevoked
	case casStatusNotFound:
		return ErrNotFound
	case casStatusConflict:
		return ErrConflict
	default:
		return fmt.Errorf("%w: unknown advance script status %d", ErrUnavailable, status)
	}
}

// RevokeFamily flips revoked on the family and every record in it. Repeated calls
// are no-ops; the first reason is kept.
func (s *RedisStore) RevokeFamily(ctx context.Context, familyID, reason string) error {
	_, err := s.revokeFamily(ctx, familyID, reason)
	return err
}

func (s *RedisStore) revokeFamily(ctx context.Context, familyID, reason string) (bool, error) {
	status, err := revokeFamilyLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID), s.membersKey(familyID)},
		reason,
		toMillis(s.now()),
		s.recordPrefix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status == 0 {
		return false, ErrNotFound
	}
	return status == 2, nil
}

// IsFamilyRevoked reports the family's revoked flag.
//
//	Performance: 1 Redis HGET.
func (s *RedisStore) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	rev, err := s.redis.HGet(ctx, s.familyKey(familyID), "rev").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rev == "1", nil
}

// GetFamily returns the family header including its current head.
func (s *RedisStore) GetFamily(ctx context.Context, familyID string) (*Family, error) {
	fields, err := s.redis.HGetAll(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeFamily(familyID, fields)
}

// ListFamilyRecords returns every record of the family ordered along the chain.
func (s *RedisStore) ListFamilyRecords(ctx context.Context, familyID string) ([]Record, error) {
	ids, err := s.redis.SMembers(ctx, s.membersKey(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	records := make([]Record, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return OrderChain(records), nil
}

// RevokePrincipal revokes every family of principalID and returns how many were
// newly revoked.
//
// Not atomic across families: a family created concurrently with this call may
// survive it. Callers needing a hard cut-off should repeat the call.
func (s *RedisStore) RevokePrincipal(ctx context.Context, principalID, reason string) (int, error) {
	familyIDs, err := s.redis.SMembers(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	revoked := 0
	for _, familyID := range familyIDs {
		newly, err := s.revokeFamily(ctx, familyID, reason)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return revoked, err
		}
		if newly {
			revoked++
		}
	}
	return revoked, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeRecord(tokenID string, fields map[string]string) (*Record, error) {
	iat, err1 := parseMillis(fields["iat"])
	exp, err2 := parseMillis(fields["exp"])
	rat, err3 := parseMillis(fields["rat"])
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, tokenID, err)
	}
	if fields["fid"] == "" || fields["pid"] == "" {
		return nil, fmt.Errorf("%w: record %s missing ids", ErrCorrupt, tokenID)
	}

	return &Record{
		TokenID:       tokenID,
		FamilyID:      fields["fid"],
		PrincipalID:   fields["pid"],
		IssuedAt:      iat,
		ExpiresAt:     exp,
		RotatedFromID: fields["from"],
		SupersededBy:  fields["sup"],
		Revoked:       fields["rev"] == "1",
		RevokedAt:     rat,
		RevokedReason: fields["rrs"],
	}, nil
}

func decodeFamily(familyID string, fields map[string]string) (*Family, error) {
	cat, err1 := parseMillis(fields["cat"])
	rat, err2 := parseMillis(fields["rat"])
	if err := errors.Join(err1, err2); err != nil {
		return nil, fmt.Errorf("%w: family %s: %v", ErrCorrupt, familyID, err)
	}
	if fields["head"] == "" || fields["pid"] == "" {
		return nil, fmt.Errorf("%w: family %s missing ids", ErrCorrupt, familyID)
	}

	return &Family{
		FamilyID:      familyID,
		PrincipalID:   fields["pid"],
		HeadID:        fields["head"],
		CreatedAt:     cat,
		Revoked:       fields["rev"] == "1",
		RevokedAt:     rat,
		RevokedReason: fields["rrs"],
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMillis(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
