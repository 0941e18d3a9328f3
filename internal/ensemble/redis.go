package ensemble

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	hounfour:budget:{tenant}:spent_micro   string counter
//	hounfour:budget:{tenant}:limit_micro   string, 0 or absent = unlimited
//	hounfour:ensemble:{id}:reserved        hash, field = branch index
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {1, 1, redis.call('GET', KEYS[1]) or '0'}
end
local spent = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(redis.call('GET', KEYS[2]) or '0')
local total = tonumber(ARGV[1])
if limit > 0 and spent + total > limit then
  return {0, 0, tostring(spent)}
end
local after = redis.call('INCRBY', KEYS[1], total)
for i = 3, #ARGV do
  redis.call('HSET', KEYS[3], tostring(i - 3), ARGV[i])
end
redis.call('EXPIRE', KEYS[3], tonumber(ARGV[2]))
return {1, 0, tostring(after)}
`)

	commitScript = redis.NewScript(`
local reserved = redis.call('HGET', KEYS[2], ARGV[1])
if not reserved then
  return {0, 0, redis.call('HLEN', KEYS[2])}
end
local refund = tonumber(reserved) - tonumber(ARGV[2])
if refund < 0 then refund = 0 end
if refund > 0 then
  redis.call('DECRBY', KEYS[1], refund)
end
redis.call('HDEL', KEYS[2], ARGV[1])
local remaining = redis.call('HLEN', KEYS[2])
if remaining == 0 then
  redis.call('DEL', KEYS[2])
end
return {1, refund, remaining}
`)

	releaseScript = redis.NewScript(`
local held = 0
for _, v in ipairs(redis.call('HVALS', KEYS[2])) do
  held = held + tonumber(v)
end
if held > 0 then
  redis.call('DECRBY', KEYS[1], held)
end
redis.call('DEL', KEYS[2])
return held
`)
)

// RedisStore executes reservations as server-side scripts so every
// operation is atomic across gateway instances.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func spentKey(tenantID string) string { return "hounfour:budget:" + tenantID + ":spent_micro" }
func limitKey(tenantID string) string { return "hounfour:budget:" + tenantID + ":limit_micro" }
func reservedKey(ensembleID string) string {
	return "hounfour:ensemble:" + ensembleID + ":reserved"
}

// SetBudgetLimit writes a tenant's limit. Zero means unlimited.
func (s *RedisStore) SetBudgetLimit(ctx context.Context, tenantID string, limitMicro int64) error {
	return s.rdb.Set(ctx, limitKey(tenantID), limitMicro, 0).Err()
}

func (s *RedisStore) Reserve(ctx context.Context, ensembleID, tenantID string, branchReservations []int64, ttl time.Duration) (ReserveResult, error) {
	args := make([]interface{}, 0, len(branchReservations)+2)
	args = append(args, sum(branchReservations), int64(ttl.Seconds()))
	for _, v := range branchReservations {
		args = append(args, v)
	}

	raw, err := reserveScript.Run(ctx, s.rdb,
		[]string{spentKey(tenantID), limitKey(tenantID), reservedKey(ensembleID)},
		args...).Result()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ensemble reserve script: %w", err)
	}

	vals, err := scriptTriple(raw)
	if err != nil {
		return ReserveResult{}, err
	}
	res := ReserveResult{
		OK:          vals[0] == 1,
		Idempotent:  vals[1] == 1,
		BudgetAfter: vals[2],
	}
	if !res.OK {
		res.Reason = ReasonBudgetExceeded
	}
	return res, nil
}

func (s *RedisStore) CommitBranch(ctx context.Context, ensembleID, tenantID string, branchIndex int, actualCostMicro int64) (CommitResult, error) {
	raw, err := commitScript.Run(ctx, s.rdb,
		[]string{spentKey(tenantID), reservedKey(ensembleID)},
		strconv.Itoa(branchIndex), actualCostMicro).Result()
	if err != nil {
		return CommitResult{}, fmt.Errorf("ensemble commit script: %w", err)
	}

	vals, err := scriptTriple(raw)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{
		Committed: vals[0] == 1,
		Refund:    vals[1],
		Remaining: int(vals[2]),
	}, nil
}

func (s *RedisStore) ReleaseAll(ctx context.Context, ensembleID, tenantID string) (int64, error) {
	released, err := releaseScript.Run(ctx, s.rdb,
		[]string{spentKey(tenantID), reservedKey(ensembleID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("ensemble release script: %w", err)
	}
	return released, nil
}

func (s *RedisStore) HasReservation(ctx context.Context, ensembleID string) (int, error) {
	n, err := s.rdb.HLen(ctx, reservedKey(ensembleID)).Result()
	if err != nil {
		return 0, fmt.Errorf("ensemble reservation count: %w", err)
	}
	return int(n), nil
}

// scriptTriple decodes the {flag, flag-or-amount, amount} replies the
// scripts return. Redis hands back strings for values written as strings.
func scriptTriple(raw interface{}) ([3]int64, error) {
	var out [3]int64
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return out, fmt.Errorf("ensemble script: unexpected reply %v", raw)
	}
	for i, v := range arr {
		switch t := v.(type) {
		case int64:
			out[i] = t
		case string:
			n, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return out, fmt.Errorf("ensemble script: bad numeric reply %q", t)
			}
			out[i] = n
		default:
			return out, fmt.Errorf("ensemble script: unexpected reply element %T", v)
		}
	}
	return out, nil
}
