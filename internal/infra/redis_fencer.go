package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/wal"
)

// Key layout:
//
//	hounfour:fence:{env}:counter   issuance counter
//	hounfour:fence:{env}:accepted  last accepted token
var (
	fenceAcquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and not string.match(cur, '^%d+$') then
  return redis.error_reply('corrupt')
end
local next = (tonumber(cur) or 0) + 1
if next > tonumber(ARGV[1]) then
  return redis.error_reply('exhausted')
end
redis.call('SET', KEYS[1], next)
return next
`)

	// Returns 0 = OK, 1 = STALE, 2 = CORRUPT. Advancing is a CAS: the
	// accepted watermark only moves to a strictly greater token.
	fenceAdvanceScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
if last then
  if not string.match(last, '^%d+$') or tonumber(last) > tonumber(ARGV[2]) then
    return 2
  end
  if tonumber(ARGV[1]) <= tonumber(last) then
    return 1
  end
end
redis.call('SET', KEYS[1], ARGV[1])
return 0
`)
)

// RedisFencer is the cross-process wal.Fencer. Both operations execute as
// server-side scripts so concurrent writers observe a single total order.
type RedisFencer struct {
	rdb *redis.Client
	wal wal.Appender
}

func NewRedisFencer(rdb *redis.Client, w wal.Appender) *RedisFencer {
	if w == nil {
		w = wal.NopWAL{}
	}
	return &RedisFencer{rdb: rdb, wal: w}
}

func fenceCounterKey(env string) string  { return "hounfour:fence:" + env + ":counter" }
func fenceAcceptedKey(env string) string { return "hounfour:fence:" + env + ":accepted" }

func (f *RedisFencer) Acquire(ctx context.Context, environment string) (int64, error) {
	token, err := fenceAcquireScript.Run(ctx, f.rdb,
		[]string{fenceCounterKey(environment)}, wal.MaxFenceToken).Int64()
	if err != nil {
		return 0, core.Wrap(core.CodeFencingCorrupt, err,
			"fence acquisition for %q failed", environment)
	}

	wal.BestEffort(f.wal, ctx, "fencing", "acquire", environment,
		map[string]interface{}{"token": token})
	return token, nil
}

func (f *RedisFencer) ValidateAndAdvance(ctx context.Context, environment string, token int64) (wal.FenceResult, error) {
	if token <= 0 || token > wal.MaxFenceToken {
		return wal.FenceCorrupt, nil
	}

	res, err := fenceAdvanceScript.Run(ctx, f.rdb,
		[]string{fenceAcceptedKey(environment)}, token, wal.MaxFenceToken).Int64()
	if err != nil {
		return wal.FenceCorrupt, fmt.Errorf("fence advance for %q: %w", environment, err)
	}

	switch res {
	case 0:
		wal.BestEffort(f.wal, ctx, "fencing", "advance", environment,
			map[string]interface{}{"token": token})
		return wal.FenceOK, nil
	case 1:
		return wal.FenceStale, nil
	default:
		return wal.FenceCorrupt, nil
	}
}
