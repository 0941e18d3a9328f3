package wal

import (
	"context"
	"strconv"
	"sync"

	"github.com/loa-finn/hounfour/internal/core"
)

// MaxFenceToken is the largest fencing token we will issue or accept.
const MaxFenceToken int64 = 1<<53 - 1

// FenceResult classifies a ValidateAndAdvance outcome.
type FenceResult int

const (
	FenceOK      FenceResult = iota // strictly greater than last accepted
	FenceStale                      // equal or lower than last accepted
	FenceCorrupt                    // stored value non-numeric or out of range
)

func (r FenceResult) String() string {
	switch r {
	case FenceOK:
		return "OK"
	case FenceStale:
		return "STALE"
	case FenceCorrupt:
		return "CORRUPT"
	default:
		return "UNKNOWN"
	}
}

// Fencer issues per-environment monotonic fencing tokens and advances the
// last-accepted watermark via compare-and-set.
type Fencer interface {
	// Acquire atomically increments the environment's fence counter and
	// returns the new token. Issuance beyond MaxFenceToken fails; no token
	// is returned.
	Acquire(ctx context.Context, environment string) (int64, error)

	// ValidateAndAdvance accepts the token iff it is strictly greater than
	// the last accepted value, advancing the watermark atomically.
	ValidateAndAdvance(ctx context.Context, environment string, token int64) (FenceResult, error)
}

// MemoryFencer is the in-process Fencer. It trades cross-process
// coordination for availability; the Redis-backed Fencer in internal/infra
// is the production implementation.
type MemoryFencer struct {
	mu       sync.Mutex
	counters map[string]string // environment → issuance counter
	accepted map[string]string // environment → last accepted token
	wal      Appender
}

// NewMemoryFencer creates an empty in-memory fencer. wal may be nil.
func NewMemoryFencer(w Appender) *MemoryFencer {
	return &MemoryFencer{
		counters: make(map[string]string),
		accepted: make(map[string]string),
		wal:      w,
	}
}

func (f *MemoryFencer) Acquire(ctx context.Context, environment string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := parseFence(f.counters[environment])
	if err != nil {
		return 0, core.Errf(core.CodeFencingCorrupt, "fence counter for %q corrupt", environment)
	}
	next := cur + 1
	if next > MaxFenceToken {
		return 0, core.Errf(core.CodeFencingCorrupt,
			"fence counter for %q exceeds safe-integer bound", environment)
	}
	f.counters[environment] = strconv.FormatInt(next, 10)

	BestEffort(f.wal, ctx, "fencing", "acquire", environment,
		map[string]interface{}{"token": next})
	return next, nil
}

func (f *MemoryFencer) ValidateAndAdvance(ctx context.Context, environment string, token int64) (FenceResult, error) {
	if token <= 0 || token > MaxFenceToken {
		return FenceCorrupt, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	last, err := parseFence(f.accepted[environment])
	if err != nil {
		return FenceCorrupt, nil
	}
	if token <= last {
		return FenceStale, nil
	}

	f.accepted[environment] = strconv.FormatInt(token, 10)
	BestEffort(f.wal, ctx, "fencing", "advance", environment,
		map[string]interface{}{"token": token, "previous": last})
	return FenceOK, nil
}

// CorruptFor injects a raw stored value; tests use it to exercise the
// CORRUPT path the way an operator-damaged store would.
func (f *MemoryFencer) CorruptFor(environment, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[environment] = raw
}

// SeedCounter pre-positions the issuance counter (crash-recovery restore).
func (f *MemoryFencer) SeedCounter(environment string, value int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[environment] = strconv.FormatInt(value, 10)
}

func parseFence(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 || v > MaxFenceToken {
		return 0, core.Errf(core.CodeFencingCorrupt, "stored fence value %q invalid", raw)
	}
	return v, nil
}
