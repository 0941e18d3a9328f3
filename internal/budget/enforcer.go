// Package budget enforces per-scope cost budgets with a write-ahead commit
// discipline: ledger append, then checkpoint, then in-memory counters. All
// commits are serialized through one mutex so the ordering is preserved.
package budget

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/ledger"
	"github.com/loa-finn/hounfour/internal/pricing"
	"github.com/loa-finn/hounfour/internal/wal"
)

// Policy decides what happens when the metering path (ledger or checkpoint)
// is failing.
type Policy string

const (
	// FailOpen logs the failure and lets the request through uncharged.
	FailOpen Policy = "fail-open"
	// FailClosed rejects the request with METERING_UNAVAILABLE.
	FailClosed Policy = "fail-closed"
)

const (
	// DefaultWarnPercent is the warning threshold against a scope's limit.
	DefaultWarnPercent = 80
	// DefaultMaxRetries bounds ledger append retries inside one commit.
	DefaultMaxRetries = 3
	// DegradedAfter is how long metering failures persist before the
	// enforcer reports itself degraded.
	DegradedAfter = 5 * time.Minute
)

// Config configures the enforcer.
type Config struct {
	Budgets        map[string]int64 // scope key → limit in micro-USD; 0/absent = unlimited
	WarnPercent    int
	Policy         Policy
	MaxRetries     int
	CheckpointPath string
}

// Snapshot reports a scope's standing.
type Snapshot struct {
	ScopeKey    string  `json:"scope_key"`
	SpentMicro  int64   `json:"spent_micro"`
	LimitMicro  int64   `json:"limit_micro"`
	PercentUsed float64 `json:"percent_used"`
	Warning     bool    `json:"warning"`
	Exceeded    bool    `json:"exceeded"`
}

// Enforcer holds the scope counters and drives the commit protocol.
type Enforcer struct {
	cfg    Config
	ledger *ledger.Ledger
	wal    wal.Appender
	logger *log.Logger

	mu           sync.Mutex // the single commit mutex
	counters     map[string]int64
	headLine     int64
	remainders   *pricing.RemainderAccumulator
	firstFailure time.Time // zero when healthy
}

// New restores counters from the checkpoint and returns a ready enforcer.
func New(cfg Config, l *ledger.Ledger, w wal.Appender) (*Enforcer, error) {
	if cfg.WarnPercent <= 0 {
		cfg.WarnPercent = DefaultWarnPercent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Policy == "" {
		cfg.Policy = FailOpen
	}

	cp, err := readCheckpoint(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}

	return &Enforcer{
		cfg:        cfg,
		ledger:     l,
		wal:        w,
		logger:     log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
		counters:   cp.Counters,
		headLine:   cp.LedgerHeadLine,
		remainders: pricing.NewRemainderAccumulator(),
	}, nil
}

// CheckBudget rejects with BUDGET_EXCEEDED when adding estimateMicro to any
// configured scope of the request would cross its limit.
func (e *Enforcer) CheckBudget(meta core.ScopeMeta, estimateMicro int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, key := range meta.ScopeKeys() {
		limit, ok := e.cfg.Budgets[key]
		if !ok || limit <= 0 {
			continue
		}
		if e.counters[key]+estimateMicro > limit {
			return core.Errf(core.CodeBudgetExceeded,
				"scope %s: spent %d + %d exceeds limit %d micro",
				key, e.counters[key], estimateMicro, limit).
				WithContext("scope_key", key)
		}
	}
	return nil
}

// RecordCost runs the write-ahead commit for one completed invocation:
// (1) ledger append with bounded retries, (2) checkpoint via temp+rename,
// (3) in-memory counters. Remainder carries are folded into the counters.
func (e *Enforcer) RecordCost(ctx context.Context, tenantID string, entry ledger.EntryV2,
	meta core.ScopeMeta, b pricing.Breakdown) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: durable ledger append.
	var appendErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if appendErr = e.ledger.Append(tenantID, entry); appendErr == nil {
			break
		}
	}
	if appendErr != nil {
		return e.meterFailureLocked(ctx, "ledger_append", appendErr)
	}

	// Compute the post-commit counters before touching memory.
	next := make(map[string]int64, len(e.counters))
	for k, v := range e.counters {
		next[k] = v
	}
	totalRemainder := b.InputRemainder + b.OutputRemainder + b.ReasoningRemainder
	for _, key := range meta.ScopeKeys() {
		carry := e.remainders.Add(key, totalRemainder)
		next[key] += b.TotalCostMicro + carry
	}

	// Step 2: checkpoint.
	if err := writeCheckpoint(e.cfg.CheckpointPath, next, e.headLine+1); err != nil {
		return e.meterFailureLocked(ctx, "checkpoint_write", err)
	}

	// Step 3: in-memory counters.
	e.counters = next
	e.headLine++
	e.firstFailure = time.Time{}

	wal.BestEffort(e.wal, ctx, "budget", "record_cost", meta.MostSpecificScope(),
		map[string]interface{}{
			"tenant_id":        tenantID,
			"total_cost_micro": pricing.FormatMicro(b.TotalCostMicro),
			"trace_id":         entry.TraceID,
		})
	return nil
}

// meterFailureLocked applies the configured failure policy. Fail-open still
// attempts the WAL audit; the outage itself is worth a durable trace.
func (e *Enforcer) meterFailureLocked(ctx context.Context, stage string, cause error) error {
	if e.firstFailure.IsZero() {
		e.firstFailure = time.Now()
	}

	wal.BestEffort(e.wal, ctx, "budget", "metering_failure", stage,
		map[string]interface{}{"error": cause.Error()})

	if e.cfg.Policy == FailOpen {
		e.logger.Printf("metering failure at %s (fail-open, request proceeds uncharged): %v", stage, cause)
		return nil
	}
	return core.Wrap(core.CodeMeteringUnavailable, cause, "metering failure at %s", stage)
}

// IsExceeded reports whether the scope is at or over 100% of its limit.
func (e *Enforcer) IsExceeded(scope string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	limit, ok := e.cfg.Budgets[scope]
	return ok && limit > 0 && e.counters[scope] >= limit
}

// IsWarning reports whether the scope is at or over the warn threshold.
func (e *Enforcer) IsWarning(scope string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	limit, ok := e.cfg.Budgets[scope]
	if !ok || limit <= 0 {
		return false
	}
	return e.counters[scope]*100 >= limit*int64(e.cfg.WarnPercent)
}

// SnapshotScope returns the scope's current standing.
func (e *Enforcer) SnapshotScope(scope string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := e.cfg.Budgets[scope]
	spent := e.counters[scope]
	s := Snapshot{ScopeKey: scope, SpentMicro: spent, LimitMicro: limit}
	if limit > 0 {
		s.PercentUsed = float64(spent) / float64(limit) * 100
		s.Warning = spent*100 >= limit*int64(e.cfg.WarnPercent)
		s.Exceeded = spent >= limit
	}
	return s
}

// Spent returns the raw counter for a scope.
func (e *Enforcer) Spent(scope string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[scope]
}

// Degraded reports whether metering failures have persisted past
// DegradedAfter; the health surface uses this.
func (e *Enforcer) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.firstFailure.IsZero() && time.Since(e.firstFailure) > DegradedAfter
}
