// Package health tracks per-(provider, modelId) circuit state. An unseen
// pair starts CLOSED (optimistic). One model tripping never affects another
// model on the same provider.
package health

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/wal"
)

// State is the circuit state for one (provider, modelId).
type State int

const (
	StateClosed   State = iota // healthy, requests pass
	StateOpen                  // tripped, requests diverted
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the trip/recovery parameters.
type Config struct {
	FailureThreshold  int           // consecutive health-eligible failures to OPEN
	RecoveryThreshold int           // successes in HALF_OPEN to CLOSE
	RecoveryInterval  time.Duration // OPEN dwell before HALF_OPEN
	JitterPercent     int           // ± applied to RecoveryInterval
}

// DefaultConfig matches the routing defaults: 3 failures trip, 1 success
// recovers, 30 s dwell with ±20% jitter.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryThreshold: 1,
		RecoveryInterval:  30 * time.Second,
		JitterPercent:     20,
	}
}

// Eligible reports whether an error counts against provider health.
// Network errors and provider 5xx are eligible; 4xx (including 401, 400,
// 429), schema and HMAC errors are the caller's problem, not the provider's.
func Eligible(err error) bool {
	var he *core.HounfourError
	if !errors.As(err, &he) {
		return false
	}
	switch he.Code {
	case core.CodeNetworkError:
		return true
	case core.CodeProviderError:
		if sc, ok := he.Context["status_code"].(int); ok {
			return sc >= 500
		}
		// Provider errors without a status are treated as upstream trouble.
		return true
	}
	return false
}

type circuit struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenAt           time.Time
	recoveryDeadline     time.Time
}

// Prober owns all circuits. Transitions are linearizable per pair; the
// single mutex gives us that cheaply at gateway scale.
type Prober struct {
	cfg    Config
	wal    wal.Appender
	logger *log.Logger
	now    func() time.Time
	rng    *rand.Rand

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a prober. wal may be nil.
func New(cfg Config, w wal.Appender) *Prober {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 1
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 30 * time.Second
	}
	return &Prober{
		cfg:      cfg,
		wal:      w,
		logger:   log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		circuits: make(map[string]*circuit),
	}
}

func key(provider, modelID string) string { return provider + ":" + modelID }

func (p *Prober) circuitLocked(provider, modelID string) *circuit {
	k := key(provider, modelID)
	c, ok := p.circuits[k]
	if !ok {
		c = &circuit{state: StateClosed}
		p.circuits[k] = c
	}
	return c
}

// IsHealthy reads the pair's state. If it is OPEN and the recovery interval
// has elapsed, the circuit transitions to HALF_OPEN atomically and the pair
// reports healthy so one probe can flow.
func (p *Prober) IsHealthy(provider, modelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.circuitLocked(provider, modelID)
	switch c.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if p.now().After(c.recoveryDeadline) {
			p.transitionLocked(provider, modelID, c, StateHalfOpen)
			c.halfOpenAt = p.now()
			c.consecutiveSuccesses = 0
			return true
		}
		return false
	}
	return true
}

// RecordSuccess feeds a successful invocation back into the circuit.
func (p *Prober) RecordSuccess(provider, modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.circuitLocked(provider, modelID)
	switch c.state {
	case StateClosed:
		c.consecutiveFailures = 0
	case StateHalfOpen:
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= p.cfg.RecoveryThreshold {
			p.transitionLocked(provider, modelID, c, StateClosed)
			c.consecutiveFailures = 0
			c.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure feeds a failed invocation back. Errors that are not
// health-eligible are ignored entirely.
func (p *Prober) RecordFailure(provider, modelID string, err error) {
	if !Eligible(err) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.circuitLocked(provider, modelID)
	switch c.state {
	case StateClosed:
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
		if c.consecutiveFailures >= p.cfg.FailureThreshold {
			p.openLocked(provider, modelID, c)
		}
	case StateHalfOpen:
		p.openLocked(provider, modelID, c)
	}
}

func (p *Prober) openLocked(provider, modelID string, c *circuit) {
	p.transitionLocked(provider, modelID, c, StateOpen)
	c.openedAt = p.now()
	c.recoveryDeadline = c.openedAt.Add(p.jitteredInterval())
	c.consecutiveSuccesses = 0
}

// jitteredInterval returns RecoveryInterval ± JitterPercent.
func (p *Prober) jitteredInterval() time.Duration {
	if p.cfg.JitterPercent <= 0 {
		return p.cfg.RecoveryInterval
	}
	span := float64(p.cfg.RecoveryInterval) * float64(p.cfg.JitterPercent) / 100
	offset := (p.rng.Float64()*2 - 1) * span
	return p.cfg.RecoveryInterval + time.Duration(offset)
}

// transitionLocked logs and WALs a state change. Transitions are never
// surfaced as errors to callers.
func (p *Prober) transitionLocked(provider, modelID string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	p.logger.Printf("circuit %s:%s %s -> %s", provider, modelID, from, to)
	wal.BestEffort(p.wal, context.Background(), "health", "transition", key(provider, modelID),
		map[string]interface{}{"from": from.String(), "to": to.String()})
}

// PairStats is one circuit's observable state.
type PairStats struct {
	Key                  string `json:"key"`
	State                string `json:"state"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
	OpenedAt             string `json:"opened_at,omitempty"`
}

// Stats snapshots every tracked circuit.
func (p *Prober) Stats() []PairStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]PairStats, 0, len(p.circuits))
	for k, c := range p.circuits {
		s := PairStats{
			Key:                  k,
			State:                c.state.String(),
			ConsecutiveFailures:  c.consecutiveFailures,
			ConsecutiveSuccesses: c.consecutiveSuccesses,
		}
		if !c.openedAt.IsZero() {
			s.OpenedAt = c.openedAt.UTC().Format(time.RFC3339)
		}
		stats = append(stats, s)
	}
	return stats
}

// SetClock injects a clock for tests.
func (p *Prober) SetClock(now func() time.Time) { p.now = now }
