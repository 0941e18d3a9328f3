package x402

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
)

// Settlement is the on-chain result reported in X-Payment-Settled.
type Settlement struct {
	TxHash string `json:"tx_hash"`
	Method string `json:"method"` // "facilitator" or "direct"
	Amount int64  `json:"amount"` // micro-USDC
}

// Submitter pushes a verified authorization on chain.
type Submitter interface {
	Submit(ctx context.Context, chainID int64, auth Authorization) (txHash string, err error)
}

// Facilitator breaker tuning.
const (
	facilitatorFailureThreshold = 3
	facilitatorCooldown         = 60 * time.Second
)

// Settler submits through a facilitator first and falls back to direct
// submission. Three consecutive facilitator failures open a breaker;
// while open, direct is used exclusively until the cooldown elapses.
type Settler struct {
	facilitator Submitter
	direct      Submitter
	logger      *log.Logger

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	now       func() time.Time
}

func NewSettler(facilitator, direct Submitter) *Settler {
	return &Settler{
		facilitator: facilitator,
		direct:      direct,
		logger:      log.New(log.Writer(), "[X402-SETTLE] ", log.LstdFlags),
		now:         time.Now,
	}
}

// Settle submits the authorization, preferring the facilitator.
func (s *Settler) Settle(ctx context.Context, chainID int64, auth Authorization) (Settlement, error) {
	if s.facilitator != nil && s.allowFacilitator() {
		tx, err := s.facilitator.Submit(ctx, chainID, auth)
		if err == nil {
			s.recordFacilitatorSuccess()
			return Settlement{TxHash: tx, Method: "facilitator", Amount: auth.Value}, nil
		}
		s.recordFacilitatorFailure(err)
	}

	if s.direct == nil {
		return Settlement{}, core.Errf(core.CodeSettlementFailed, "no settlement path available")
	}
	tx, err := s.direct.Submit(ctx, chainID, auth)
	if err != nil {
		return Settlement{}, core.Wrap(core.CodeSettlementFailed, err, "direct settlement failed")
	}
	return Settlement{TxHash: tx, Method: "direct", Amount: auth.Value}, nil
}

func (s *Settler) allowFacilitator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures < facilitatorFailureThreshold {
		return true
	}
	if s.now().After(s.openUntil) {
		// Half-open: let one attempt through.
		return true
	}
	return false
}

func (s *Settler) recordFacilitatorSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures >= facilitatorFailureThreshold {
		s.logger.Printf("INFO facilitator breaker CLOSED after successful submission")
	}
	s.failures = 0
}

func (s *Settler) recordFacilitatorFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.logger.Printf("WARN facilitator submission failed (%d consecutive): %v", s.failures, err)
	if s.failures >= facilitatorFailureThreshold {
		s.openUntil = s.now().Add(facilitatorCooldown)
		s.logger.Printf("ERROR facilitator breaker OPEN until %s", s.openUntil.Format(time.RFC3339))
	}
}

// SetClock injects a clock for tests.
func (s *Settler) SetClock(now func() time.Time) {
	s.now = now
}
