// Package ensemble reserves budget for multi-branch invocations up front
// and reconciles per branch as results arrive. Reserve and commit are
// single atomic operations against the backing store so concurrent
// branches never double-spend.
package ensemble

import (
	"context"
	"log"
	"time"
)

// DefaultReservationTTL bounds how long an abandoned reservation can hold
// budget before the store reclaims it.
const DefaultReservationTTL = 300 * time.Second

// ReasonBudgetExceeded is the rejection reason when a reservation would
// push spend past the tenant limit.
const ReasonBudgetExceeded = "BUDGET_EXCEEDED"

// ReserveResult is the outcome of a Reserve call.
type ReserveResult struct {
	OK          bool
	Idempotent  bool   // a reservation for this ensemble already existed
	Reason      string // set when OK is false
	BudgetAfter int64  // tenant spent_micro after the operation
}

// CommitResult is the outcome of a CommitBranch call.
type CommitResult struct {
	Committed bool  // false when the branch had no reservation
	Refund    int64 // micro-USD returned to the budget
	Remaining int   // branches still reserved
}

// Store is the atomic reservation backend. RedisStore runs server-side
// scripts; MemoryStore is the single-process fallback.
type Store interface {
	Reserve(ctx context.Context, ensembleID, tenantID string, branchReservations []int64, ttl time.Duration) (ReserveResult, error)
	CommitBranch(ctx context.Context, ensembleID, tenantID string, branchIndex int, actualCostMicro int64) (CommitResult, error)
	ReleaseAll(ctx context.Context, ensembleID, tenantID string) (releasedMicro int64, err error)
	HasReservation(ctx context.Context, ensembleID string) (branches int, err error)
}

// Reserver wraps a Store with the default TTL and audit logging.
type Reserver struct {
	store  Store
	ttl    time.Duration
	logger *log.Logger
}

func NewReserver(store Store, ttl time.Duration) *Reserver {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Reserver{
		store:  store,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[ENSEMBLE] ", log.LstdFlags),
	}
}

// Reserve atomically reserves budget for every branch of an ensemble.
// Idempotent per ensemble id.
func (r *Reserver) Reserve(ctx context.Context, ensembleID, tenantID string, branchReservations []int64) (ReserveResult, error) {
	res, err := r.store.Reserve(ctx, ensembleID, tenantID, branchReservations, r.ttl)
	if err != nil {
		return ReserveResult{}, err
	}
	if !res.OK {
		r.logger.Printf("WARN reserve rejected ensemble=%s tenant=%s reason=%s", ensembleID, tenantID, res.Reason)
	}
	return res, nil
}

// CommitBranch settles one branch, refunding the unused share of its
// reservation.
func (r *Reserver) CommitBranch(ctx context.Context, ensembleID, tenantID string, branchIndex int, actualCostMicro int64) (CommitResult, error) {
	return r.store.CommitBranch(ctx, ensembleID, tenantID, branchIndex, actualCostMicro)
}

// ReleaseAll refunds every remaining branch reservation. Used on failure
// and cancellation paths; the total released is logged for audit.
func (r *Reserver) ReleaseAll(ctx context.Context, ensembleID, tenantID string) (int64, error) {
	released, err := r.store.ReleaseAll(ctx, ensembleID, tenantID)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		r.logger.Printf("INFO released %d micro-USD from ensemble=%s tenant=%s", released, ensembleID, tenantID)
	}
	return released, nil
}

// HasReservation reports how many branches are still reserved.
func (r *Reserver) HasReservation(ctx context.Context, ensembleID string) (int, error) {
	return r.store.HasReservation(ctx, ensembleID)
}

func sum(vals []int64) int64 {
	var total int64
	for _, v := range vals {
		total += v
	}
	return total
}
