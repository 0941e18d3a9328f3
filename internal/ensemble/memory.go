package ensemble

import (
	"context"
	"sync"
	"time"
)

type memReservation struct {
	tenantID  string
	branches  map[int]int64
	expiresAt time.Time
}

// MemoryStore is the single-process fallback backend. It trades
// cross-process coordination for availability: reservations are only
// visible within this gateway instance.
type MemoryStore struct {
	mu           sync.Mutex
	spent        map[string]int64 // tenant -> spent_micro
	limits       map[string]int64 // tenant -> budget_limit_micro, 0 = unlimited
	reservations map[string]*memReservation
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spent:        make(map[string]int64),
		limits:       make(map[string]int64),
		reservations: make(map[string]*memReservation),
		now:          time.Now,
	}
}

// SetBudgetLimit configures a tenant's limit. Zero means unlimited.
func (s *MemoryStore) SetBudgetLimit(tenantID string, limitMicro int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[tenantID] = limitMicro
}

// Spent reports a tenant's current reserved-plus-committed spend.
func (s *MemoryStore) Spent(tenantID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent[tenantID]
}

// expireLocked reclaims a reservation past its TTL, refunding its budget.
func (s *MemoryStore) expireLocked(ensembleID string) {
	res, ok := s.reservations[ensembleID]
	if !ok || s.now().Before(res.expiresAt) {
		return
	}
	var held int64
	for _, v := range res.branches {
		held += v
	}
	s.spent[res.tenantID] -= held
	delete(s.reservations, ensembleID)
}

func (s *MemoryStore) Reserve(ctx context.Context, ensembleID, tenantID string, branchReservations []int64, ttl time.Duration) (ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(ensembleID)
	if _, exists := s.reservations[ensembleID]; exists {
		return ReserveResult{OK: true, Idempotent: true, BudgetAfter: s.spent[tenantID]}, nil
	}

	total := sum(branchReservations)
	limit := s.limits[tenantID]
	if limit > 0 && s.spent[tenantID]+total > limit {
		return ReserveResult{OK: false, Reason: ReasonBudgetExceeded, BudgetAfter: s.spent[tenantID]}, nil
	}

	branches := make(map[int]int64, len(branchReservations))
	for i, v := range branchReservations {
		branches[i] = v
	}
	s.spent[tenantID] += total
	s.reservations[ensembleID] = &memReservation{
		tenantID:  tenantID,
		branches:  branches,
		expiresAt: s.now().Add(ttl),
	}
	return ReserveResult{OK: true, BudgetAfter: s.spent[tenantID]}, nil
}

func (s *MemoryStore) CommitBranch(ctx context.Context, ensembleID, tenantID string, branchIndex int, actualCostMicro int64) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(ensembleID)
	res, ok := s.reservations[ensembleID]
	if !ok {
		return CommitResult{}, nil
	}
	reserved, ok := res.branches[branchIndex]
	if !ok {
		return CommitResult{Remaining: len(res.branches)}, nil
	}

	refund := reserved - actualCostMicro
	if refund > 0 {
		s.spent[tenantID] -= refund
	} else {
		refund = 0
	}
	delete(res.branches, branchIndex)
	if len(res.branches) == 0 {
		delete(s.reservations, ensembleID)
	}
	return CommitResult{Committed: true, Refund: refund, Remaining: s.branchCount(ensembleID)}, nil
}

func (s *MemoryStore) branchCount(ensembleID string) int {
	if res, ok := s.reservations[ensembleID]; ok {
		return len(res.branches)
	}
	return 0
}

func (s *MemoryStore) ReleaseAll(ctx context.Context, ensembleID, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(ensembleID)
	res, ok := s.reservations[ensembleID]
	if !ok {
		return 0, nil
	}
	var held int64
	for _, v := range res.branches {
		held += v
	}
	s.spent[tenantID] -= held
	delete(s.reservations, ensembleID)
	return held, nil
}

func (s *MemoryStore) HasReservation(ctx context.Context, ensembleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(ensembleID)
	return s.branchCount(ensembleID), nil
}

// SetClock injects a clock for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}
