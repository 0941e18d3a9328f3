package pricing

import "sync"

// RemainderAccumulator aggregates sub-micro remainders per scope so the
// fractional micro-units dropped by floor division are eventually billed.
// When a scope's accumulated remainder reaches one micro-unit, Add returns
// the whole micro-units to emit and keeps the modulus.
type RemainderAccumulator struct {
	mu   sync.Mutex
	sums map[string]int64
}

// NewRemainderAccumulator creates an empty accumulator.
func NewRemainderAccumulator() *RemainderAccumulator {
	return &RemainderAccumulator{sums: make(map[string]int64)}
}

// Add accumulates a remainder for the scope and returns the carry: the
// number of whole micro-units now owed (0 almost always).
func (ra *RemainderAccumulator) Add(scope string, remainder int64) int64 {
	if remainder <= 0 {
		return 0
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()

	sum := ra.sums[scope] + remainder
	carry := sum / MicroPerUnit
	ra.sums[scope] = sum % MicroPerUnit
	return carry
}

// Pending returns the un-carried remainder for a scope.
func (ra *RemainderAccumulator) Pending(scope string) int64 {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.sums[scope]
}

// Reset clears the accumulator for a scope.
func (ra *RemainderAccumulator) Reset(scope string) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	delete(ra.sums, scope)
}
