package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReserver(t *testing.T, limitMicro int64) (*Reserver, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.SetBudgetLimit("t1", limitMicro)
	return NewReserver(store, 0), store
}

func TestReserveThenCommitRefundsUnused(t *testing.T) {
	r, store := newTestReserver(t, 1_000_000)
	ctx := context.Background()

	res, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000, 20_000, 30_000})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.False(t, res.Idempotent)
	assert.Equal(t, int64(60_000), res.BudgetAfter)

	// Branch 1 used 15 000 of its 20 000 reservation.
	cr, err := r.CommitBranch(ctx, "ens-1", "t1", 1, 15_000)
	require.NoError(t, err)
	require.True(t, cr.Committed)
	assert.Equal(t, int64(5_000), cr.Refund)
	assert.Equal(t, 2, cr.Remaining)
	assert.Equal(t, int64(55_000), store.Spent("t1"))
}

func TestReserveIdempotent(t *testing.T) {
	r, _ := newTestReserver(t, 1_000_000)
	ctx := context.Background()

	first, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000})
	require.NoError(t, err)
	require.True(t, first.OK)

	again, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000})
	require.NoError(t, err)
	require.True(t, again.OK)
	assert.True(t, again.Idempotent)
	assert.Equal(t, first.BudgetAfter, again.BudgetAfter)
}

func TestReserveRejectsOverBudget(t *testing.T) {
	r, store := newTestReserver(t, 50_000)
	ctx := context.Background()

	res, err := r.Reserve(ctx, "ens-1", "t1", []int64{30_000, 30_000})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonBudgetExceeded, res.Reason)
	assert.Equal(t, int64(0), store.Spent("t1"))
}

func TestReserveUnlimitedWhenNoLimit(t *testing.T) {
	r, _ := newTestReserver(t, 0)
	res, err := r.Reserve(context.Background(), "ens-1", "t1", []int64{5_000_000_000})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestCommitOveruseNeverRefundsNegative(t *testing.T) {
	r, store := newTestReserver(t, 1_000_000)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000})
	require.NoError(t, err)

	// Actual exceeded the reservation; the difference is not clawed back here.
	cr, err := r.CommitBranch(ctx, "ens-1", "t1", 0, 12_000)
	require.NoError(t, err)
	require.True(t, cr.Committed)
	assert.Equal(t, int64(0), cr.Refund)
	assert.Equal(t, int64(10_000), store.Spent("t1"))
}

func TestCommitUnknownBranch(t *testing.T) {
	r, _ := newTestReserver(t, 1_000_000)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000})
	require.NoError(t, err)

	cr, err := r.CommitBranch(ctx, "ens-1", "t1", 7, 1_000)
	require.NoError(t, err)
	assert.False(t, cr.Committed)
	assert.Equal(t, 1, cr.Remaining)
}

func TestLastCommitClearsReservation(t *testing.T) {
	r, _ := newTestReserver(t, 1_000_000)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000, 10_000})
	require.NoError(t, err)

	_, err = r.CommitBranch(ctx, "ens-1", "t1", 0, 10_000)
	require.NoError(t, err)
	cr, err := r.CommitBranch(ctx, "ens-1", "t1", 1, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 0, cr.Remaining)

	n, err := r.HasReservation(ctx, "ens-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseAllRefundsRemaining(t *testing.T) {
	r, store := newTestReserver(t, 1_000_000)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000, 20_000})
	require.NoError(t, err)
	_, err = r.CommitBranch(ctx, "ens-1", "t1", 0, 10_000)
	require.NoError(t, err)

	released, err := r.ReleaseAll(ctx, "ens-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), released)
	assert.Equal(t, int64(10_000), store.Spent("t1"))

	// Releasing again is a no-op.
	released, err = r.ReleaseAll(ctx, "ens-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)
}

func TestTTLReclaimsAbandonedReservation(t *testing.T) {
	store := NewMemoryStore()
	store.SetBudgetLimit("t1", 1_000_000)
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	r := NewReserver(store, 0)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "ens-1", "t1", []int64{40_000})
	require.NoError(t, err)
	require.Equal(t, int64(40_000), store.Spent("t1"))

	now = now.Add(DefaultReservationTTL + time.Second)
	n, err := r.HasReservation(ctx, "ens-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), store.Spent("t1"))

	// A fresh reserve under the same id succeeds, not idempotent.
	res, err := r.Reserve(ctx, "ens-1", "t1", []int64{10_000})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Idempotent)
}
