package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/hounfour/internal/core"
)

func TestDeriveFromTier(t *testing.T) {
	assert.Equal(t, []core.PoolID{core.PoolCheap}, DeriveFromTier(core.TierFree))
	assert.Len(t, DeriveFromTier(core.TierPro), 3)
	assert.Len(t, DeriveFromTier(core.TierEnterprise), 4)
	assert.Nil(t, DeriveFromTier(core.Tier("platinum")))
}

func TestEnforceDerivesFromTierOnly(t *testing.T) {
	// A free token claiming every pool still only gets cheap.
	res, err := EnforcePoolClaims(Claims{
		Tier:         core.TierFree,
		AllowedPools: []string{"cheap", "fast-code", "reviewer", "reasoning"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []core.PoolID{core.PoolCheap}, res.ResolvedPools)
	assert.Equal(t, "superset", res.Mismatch)
}

func TestEnforceStrictModeDeniesSuperset(t *testing.T) {
	_, err := EnforcePoolClaims(Claims{
		Tier:         core.TierFree,
		AllowedPools: []string{"reasoning"},
	}, Options{StrictMode: true})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodePoolAccessDenied))
}

func TestEnforceUnknownRequestedPool(t *testing.T) {
	_, err := EnforcePoolClaims(Claims{Tier: core.TierPro, PoolID: "gpu-turbo"}, Options{})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeUnknownPool))
}

func TestEnforceRequestedPoolOutsideTier(t *testing.T) {
	_, err := EnforcePoolClaims(Claims{Tier: core.TierFree, PoolID: "reasoning"}, Options{})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodePoolAccessDenied))
}

func TestEnforceInvalidAllowedPoolEntriesIgnored(t *testing.T) {
	res, err := EnforcePoolClaims(Claims{
		Tier:         core.TierEnterprise,
		AllowedPools: []string{"cheap", "bogus", "fast-code", "reviewer", "reasoning"},
	}, Options{StrictMode: true})
	require.NoError(t, err)
	assert.Len(t, res.ResolvedPools, 4)
}

func TestEnforceUnknownTier(t *testing.T) {
	_, err := EnforcePoolClaims(Claims{Tier: core.Tier("platinum")}, Options{})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeTierUnauthorized))
}

func TestSelectAuthorizedPoolRouting(t *testing.T) {
	tc := &core.TenantContext{
		TenantID:      "t1",
		Tier:          core.TierEnterprise,
		ResolvedPools: DeriveFromTier(core.TierEnterprise),
	}

	p, err := SelectAuthorizedPool(tc, "code")
	require.NoError(t, err)
	assert.Equal(t, core.PoolFastCode, p)

	p, err = SelectAuthorizedPool(tc, "review")
	require.NoError(t, err)
	assert.Equal(t, core.PoolReviewer, p)

	p, err = SelectAuthorizedPool(tc, "chitchat")
	require.NoError(t, err)
	assert.Equal(t, core.PoolCheap, p)
}

func TestSelectAuthorizedPoolBoundTokenMismatch(t *testing.T) {
	tc := &core.TenantContext{
		TenantID:      "t1",
		Tier:          core.TierEnterprise,
		ResolvedPools: DeriveFromTier(core.TierEnterprise),
		RequestedPool: core.PoolReviewer,
	}

	// Routing picks fast-code but the token binds to reviewer.
	_, err := SelectAuthorizedPool(tc, "code")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodePoolAccessDenied))

	p, err := SelectAuthorizedPool(tc, "review")
	require.NoError(t, err)
	assert.Equal(t, core.PoolReviewer, p)
}

func TestSelectAuthorizedPoolOutsideTier(t *testing.T) {
	tc := &core.TenantContext{
		TenantID:      "t2",
		Tier:          core.TierFree,
		ResolvedPools: DeriveFromTier(core.TierFree),
	}

	_, err := SelectAuthorizedPool(tc, "reasoning")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodePoolAccessDenied))
}

func TestSelectAuthorizedPoolEmptyResolvedSet(t *testing.T) {
	tc := &core.TenantContext{TenantID: "t3"}
	_, err := SelectAuthorizedPool(tc, "code")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodePoolAccessDenied))
}
