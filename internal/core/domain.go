package core

import (
	"time"
)

// Tier is a per-tenant authorization class determining the accessible pool set.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// PoolID is a named routing class selected per request.
type PoolID string

const (
	PoolCheap     PoolID = "cheap"
	PoolFastCode  PoolID = "fast-code"
	PoolReviewer  PoolID = "reviewer"
	PoolReasoning PoolID = "reasoning"
)

// KnownPools is the closed set of valid pool ids.
var KnownPools = map[PoolID]bool{
	PoolCheap:     true,
	PoolFastCode:  true,
	PoolReviewer:  true,
	PoolReasoning: true,
}

// TenantContext is derived per-request from a validated identity claim.
// It lives for the duration of one request and is never stored.
type TenantContext struct {
	TenantID      string
	Tier          Tier
	ResolvedPools []PoolID // tier-derived, never empty for a valid tier
	RequestedPool PoolID   // "" when the token carries no pool_id
	NFTID         string
	RequestHash   string
	JTI           string
	TraceID       string

	// NFT-routed requests bill against the NFT holder rather than the tenant.
	NFTBilling bool
}

// HasPool reports whether the context authorizes the given pool.
func (tc *TenantContext) HasPool(p PoolID) bool {
	for _, rp := range tc.ResolvedPools {
		if rp == p {
			return true
		}
	}
	return false
}

// Usage is the token usage reported for a completed invocation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
}

// ScopeMeta identifies the budget scopes a request bills against.
type ScopeMeta struct {
	ProjectID string
	PhaseID   string
	SprintID  string
}

// ScopeKeys returns the hierarchical scope keys, most general first:
// project:P, project:P:phase:H, project:P:phase:H:sprint:S.
func (m ScopeMeta) ScopeKeys() []string {
	if m.ProjectID == "" {
		return nil
	}
	keys := []string{"project:" + m.ProjectID}
	if m.PhaseID != "" {
		keys = append(keys, keys[0]+":phase:"+m.PhaseID)
		if m.SprintID != "" {
			keys = append(keys, keys[1]+":sprint:"+m.SprintID)
		}
	}
	return keys
}

// MostSpecificScope returns the deepest scope key, or "" when unscoped.
func (m ScopeMeta) MostSpecificScope() string {
	keys := m.ScopeKeys()
	if len(keys) == 0 {
		return ""
	}
	return keys[len(keys)-1]
}

// NowUTC returns the current time in UTC, truncated to milliseconds.
// Ledger timestamps use this so entries are stable across JSON round trips.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
