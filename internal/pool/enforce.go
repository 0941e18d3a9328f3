// Package pool derives and enforces per-request pool authorization.
//
// The authorized pool set is a pure function of tier. The token's
// allowed_pools claim is advisory telemetry only: it is logged when it
// disagrees with the derivation, but it never grants access.
package pool

import (
	"log"

	"github.com/loa-finn/hounfour/internal/core"
)

var logger = log.New(log.Writer(), "[POOL] ", log.LstdFlags)

// DeriveFromTier returns the authorized pool set for a tier. This is the
// only place pool authorization comes from.
func DeriveFromTier(tier core.Tier) []core.PoolID {
	switch tier {
	case core.TierFree:
		return []core.PoolID{core.PoolCheap}
	case core.TierPro:
		return []core.PoolID{core.PoolCheap, core.PoolFastCode, core.PoolReviewer}
	case core.TierEnterprise:
		return []core.PoolID{core.PoolCheap, core.PoolFastCode, core.PoolReviewer, core.PoolReasoning}
	default:
		return nil
	}
}

// Claims is the pool-relevant slice of a validated identity token.
type Claims struct {
	Tier         core.Tier
	PoolID       string   // requested pool, optional
	AllowedPools []string // advisory, optional
}

// Options tunes enforcement.
type Options struct {
	// StrictMode escalates an allowed_pools superset from a warning to
	// POOL_ACCESS_DENIED.
	StrictMode bool
}

// Result is the successful outcome of claim enforcement.
type Result struct {
	ResolvedPools []core.PoolID
	RequestedPool core.PoolID // "" when no pool was requested
	Mismatch      string      // non-empty when allowed_pools disagreed with derivation
}

// EnforcePoolClaims validates a token's pool claims against the
// tier-derived set.
func EnforcePoolClaims(claims Claims, opts Options) (Result, error) {
	resolved := DeriveFromTier(claims.Tier)
	if len(resolved) == 0 {
		return Result{}, core.Errf(core.CodeTierUnauthorized,
			"tier %q derives no pools", claims.Tier)
	}

	res := Result{ResolvedPools: resolved}

	if claims.PoolID != "" {
		requested := core.PoolID(claims.PoolID)
		if !core.KnownPools[requested] {
			return Result{}, core.Errf(core.CodeUnknownPool,
				"pool %q is not a known pool", claims.PoolID).
				WithContext("pool_id", claims.PoolID)
		}
		if !containsPool(resolved, requested) {
			return Result{}, core.Errf(core.CodePoolAccessDenied,
				"tier %q does not authorize pool %q", claims.Tier, requested).
				WithContext("pool_id", claims.PoolID).
				WithContext("tier", string(claims.Tier))
		}
		res.RequestedPool = requested
	}

	if len(claims.AllowedPools) > 0 {
		res.Mismatch = auditAllowedPools(claims, resolved, opts)
		if res.Mismatch == "superset" && opts.StrictMode {
			return Result{}, core.Errf(core.CodePoolAccessDenied,
				"token allowed_pools exceeds tier %q derivation (strict mode)", claims.Tier)
		}
	}
	return res, nil
}

// auditAllowedPools compares the advisory claim with the derivation and
// returns "", "subset" or "superset".
func auditAllowedPools(claims Claims, resolved []core.PoolID, opts Options) string {
	valid := make([]core.PoolID, 0, len(claims.AllowedPools))
	for _, raw := range claims.AllowedPools {
		p := core.PoolID(raw)
		if !core.KnownPools[p] {
			logger.Printf("ERROR invalid allowed_pools entry %q (tier=%s), ignoring", raw, claims.Tier)
			continue
		}
		valid = append(valid, p)
	}

	superset := false
	for _, p := range valid {
		if !containsPool(resolved, p) {
			superset = true
			break
		}
	}
	if superset {
		logger.Printf("WARN token allowed_pools %v is a superset of tier %q derivation %v",
			claims.AllowedPools, claims.Tier, resolved)
		return "superset"
	}
	if len(valid) < len(resolved) {
		logger.Printf("INFO token allowed_pools %v is a subset of tier %q derivation", valid, claims.Tier)
		return "subset"
	}
	return ""
}

// RouteForTask maps a task type to its routing pool.
func RouteForTask(taskType string) core.PoolID {
	switch taskType {
	case "code", "refactor":
		return core.PoolFastCode
	case "review":
		return core.PoolReviewer
	case "reasoning", "planning":
		return core.PoolReasoning
	default:
		return core.PoolCheap
	}
}

// SelectAuthorizedPool performs final routing for a request. A token-bound
// pool must match the routing result exactly; otherwise the routing result
// must be in the tier-derived set.
func SelectAuthorizedPool(tc *core.TenantContext, taskType string) (core.PoolID, error) {
	if len(tc.ResolvedPools) == 0 {
		return "", core.Errf(core.CodePoolAccessDenied,
			"tenant %s has empty resolved pool set (invariant violation)", tc.TenantID)
	}

	routed := RouteForTask(taskType)

	if tc.RequestedPool != "" {
		if tc.RequestedPool == routed {
			return routed, nil
		}
		return "", core.Errf(core.CodePoolAccessDenied,
			"JWT binds to %q, routing selected %q", tc.RequestedPool, routed).
			WithContext("requested_pool", string(tc.RequestedPool)).
			WithContext("routed_pool", string(routed))
	}

	if !tc.HasPool(routed) {
		return "", core.Errf(core.CodePoolAccessDenied,
			"routing selected %q outside tier-derived set", routed).
			WithContext("routed_pool", string(routed))
	}
	return routed, nil
}

func containsPool(list []core.PoolID, p core.PoolID) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}
