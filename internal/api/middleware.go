package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/pool"
)

type ctxKey int

const tenantKey ctxKey = iota

// TenantFromContext returns the request's tenant context, or nil outside
// the authenticated subtree.
func TenantFromContext(ctx context.Context) *core.TenantContext {
	tc, _ := ctx.Value(tenantKey).(*core.TenantContext)
	return tc
}

// authMiddleware verifies the bearer token, enforces pool claims and
// injects the per-request TenantContext. It is the only place identity
// claims are read; handlers downstream see only the resolved context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}

		res, err := pool.EnforcePoolClaims(pool.Claims{
			Tier:         core.Tier(claims.Tier),
			PoolID:       claims.PoolID,
			AllowedPools: claims.AllowedPools,
		}, pool.Options{StrictMode: s.strictPoolMode})
		if err != nil {
			s.writeError(w, err)
			return
		}

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		tc := &core.TenantContext{
			TenantID:      claims.TenantID,
			Tier:          core.Tier(claims.Tier),
			ResolvedPools: res.ResolvedPools,
			RequestedPool: res.RequestedPool,
			NFTID:         claims.NFTID,
			RequestHash:   claims.ReqHash,
			JTI:           claims.ID,
			TraceID:       traceID,
			NFTBilling:    claims.NFTID != "",
		}

		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tc)))
	})
}
