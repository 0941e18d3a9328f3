// Package identity validates the service-to-service tokens that carry
// tenant, tier and pool claims. ES256 is mandatory in production; HS256 is
// honored only outside production and only when explicitly selected.
package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loa-finn/hounfour/internal/core"
)

// Token constraints.
const (
	MaxClockSkew = 30 * time.Second
	MaxLifetime  = 3600 * time.Second
)

// Claims is the gateway's token payload.
type Claims struct {
	TenantID         string   `json:"tenant_id"`
	Tier             string   `json:"tier"`
	ReqHash          string   `json:"req_hash"`
	PoolID           string   `json:"pool_id,omitempty"`
	AllowedPools     []string `json:"allowed_pools,omitempty"`
	NFTID            string   `json:"nft_id,omitempty"`
	ModelPreferences []string `json:"model_preferences,omitempty"`
	jwt.RegisteredClaims
}

// ReplayGuard reserves jti values with set-if-absent semantics so a token
// cannot be presented twice within its lifetime.
type ReplayGuard interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is the single-process fallback.
type MemoryReplayGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{entries: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, ok := g.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	g.entries[key] = now.Add(ttl)
	return true, nil
}

// Config selects the verification algorithm and key material.
type Config struct {
	Algorithm  string // "ES256" or "HS256"
	PublicKey  *ecdsa.PublicKey
	HMACSecret []byte
	Issuer     string
	Audience   string
	Production bool
}

// Verifier parses and validates tokens.
type Verifier struct {
	cfg    Config
	parser *jwt.Parser
	replay ReplayGuard
	now    func() time.Time
}

// NewVerifier validates the algorithm choice at startup. HS256 in
// production and unselected-algorithm ambiguity are both rejected there
// rather than at request time.
func NewVerifier(cfg Config, replay ReplayGuard) (*Verifier, error) {
	switch cfg.Algorithm {
	case "ES256":
		if cfg.PublicKey == nil {
			return nil, fmt.Errorf("identity: ES256 requires a public key")
		}
	case "HS256":
		if cfg.Production {
			return nil, fmt.Errorf("identity: HS256 is not permitted in production")
		}
		if len(cfg.HMACSecret) == 0 {
			return nil, fmt.Errorf("identity: HS256 requires a secret")
		}
	case "":
		return nil, fmt.Errorf("identity: signing algorithm must be selected explicitly")
	default:
		return nil, fmt.Errorf("identity: unsupported algorithm %q", cfg.Algorithm)
	}

	return &Verifier{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{cfg.Algorithm}),
			jwt.WithLeeway(MaxClockSkew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
		replay: replay,
		now:    time.Now,
	}, nil
}

// Verify parses the compact token, enforces lifetime and replay rules and
// returns the validated claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, core.Errf(core.CodeAuthMissing, "no token presented")
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, core.Wrap(core.CodeAuthExpired, err, "token expired")
		}
		return nil, core.Wrap(core.CodeAuthInvalid, err, "token rejected")
	}
	if !parsed.Valid {
		return nil, core.Errf(core.CodeAuthInvalid, "token rejected")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, v.guardReplay(ctx, claims)
}

func (v *Verifier) keyFunc(t *jwt.Token) (interface{}, error) {
	if v.cfg.Algorithm == "ES256" {
		return v.cfg.PublicKey, nil
	}
	return v.cfg.HMACSecret, nil
}

func (v *Verifier) validateClaims(c *Claims) error {
	if c.TenantID == "" {
		return core.Errf(core.CodeAuthInvalid, "token carries no tenant_id")
	}
	if !core.Tier(c.Tier).Valid() {
		return core.Errf(core.CodeAuthInvalid, "unknown tier %q", c.Tier)
	}
	if v.cfg.Issuer != "" && c.Issuer != v.cfg.Issuer {
		return core.Errf(core.CodeAuthInvalid, "issuer %q not trusted", c.Issuer)
	}
	if v.cfg.Audience != "" && !containsAudience(c.Audience, v.cfg.Audience) {
		return core.Errf(core.CodeAuthInvalid, "audience mismatch")
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return core.Errf(core.CodeAuthInvalid, "token missing iat or exp")
	}
	if c.ExpiresAt.Sub(c.IssuedAt.Time) > MaxLifetime {
		return core.Errf(core.CodeAuthInvalid,
			"token lifetime exceeds %s", MaxLifetime)
	}
	return nil
}

// guardReplay reserves the jti for the token's remaining lifetime.
func (v *Verifier) guardReplay(ctx context.Context, c *Claims) error {
	if v.replay == nil || c.ID == "" {
		return nil
	}
	remaining := c.ExpiresAt.Sub(v.now())
	if remaining <= 0 {
		remaining = time.Second
	}
	stored, err := v.replay.SetNX(ctx, "jti:"+c.ID, remaining)
	if err != nil {
		return core.Wrap(core.CodeInternal, err, "jti replay guard unavailable")
	}
	if !stored {
		return core.Errf(core.CodeJTIReplayDetected, "token jti %s already used", c.ID)
	}
	return nil
}

func containsAudience(aud jwt.ClaimStrings, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}

// SetClock injects a clock for tests. Parsing leeway still uses the real
// clock inside the JWT library, so tests should mint fresh tokens.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}
