package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/hounfour/internal/core"
)

func newKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func mintES256(t *testing.T, key *ecdsa.PrivateKey, mutate func(*Claims)) string {
	t.Helper()
	now := time.Now()
	claims := &Claims{
		TenantID: "t1",
		Tier:     "pro",
		ReqHash:  "abc123",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "finn",
			Audience:  jwt.ClaimStrings{"hounfour"},
			Subject:   "svc:finn",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			ID:        "jti-1",
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func newES256Verifier(t *testing.T, key *ecdsa.PrivateKey, replay ReplayGuard) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{
		Algorithm:  "ES256",
		PublicKey:  &key.PublicKey,
		Issuer:     "finn",
		Audience:   "hounfour",
		Production: true,
	}, replay)
	require.NoError(t, err)
	return v
}

func TestVerifyValidES256Token(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	claims, err := v.Verify(context.Background(), mintES256(t, key, nil))
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, "pro", claims.Tier)
	assert.Equal(t, "abc123", claims.ReqHash)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := newKeyPair(t)
	other := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	_, err := v.Verify(context.Background(), mintES256(t, other, nil))
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeAuthInvalid))
}

func TestVerifyRejectsExpired(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	token := mintES256(t, key, func(c *Claims) {
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	})
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeAuthExpired))
}

func TestVerifyRejectsExcessiveLifetime(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	token := mintES256(t, key, func(c *Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(2 * time.Hour))
	})
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeAuthInvalid))
}

func TestVerifyRejectsMissingTenant(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	token := mintES256(t, key, func(c *Claims) { c.TenantID = "" })
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeAuthInvalid))
}

func TestVerifyRejectsUnknownTier(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	token := mintES256(t, key, func(c *Claims) { c.Tier = "platinum" })
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeAuthInvalid))
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	_, err := v.Verify(context.Background(), mintES256(t, key, func(c *Claims) { c.Issuer = "stranger" }))
	require.Error(t, err)

	_, err = v.Verify(context.Background(), mintES256(t, key, func(c *Claims) {
		c.Audience = jwt.ClaimStrings{"someone-else"}
	}))
	require.Error(t, err)
}

func TestJTIReplayDetected(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, NewMemoryReplayGuard())
	token := mintES256(t, key, nil)

	_, err := v.Verify(context.Background(), token)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeJTIReplayDetected))
}

func TestEmptyTokenIsAuthMissing(t *testing.T) {
	key := newKeyPair(t)
	v := newES256Verifier(t, key, nil)

	_, err := v.Verify(context.Background(), "  ")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeAuthMissing))
}

func TestHS256RejectedInProduction(t *testing.T) {
	_, err := NewVerifier(Config{
		Algorithm:  "HS256",
		HMACSecret: []byte("secret"),
		Production: true,
	}, nil)
	require.Error(t, err)
}

func TestHS256AllowedOutsideProduction(t *testing.T) {
	v, err := NewVerifier(Config{
		Algorithm:  "HS256",
		HMACSecret: []byte("dev-secret"),
	}, nil)
	require.NoError(t, err)

	now := time.Now()
	claims := &Claims{
		TenantID: "t1",
		Tier:     "free",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("dev-secret"))
	require.NoError(t, err)

	got, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
}

func TestAmbiguousAlgorithmRejected(t *testing.T) {
	_, err := NewVerifier(Config{HMACSecret: []byte("x")}, nil)
	require.Error(t, err)
}
