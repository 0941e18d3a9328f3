package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hounfour.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
server:
  port: "9090"
  env: development
budgets:
  policy: fail-closed
  scopes:
    project:p1: 1000000
ledger:
  base_dir: /var/lib/hounfour/ledger
rate_limits:
  openai:
    rpm: 500
    tpm: 200000
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "fail-closed", cfg.Budgets.Policy)
	assert.Equal(t, int64(1_000_000), cfg.Budgets.Scopes["project:p1"])
	assert.Equal(t, int64(500), cfg.Limits["openai"].RPM)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379")
	cfg, err := Load(writeConfig(t, `
redis:
  url: "{env:REDIS_URL}"
`))
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
}

func TestUnknownEnvVarRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
redis:
  url: "{env:HOME}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOME")
}

func TestInvalidBudgetPolicyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
budgets:
  policy: fail-maybe
`))
	require.Error(t, err)
}

func TestPaymentsRequireTreasury(t *testing.T) {
	_, err := Load(writeConfig(t, `
payments:
  enabled: true
`))
	require.Error(t, err)
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Greater(t, cfg.Server.ShutdownTimeout.Seconds(), 0.0)
}

func TestRedactMasksSecrets(t *testing.T) {
	t.Setenv("CHEVAL_HMAC_SECRET", "super-secret-value")
	masked := Redact("signing with super-secret-value now")
	assert.NotContains(t, masked, "super-secret-value")
	assert.Contains(t, masked, "[REDACTED]")
}

func TestProductionFlagFromNodeEnv(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	s := ServerConfig{Env: "development"}
	assert.True(t, s.Production())

	t.Setenv("NODE_ENV", "development")
	s = ServerConfig{Env: "production"}
	assert.False(t, s.Production())
}
