// Package config loads the gateway's yaml configuration. String values may
// reference environment variables with {env:VAR}; only allowlisted
// variables are interpolated so config files cannot exfiltrate arbitrary
// process state.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/loa-finn/hounfour/internal/budget"
	"github.com/loa-finn/hounfour/internal/ratelimit"
	"github.com/loa-finn/hounfour/internal/registry"
)

// Config is the root gateway configuration.
type Config struct {
	Server   ServerConfig                        `yaml:"server"`
	Registry registry.Config                     `yaml:"registry"`
	Budgets  BudgetConfig                        `yaml:"budgets"`
	Limits   map[string]ratelimit.ProviderLimits `yaml:"rate_limits"`
	Ledger   LedgerConfig                        `yaml:"ledger"`
	Payments PaymentsConfig                      `yaml:"payments"`
	Invoker  InvokerConfig                       `yaml:"invoker"`
	Redis    RedisConfig                         `yaml:"redis"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Env             string        `yaml:"env"` // development | staging | production
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StrictPoolMode  bool          `yaml:"strict_pool_mode"`
}

// Production reports whether the server runs in production mode. The
// NODE_ENV variable wins over the config file.
func (s ServerConfig) Production() bool {
	if env := os.Getenv("NODE_ENV"); env != "" {
		return env == "production"
	}
	return s.Env == "production"
}

type BudgetConfig struct {
	Scopes      map[string]int64 `yaml:"scopes"` // scope key → limit micro-USD
	WarnPercent int              `yaml:"warn_percent"`
	Policy      string           `yaml:"policy"` // fail-open | fail-closed
	Checkpoint  string           `yaml:"checkpoint_path"`
}

type LedgerConfig struct {
	BaseDir    string `yaml:"base_dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Fsync      bool   `yaml:"fsync"`
	ArchiveDir string `yaml:"archive_dir"`
}

type PaymentsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Treasury        string   `yaml:"treasury"`
	TokenContract   string   `yaml:"token_contract"`
	TokenName       string   `yaml:"token_name"`
	TokenVersion    string   `yaml:"token_version"`
	ChainID         int64    `yaml:"chain_id"`
	FacilitatorURL  string   `yaml:"facilitator_url"`
	MarkupPercent   int64    `yaml:"markup_percent"`
	CreditCapMicro  int64    `yaml:"credit_cap_micro"`
	BypassAddresses []string `yaml:"bypass_addresses"`
}

type InvokerConfig struct {
	BinaryPath  string `yaml:"binary_path"`
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffMs   int64  `yaml:"backoff_ms"`
	JitterMs    int64  `yaml:"jitter_ms"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Environment variables the gateway recognizes, and the only ones
// {env:VAR} may reference.
var AllowedEnvVars = map[string]bool{
	"FINN_S2S_JWT_ALG":        true,
	"FINN_S2S_PRIVATE_KEY":    true,
	"FINN_S2S_JWT_SECRET":     true,
	"FINN_S2S_KID":            true,
	"ARRAKIS_BILLING_URL":     true,
	"CHEVAL_HMAC_SECRET":      true,
	"CHEVAL_HMAC_SECRET_PREV": true,
	"OTLP_ENDPOINT":           true,
	"REDIS_URL":               true,
	"USD_USDC_EXCHANGE_RATE":  true,
	"BETA_BYPASS_ADDRESSES":   true,
	"NODE_ENV":                true,
}

var envPattern = regexp.MustCompile(`\{env:([A-Z0-9_]+)\}`)

// interpolate replaces {env:VAR} references in a raw config document.
// Unknown variables fail loading rather than silently expanding empty.
func interpolate(raw []byte) ([]byte, error) {
	var badVar string
	out := envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envPattern.FindSubmatch(m)[1])
		if !AllowedEnvVars[name] {
			badVar = name
			return m
		}
		return []byte(os.Getenv(name))
	})
	if badVar != "" {
		return nil, fmt.Errorf("config: {env:%s} is not an allowed variable", badVar)
	}
	return out, nil
}

// Load reads, interpolates and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded, err := interpolate(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	switch budget.Policy(c.Budgets.Policy) {
	case "", budget.FailOpen, budget.FailClosed:
	default:
		return fmt.Errorf("config: budget policy %q must be fail-open or fail-closed", c.Budgets.Policy)
	}
	if c.Payments.Enabled && c.Payments.Treasury == "" {
		return fmt.Errorf("config: payments enabled but no treasury address")
	}
	return nil
}

// secretEnvVars holds the variables whose values must never be logged.
var secretEnvVars = []string{
	"FINN_S2S_PRIVATE_KEY",
	"FINN_S2S_JWT_SECRET",
	"CHEVAL_HMAC_SECRET",
	"CHEVAL_HMAC_SECRET_PREV",
}

// Redact masks secret material in a string destined for logs.
func Redact(s string) string {
	for _, name := range secretEnvVars {
		if v := os.Getenv(name); v != "" {
			s = strings.ReplaceAll(s, v, "[REDACTED]")
		}
	}
	return s
}
