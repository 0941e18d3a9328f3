package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/pricing"
)

func validConfig() Config {
	return Config{
		Providers: map[string]ProviderConfig{
			"openai": {Type: "openai", BaseURL: "https://api.openai.com/v1", Models: []string{"gpt-4o-mini"}},
			"vllm":   {Type: "openai_compat", BaseURL: "http://vllm:8000/v1", Models: []string{"qwen-7b", "qwen-1.5b"}},
		},
		Aliases: map[string]string{
			"fast":       "openai:gpt-4o-mini",
			"local":      "vllm:qwen-7b",
			"local-lite": "vllm:qwen-1.5b",
		},
		Agents: map[string]AgentConfig{
			"translator": {Model: "fast"},
			"coder":      {Model: "local", Fallback: "local-lite"},
		},
		Pricing: []pricing.Entry{
			{Provider: "openai", Model: "gpt-4o-mini", InputMicroPerMillion: 2_500_000, OutputMicroPerMillion: 10_000_000},
			{Provider: "vllm", Model: "qwen-7b", InputMicroPerMillion: 100_000, OutputMicroPerMillion: 200_000},
			{Provider: "vllm", Model: "qwen-1.5b", InputMicroPerMillion: 50_000, OutputMicroPerMillion: 100_000},
		},
		PriceTableVersion: 7,
	}
}

func TestResolveAliasAndPricing(t *testing.T) {
	r, err := New(validConfig())
	require.NoError(t, err)

	res, err := r.ResolveAlias("fast")
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-4o-mini", res.ModelID)

	p, err := r.GetPricing("openai", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), p.InputMicroPerMillion)

	_, err = r.ResolveAlias("nope")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeBindingInvalid))
}

func TestGetAgentBinding(t *testing.T) {
	r, err := New(validConfig())
	require.NoError(t, err)

	b, err := r.GetAgentBinding("translator")
	require.NoError(t, err)
	assert.Equal(t, "fast", b.Alias)
	assert.Equal(t, "openai", b.Resolved.Provider)
	assert.Nil(t, b.Fallback)

	b, err = r.GetAgentBinding("coder")
	require.NoError(t, err)
	require.NotNil(t, b.Fallback)
	assert.Equal(t, "qwen-1.5b", b.Fallback.ModelID)
	assert.Equal(t, int64(7), r.PriceTableVersion())
}

func TestNewRejectsDanglingAlias(t *testing.T) {
	cfg := validConfig()
	cfg.Agents["broken"] = AgentConfig{Model: "missing-alias"}

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeBindingInvalid))
}

func TestNewRejectsMissingPricing(t *testing.T) {
	cfg := validConfig()
	cfg.Aliases["unpriced"] = "openai:gpt-4o-mini"
	cfg.Pricing = cfg.Pricing[1:] // drop the openai row
	cfg.Agents = map[string]AgentConfig{"translator": {Model: "fast"}}

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeBindingInvalid))
}

func TestNewRejectsModelNotOnProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Aliases["fast"] = "openai:gpt-nonexistent"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestValidateBindingsReportsPerAgent(t *testing.T) {
	cfg := validConfig()
	r, err := New(cfg)
	require.NoError(t, err)

	results := r.ValidateBindings()
	assert.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.Valid, "agent %s: %s", res.Agent, res.Reason)
	}
}

func TestMalformedAliasTarget(t *testing.T) {
	cfg := validConfig()
	cfg.Aliases["bad"] = "no-colon-here"

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeBindingInvalid))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("hi"))
	// 35 chars / 3.5 = 10 tokens
	assert.Equal(t, int64(10), EstimateTokens("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
}
