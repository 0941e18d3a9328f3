// Package registry resolves agent bindings: agent → alias →
// (provider, modelId) → pricing. Built from config at startup and
// read-only thereafter; every binding is validated before the gateway
// starts serving.
package registry

import (
	"fmt"
	"strings"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/pricing"
)

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Type           string            `yaml:"type"` // openai | openai_compat | anthropic | vllm
	BaseURL        string            `yaml:"base_url"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	ConnectTimeout int               `yaml:"connect_timeout_ms"`
	ReadTimeout    int               `yaml:"read_timeout_ms"`
	TotalTimeout   int               `yaml:"total_timeout_ms"`
	Models         []string          `yaml:"models"`
	ExtraHeaders   map[string]string `yaml:"extra_headers"`
}

// AgentConfig binds an agent name to a model alias, with an optional
// fallback alias used when the primary's circuit is open.
type AgentConfig struct {
	Model    string `yaml:"model"`
	Fallback string `yaml:"fallback"`
}

// Config is the registry's slice of the gateway config.
type Config struct {
	Providers         map[string]ProviderConfig `yaml:"providers"`
	Aliases           map[string]string         `yaml:"aliases"` // alias → "provider:model"
	Agents            map[string]AgentConfig    `yaml:"agents"`
	Pricing           []pricing.Entry           `yaml:"pricing"`
	PriceTableVersion int64                     `yaml:"price_table_version"`
}

// Resolved is a concrete (provider, modelId) pair.
type Resolved struct {
	Provider string
	ModelID  string
}

// Binding is the fully resolved view of one agent.
type Binding struct {
	Agent    string
	Alias    string
	Resolved Resolved
	Fallback *Resolved // nil when no fallback alias configured
	Pricing  pricing.Entry
}

// ValidationResult reports one agent's binding health.
type ValidationResult struct {
	Agent  string `json:"agent"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Registry is immutable after New.
type Registry struct {
	cfg     Config
	aliases map[string]Resolved
	pricing map[string]pricing.Entry // "provider:model" → entry
}

// New builds and validates the registry. Any dangling reference fails with
// BINDING_INVALID.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		aliases: make(map[string]Resolved, len(cfg.Aliases)),
		pricing: make(map[string]pricing.Entry, len(cfg.Pricing)),
	}

	for _, p := range cfg.Pricing {
		if p.InputMicroPerMillion < 0 || p.OutputMicroPerMillion < 0 || p.ReasoningMicroPerMillion < 0 {
			return nil, core.Errf(core.CodeBindingInvalid,
				"pricing for %s:%s has negative rates", p.Provider, p.Model)
		}
		r.pricing[p.Provider+":"+p.Model] = p
	}

	for alias, target := range cfg.Aliases {
		parts := strings.SplitN(target, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, core.Errf(core.CodeBindingInvalid,
				"alias %q target %q is not provider:model", alias, target)
		}
		r.aliases[alias] = Resolved{Provider: parts[0], ModelID: parts[1]}
	}

	for _, res := range r.ValidateBindings() {
		if !res.Valid {
			return nil, core.Errf(core.CodeBindingInvalid,
				"agent %q: %s", res.Agent, res.Reason)
		}
	}
	return r, nil
}

// ResolveAlias maps a logical alias to its (provider, modelId).
func (r *Registry) ResolveAlias(alias string) (Resolved, error) {
	res, ok := r.aliases[alias]
	if !ok {
		return Resolved{}, core.Errf(core.CodeBindingInvalid, "unknown alias %q", alias)
	}
	return res, nil
}

// GetPricing returns the pricing row for a (provider, modelId).
func (r *Registry) GetPricing(provider, modelID string) (pricing.Entry, error) {
	p, ok := r.pricing[provider+":"+modelID]
	if !ok {
		return pricing.Entry{}, core.Errf(core.CodeBindingInvalid,
			"no pricing for %s:%s", provider, modelID)
	}
	return p, nil
}

// GetAgentBinding resolves the full binding for an agent.
func (r *Registry) GetAgentBinding(agent string) (Binding, error) {
	ac, ok := r.cfg.Agents[agent]
	if !ok {
		return Binding{}, core.Errf(core.CodeBindingInvalid, "unknown agent %q", agent)
	}

	resolved, err := r.ResolveAlias(ac.Model)
	if err != nil {
		return Binding{}, err
	}
	price, err := r.GetPricing(resolved.Provider, resolved.ModelID)
	if err != nil {
		return Binding{}, err
	}

	b := Binding{Agent: agent, Alias: ac.Model, Resolved: resolved, Pricing: price}
	if ac.Fallback != "" {
		fb, err := r.ResolveAlias(ac.Fallback)
		if err != nil {
			return Binding{}, err
		}
		b.Fallback = &fb
	}
	return b, nil
}

// ValidateBindings checks every agent end to end: alias exists, provider
// exists, model is listed on the provider, pricing row exists.
func (r *Registry) ValidateBindings() []ValidationResult {
	results := make([]ValidationResult, 0, len(r.cfg.Agents))
	for agent, ac := range r.cfg.Agents {
		results = append(results, r.validateAgent(agent, ac))
	}
	return results
}

func (r *Registry) validateAgent(agent string, ac AgentConfig) ValidationResult {
	check := func(alias string) string {
		resolved, ok := r.aliases[alias]
		if !ok {
			return fmt.Sprintf("alias %q not defined", alias)
		}
		prov, ok := r.cfg.Providers[resolved.Provider]
		if !ok {
			return fmt.Sprintf("alias %q references unknown provider %q", alias, resolved.Provider)
		}
		if len(prov.Models) > 0 && !contains(prov.Models, resolved.ModelID) {
			return fmt.Sprintf("model %q not configured on provider %q", resolved.ModelID, resolved.Provider)
		}
		if _, ok := r.pricing[resolved.Provider+":"+resolved.ModelID]; !ok {
			return fmt.Sprintf("no pricing for %s:%s", resolved.Provider, resolved.ModelID)
		}
		return ""
	}

	if ac.Model == "" {
		return ValidationResult{Agent: agent, Reason: "no model alias configured"}
	}
	if reason := check(ac.Model); reason != "" {
		return ValidationResult{Agent: agent, Reason: reason}
	}
	if ac.Fallback != "" {
		if reason := check(ac.Fallback); reason != "" {
			return ValidationResult{Agent: agent, Reason: "fallback: " + reason}
		}
	}
	return ValidationResult{Agent: agent, Valid: true}
}

// PriceTableVersion is stamped onto ledger entries.
func (r *Registry) PriceTableVersion() int64 { return r.cfg.PriceTableVersion }

// Provider returns the provider config by name.
func (r *Registry) Provider(name string) (ProviderConfig, bool) {
	p, ok := r.cfg.Providers[name]
	return p, ok
}

// Agents lists the configured agent names.
func (r *Registry) Agents() []string {
	names := make([]string, 0, len(r.cfg.Agents))
	for name := range r.cfg.Agents {
		names = append(names, name)
	}
	return names
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
