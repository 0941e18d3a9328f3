// Package pricing implements the integer micro-USD cost arithmetic.
//
// All math is integer-only. Micro-USD (1e-6 dollars) is the canonical unit;
// the wire format for cost fields is a decimal string so 64-bit float
// rounding never happens at JSON boundaries.
package pricing

import (
	"strconv"

	"github.com/loa-finn/hounfour/internal/core"
)

const (
	// MaxSafeMicro is the largest cost value representable without loss on
	// every wire we speak (JSON consumers parse into float64 lanes).
	MaxSafeMicro int64 = 1<<53 - 1

	// MicroPerUnit converts token-millions pricing into micro-units.
	MicroPerUnit int64 = 1_000_000

	// MaxRequestCostMicro is the per-request cost ceiling: $1000.
	MaxRequestCostMicro int64 = 1_000_000_000
)

// Entry is a pricing row for one (provider, model) pair. All rates are
// non-negative integers in micro-USD per million tokens.
type Entry struct {
	Provider                 string `yaml:"provider" json:"provider"`
	Model                    string `yaml:"model" json:"model"`
	InputMicroPerMillion     int64  `yaml:"input_micro_per_million" json:"input_micro_per_million"`
	OutputMicroPerMillion    int64  `yaml:"output_micro_per_million" json:"output_micro_per_million"`
	ReasoningMicroPerMillion int64  `yaml:"reasoning_micro_per_million" json:"reasoning_micro_per_million"`
}

// Breakdown is the cost decomposition for one invocation.
type Breakdown struct {
	InputCostMicro     int64
	OutputCostMicro    int64
	ReasoningCostMicro int64
	TotalCostMicro     int64

	// Sub-micro remainders, each in [0, 1e6). Carried by a
	// RemainderAccumulator so fractional micro-units are not lost.
	InputRemainder     int64
	OutputRemainder    int64
	ReasoningRemainder int64
}

// CostMicro computes floor(tokens*price/1e6) and the remainder in [0, 1e6).
// Fails with BUDGET_OVERFLOW when tokens*price would exceed MaxSafeMicro.
func CostMicro(tokens, priceMicroPerMillion int64) (cost, remainder int64, err error) {
	if tokens < 0 || priceMicroPerMillion < 0 {
		return 0, 0, core.Errf(core.CodeBudgetOverflow,
			"negative cost inputs: tokens=%d price=%d", tokens, priceMicroPerMillion)
	}
	if tokens == 0 || priceMicroPerMillion == 0 {
		return 0, 0, nil
	}
	if tokens > MaxSafeMicro/priceMicroPerMillion {
		return 0, 0, core.Errf(core.CodeBudgetOverflow,
			"cost product overflow: tokens=%d price=%d", tokens, priceMicroPerMillion)
	}
	product := tokens * priceMicroPerMillion
	return product / MicroPerUnit, product % MicroPerUnit, nil
}

// Calculate computes the full breakdown for a usage against a pricing entry.
// The per-request ceiling MaxRequestCostMicro is enforced on the total.
func Calculate(usage core.Usage, entry Entry) (Breakdown, error) {
	var b Breakdown
	var err error

	b.InputCostMicro, b.InputRemainder, err = CostMicro(usage.PromptTokens, entry.InputMicroPerMillion)
	if err != nil {
		return Breakdown{}, err
	}
	b.OutputCostMicro, b.OutputRemainder, err = CostMicro(usage.CompletionTokens, entry.OutputMicroPerMillion)
	if err != nil {
		return Breakdown{}, err
	}
	b.ReasoningCostMicro, b.ReasoningRemainder, err = CostMicro(usage.ReasoningTokens, entry.ReasoningMicroPerMillion)
	if err != nil {
		return Breakdown{}, err
	}

	b.TotalCostMicro = b.InputCostMicro + b.OutputCostMicro + b.ReasoningCostMicro
	if b.TotalCostMicro > MaxSafeMicro {
		return Breakdown{}, core.Errf(core.CodeBudgetOverflow,
			"total cost overflow: %d micro", b.TotalCostMicro)
	}
	if b.TotalCostMicro > MaxRequestCostMicro {
		return Breakdown{}, core.Errf(core.CodeBudgetOverflow,
			"request cost %d micro exceeds ceiling %d", b.TotalCostMicro, MaxRequestCostMicro).
			WithContext("total_cost_micro", strconv.FormatInt(b.TotalCostMicro, 10))
	}
	return b, nil
}

// FormatMicro renders a micro amount as its decimal-string wire form.
func FormatMicro(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ParseMicro parses a decimal-string micro amount, rejecting negatives and
// values beyond MaxSafeMicro.
func ParseMicro(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, core.Wrap(core.CodeBudgetOverflow, err, "malformed micro amount %q", s)
	}
	if v < 0 || v > MaxSafeMicro {
		return 0, core.Errf(core.CodeBudgetOverflow, "micro amount %d out of range", v)
	}
	return v, nil
}
