// Package ledger implements the per-tenant append-only cost ledger (schema
// v2): newline-delimited JSON, one entry per line, CRC32-stamped, rotated by
// size and age, with optional gzip archive export to an object store.
package ledger

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/pricing"
)

// SchemaVersion is stamped on every entry.
const SchemaVersion = 2

// BillingMethod describes how the usage figures were obtained.
type BillingMethod string

const (
	BillingProviderReported BillingMethod = "provider_reported"
	BillingReconciled       BillingMethod = "reconciled"
	BillingNativeRuntime    BillingMethod = "native_runtime"
)

// EntryV2 is one invocation record. Cost fields are decimal strings of
// non-negative integers (wire format; see internal/pricing).
type EntryV2 struct {
	SchemaVersion      int           `json:"schema_version"`
	Timestamp          string        `json:"timestamp"` // ISO-8601 UTC
	TraceID            string        `json:"trace_id"`
	Agent              string        `json:"agent"`
	Provider           string        `json:"provider"`
	Model              string        `json:"model"`
	ProjectID          string        `json:"project_id"`
	PhaseID            string        `json:"phase_id"`
	SprintID           string        `json:"sprint_id"`
	TenantID           string        `json:"tenant_id"`
	NFTID              string        `json:"nft_id,omitempty"`
	PoolID             string        `json:"pool_id,omitempty"`
	PromptTokens       int64         `json:"prompt_tokens"`
	CompletionTokens   int64         `json:"completion_tokens"`
	ReasoningTokens    int64         `json:"reasoning_tokens"`
	InputCostMicro     string        `json:"input_cost_micro"`
	OutputCostMicro    string        `json:"output_cost_micro"`
	ReasoningCostMicro string        `json:"reasoning_cost_micro"`
	TotalCostMicro     string        `json:"total_cost_micro"`
	PriceTableVersion  int64         `json:"price_table_version"`
	BillingMethod      BillingMethod `json:"billing_method"`
	LatencyMs          int64         `json:"latency_ms"`
	CRC32              uint32        `json:"crc32"`
}

// NewEntry assembles an entry from a computed cost breakdown. The CRC is
// stamped on append, not here.
func NewEntry(tc *core.TenantContext, agent, provider, model string, meta core.ScopeMeta,
	usage core.Usage, b pricing.Breakdown, priceTableVersion int64,
	method BillingMethod, latencyMs int64) EntryV2 {

	return EntryV2{
		SchemaVersion:      SchemaVersion,
		Timestamp:          core.NowUTC().Format(time.RFC3339Nano),
		TraceID:            tc.TraceID,
		Agent:              agent,
		Provider:           provider,
		Model:              model,
		ProjectID:          meta.ProjectID,
		PhaseID:            meta.PhaseID,
		SprintID:           meta.SprintID,
		TenantID:           tc.TenantID,
		NFTID:              tc.NFTID,
		PoolID:             string(tc.RequestedPool),
		PromptTokens:       usage.PromptTokens,
		CompletionTokens:   usage.CompletionTokens,
		ReasoningTokens:    usage.ReasoningTokens,
		InputCostMicro:     pricing.FormatMicro(b.InputCostMicro),
		OutputCostMicro:    pricing.FormatMicro(b.OutputCostMicro),
		ReasoningCostMicro: pricing.FormatMicro(b.ReasoningCostMicro),
		TotalCostMicro:     pricing.FormatMicro(b.TotalCostMicro),
		PriceTableVersion:  priceTableVersion,
		BillingMethod:      method,
		LatencyMs:          latencyMs,
	}
}

// TotalMicro parses the entry's total cost.
func (e *EntryV2) TotalMicro() (int64, error) {
	return pricing.ParseMicro(e.TotalCostMicro)
}

// Checksum computes the CRC32 (IEEE) over the canonical form of the entry:
// its JSON encoding with the crc32 field zeroed.
func (e *EntryV2) Checksum() (uint32, error) {
	shadow := *e
	shadow.CRC32 = 0
	canonical, err := json.Marshal(&shadow)
	if err != nil {
		return 0, fmt.Errorf("canonicalize ledger entry: %w", err)
	}
	return crc32.ChecksumIEEE(canonical), nil
}

// VerifyChecksum reports whether the stamped CRC matches the entry body.
func (e *EntryV2) VerifyChecksum() bool {
	sum, err := e.Checksum()
	return err == nil && sum == e.CRC32
}
