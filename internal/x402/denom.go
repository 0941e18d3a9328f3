// Package x402 implements the pay-per-request pipeline: quote, verify,
// settle, reconcile. Payments are EIP-3009 transfer authorizations in
// micro-USDC; the cost ledger stays in micro-USD, bridged by an exchange
// rate frozen per billing entry at quote time.
package x402

import (
	"fmt"
	"time"
)

// FrozenRate pins the USD/USDC conversion for one billing entry so that
// later reconciliation uses the same rate the quote was priced at.
type FrozenRate struct {
	// Rate is micro-USDC per micro-USD scaled by RateScale.
	Rate           int64     `json:"rate"`
	FrozenAt       time.Time `json:"frozen_at"`
	BillingEntryID string    `json:"billing_entry_id"`
}

// RateScale is the fixed-point scale of FrozenRate.Rate. A rate of
// 1_000_000 means 1 micro-USD = 1 micro-USDC.
const RateScale = 1_000_000

// ParityRate is the default 1:1 rate used when no explicit rate is
// configured.
func ParityRate(billingEntryID string, now time.Time) FrozenRate {
	return FrozenRate{Rate: RateScale, FrozenAt: now, BillingEntryID: billingEntryID}
}

// NewFrozenRate validates and freezes a configured rate.
func NewFrozenRate(rate int64, billingEntryID string, now time.Time) (FrozenRate, error) {
	if rate <= 0 {
		return FrozenRate{}, fmt.Errorf("x402: exchange rate must be positive, got %d", rate)
	}
	return FrozenRate{Rate: rate, FrozenAt: now, BillingEntryID: billingEntryID}, nil
}

// USDToUSDC converts micro-USD to micro-USDC, rounding up so the payer
// never underpays by rounding.
func (r FrozenRate) USDToUSDC(microUSD int64) int64 {
	return ceilDiv(microUSD*r.Rate, RateScale)
}

// USDCToUSD converts micro-USDC back to micro-USD, rounding down.
func (r FrozenRate) USDCToUSD(microUSDC int64) int64 {
	return (microUSDC * RateScale) / r.Rate
}

// RoundTripDrift measures |usd − toUSD(toUSDC(usd))|. The pipeline
// requires the drift stay within one micro-unit per request.
func (r FrozenRate) RoundTripDrift(microUSD int64) int64 {
	back := r.USDCToUSD(r.USDToUSDC(microUSD))
	if back > microUSD {
		return back - microUSD
	}
	return microUSD - back
}

func ceilDiv(a, b int64) int64 {
	if a%b == 0 {
		return a / b
	}
	return a/b + 1
}
