package x402

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/pricing"
)

// Quote defaults.
const (
	DefaultQuoteTTL      = 5 * time.Minute
	DefaultMarkupPercent = 10 // quoted max cost = raw estimate × 1.10
)

// Quote is the signed-intent price offer embedded in a 402 response.
type Quote struct {
	QuoteID          string     `json:"quote_id"`
	Model            string     `json:"model"`
	MaxTokens        int64      `json:"max_tokens"`
	MaxCostMicroUSDC int64      `json:"max_cost_micro_usdc"`
	Treasury         string     `json:"treasury"`
	ChainID          int64      `json:"chain_id"`
	Rate             FrozenRate `json:"rate"`
	ExpiresAt        time.Time  `json:"expires_at"`

	// Wallet credit already consumed against this quote by a reprice. The
	// payer's total outlay is MaxCostMicroUSDC plus this.
	CreditAppliedMicroUSDC int64 `json:"credit_applied_micro_usdc,omitempty"`
}

// Expired reports whether the quote is past its TTL.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Quoter issues quotes and holds them for the verify stage.
type Quoter struct {
	mu            sync.Mutex
	quotes        map[string]Quote
	treasury      string
	chainID       int64
	rate          int64 // fixed-point, RateScale
	markupPercent int64
	ttl           time.Duration
	now           func() time.Time
}

// QuoterConfig configures quote issuance. Zero markup/ttl fall back to
// defaults; zero rate means 1:1 parity.
type QuoterConfig struct {
	Treasury      string
	ChainID       int64
	Rate          int64
	MarkupPercent int64
	TTL           time.Duration
}

func NewQuoter(cfg QuoterConfig) *Quoter {
	if cfg.MarkupPercent <= 0 {
		cfg.MarkupPercent = DefaultMarkupPercent
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultQuoteTTL
	}
	if cfg.Rate <= 0 {
		cfg.Rate = RateScale
	}
	return &Quoter{
		quotes:        make(map[string]Quote),
		treasury:      cfg.Treasury,
		chainID:       cfg.ChainID,
		rate:          cfg.Rate,
		markupPercent: cfg.MarkupPercent,
		ttl:           cfg.TTL,
		now:           time.Now,
	}
}

// GenerateQuote prices a request at max_tokens × rate_per_token with the
// configured markup, rounded up to whole micro-USDC.
func (q *Quoter) GenerateQuote(model string, maxTokens, ratePerTokenMicroUSD int64) (Quote, error) {
	if maxTokens <= 0 || ratePerTokenMicroUSD < 0 {
		return Quote{}, fmt.Errorf("x402: invalid quote inputs max_tokens=%d rate=%d", maxTokens, ratePerTokenMicroUSD)
	}

	now := q.now()
	frozen, err := NewFrozenRate(q.rate, uuid.NewString(), now)
	if err != nil {
		return Quote{}, err
	}

	// Each multiplication stays inside the safe-integer bound so a hostile
	// max_tokens cannot wrap the quoted amount.
	if ratePerTokenMicroUSD > 0 && maxTokens > pricing.MaxSafeMicro/ratePerTokenMicroUSD {
		return Quote{}, core.Errf(core.CodeBudgetOverflow,
			"quote cost overflow: max_tokens=%d rate=%d", maxTokens, ratePerTokenMicroUSD)
	}
	rawMicroUSD := maxTokens * ratePerTokenMicroUSD
	if rawMicroUSD > pricing.MaxSafeMicro/(100+q.markupPercent) {
		return Quote{}, core.Errf(core.CodeBudgetOverflow,
			"quote cost overflow after markup: raw=%d markup=%d%%", rawMicroUSD, q.markupPercent)
	}
	marked := ceilDiv(rawMicroUSD*(100+q.markupPercent), 100)
	if marked > math.MaxInt64/q.rate {
		return Quote{}, core.Errf(core.CodeBudgetOverflow,
			"quote cost overflow in denomination: marked=%d rate=%d", marked, q.rate)
	}
	quote := Quote{
		QuoteID:          "q_" + uuid.NewString(),
		Model:            model,
		MaxTokens:        maxTokens,
		MaxCostMicroUSDC: frozen.USDToUSDC(marked),
		Treasury:         q.treasury,
		ChainID:          q.chainID,
		Rate:             frozen,
		ExpiresAt:        now.Add(q.ttl),
	}

	q.mu.Lock()
	q.sweepLocked(now)
	q.quotes[quote.QuoteID] = quote
	q.mu.Unlock()
	return quote, nil
}

// Lookup returns a stored quote, failing on unknown or expired ids.
func (q *Quoter) Lookup(quoteID string) (Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	quote, ok := q.quotes[quoteID]
	if !ok {
		return Quote{}, errQuoteNotFound(quoteID)
	}
	if quote.Expired(q.now()) {
		delete(q.quotes, quoteID)
		return Quote{}, errQuoteExpired(quoteID)
	}
	return quote, nil
}

// Reprice lowers a stored quote's maximum cost after wallet credit was
// applied against it. Verification then accepts payment for the reduced
// amount only.
func (q *Quoter) Reprice(quoteID string, maxCostMicroUSDC int64) (Quote, error) {
	if maxCostMicroUSDC <= 0 {
		return Quote{}, fmt.Errorf("x402: invalid repriced amount %d for quote %s", maxCostMicroUSDC, quoteID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	quote, ok := q.quotes[quoteID]
	if !ok {
		return Quote{}, errQuoteNotFound(quoteID)
	}
	if quote.Expired(q.now()) {
		delete(q.quotes, quoteID)
		return Quote{}, errQuoteExpired(quoteID)
	}
	if maxCostMicroUSDC > quote.MaxCostMicroUSDC {
		return Quote{}, fmt.Errorf("x402: reprice may only lower quote %s (%d > %d)",
			quoteID, maxCostMicroUSDC, quote.MaxCostMicroUSDC)
	}
	quote.CreditAppliedMicroUSDC += quote.MaxCostMicroUSDC - maxCostMicroUSDC
	quote.MaxCostMicroUSDC = maxCostMicroUSDC
	q.quotes[quoteID] = quote
	return quote, nil
}

func (q *Quoter) sweepLocked(now time.Time) {
	for id, quote := range q.quotes {
		if quote.Expired(now) {
			delete(q.quotes, id)
		}
	}
}

// SetClock injects a clock for tests.
func (q *Quoter) SetClock(now func() time.Time) {
	q.now = now
}
