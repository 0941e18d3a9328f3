package x402

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/wal"
)

// MaxCreditDelta bounds a single credit note at the safe-integer limit.
const MaxCreditDelta = int64(1)<<53 - 1

// DefaultCreditCap bounds a wallet's accumulated credit at $10 000.
const DefaultCreditCap = int64(10_000_000_000)

// CreditNote records an overpayment owed back to a wallet.
type CreditNote struct {
	NoteID     string    `json:"note_id"`
	Wallet     string    `json:"wallet"` // lowercase hex address
	DeltaMicro int64     `json:"delta_micro"` // micro-USDC
	PaymentID  string    `json:"payment_id"`
	IssuedAt   time.Time `json:"issued_at"`
}

// CreditApplication is the result of consuming credit against a charge.
type CreditApplication struct {
	CreditUsed      int64 `json:"credit_used"`
	ReducedAmount   int64 `json:"reduced_amount"`
	RemainingCredit int64 `json:"remaining_credit"`
}

// CreditStore holds per-wallet credit balances with atomic updates.
type CreditStore interface {
	// Add increments the balance, failing when the result would exceed cap.
	Add(ctx context.Context, wallet string, delta, cap int64) (newBalance int64, err error)
	// Consume atomically takes up to required from the balance.
	Consume(ctx context.Context, wallet string, required int64) (used, remaining int64, err error)
	Balance(ctx context.Context, wallet string) (int64, error)
}

// CreditLedger issues and applies credit notes, journaling each posting.
type CreditLedger struct {
	store CreditStore
	cap   int64
	wal   wal.Appender
	now   func() time.Time
}

func NewCreditLedger(store CreditStore, cap int64, auditLog wal.Appender) *CreditLedger {
	if cap <= 0 {
		cap = DefaultCreditCap
	}
	if auditLog == nil {
		auditLog = wal.NopWAL{}
	}
	return &CreditLedger{store: store, cap: cap, wal: auditLog, now: time.Now}
}

// Issue credits a wallet with quoted − actual after reconciliation. The
// wallet address is canonicalized to lowercase so one wallet never holds
// more than one balance key.
func (l *CreditLedger) Issue(ctx context.Context, wallet, paymentID string, quotedMicro, actualMicro int64) (*CreditNote, error) {
	wallet = strings.ToLower(wallet)
	delta := quotedMicro - actualMicro
	if delta <= 0 {
		return nil, nil
	}
	if delta > MaxCreditDelta {
		return nil, core.Errf(core.CodeBudgetOverflow,
			"credit delta %d exceeds safe bound", delta)
	}

	balance, err := l.store.Add(ctx, wallet, delta, l.cap)
	if err != nil {
		return nil, err
	}

	note := &CreditNote{
		NoteID:     "cn_" + uuid.NewString(),
		Wallet:     wallet,
		DeltaMicro: delta,
		PaymentID:  paymentID,
		IssuedAt:   l.now(),
	}
	// Double-entry posting: revenue gives up what credit_notes receives.
	wal.BestEffort(l.wal, ctx, "x402", "credit_note_issued", note.NoteID, map[string]interface{}{
		"wallet":       wallet,
		"payment_id":   paymentID,
		"revenue":      -delta,
		"credit_notes": delta,
		"balance":      balance,
	})
	return note, nil
}

// Apply consumes up to required credit from the wallet, returning how much
// of the charge remains.
func (l *CreditLedger) Apply(ctx context.Context, wallet string, requiredMicro int64) (CreditApplication, error) {
	wallet = strings.ToLower(wallet)
	if requiredMicro <= 0 {
		remaining, err := l.store.Balance(ctx, wallet)
		if err != nil {
			return CreditApplication{}, err
		}
		return CreditApplication{RemainingCredit: remaining}, nil
	}

	used, remaining, err := l.store.Consume(ctx, wallet, requiredMicro)
	if err != nil {
		return CreditApplication{}, err
	}
	if used > 0 {
		wal.BestEffort(l.wal, ctx, "x402", "credit_applied", wallet, map[string]interface{}{
			"credit_used":      used,
			"reduced_amount":   requiredMicro - used,
			"remaining_credit": remaining,
		})
	}
	return CreditApplication{
		CreditUsed:      used,
		ReducedAmount:   requiredMicro - used,
		RemainingCredit: remaining,
	}, nil
}

// MemoryCreditStore is the single-process fallback.
type MemoryCreditStore struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemoryCreditStore() *MemoryCreditStore {
	return &MemoryCreditStore{balances: make(map[string]int64)}
}

func (s *MemoryCreditStore) Add(ctx context.Context, wallet string, delta, cap int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.balances[wallet] + delta
	if next > cap {
		return 0, core.Errf(core.CodeCapExceeded,
			"wallet %s credit would reach %d, cap is %d", wallet, next, cap)
	}
	s.balances[wallet] = next
	return next, nil
}

func (s *MemoryCreditStore) Consume(ctx context.Context, wallet string, required int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[wallet]
	used := required
	if used > balance {
		used = balance
	}
	s.balances[wallet] = balance - used
	return used, balance - used, nil
}

func (s *MemoryCreditStore) Balance(ctx context.Context, wallet string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[wallet], nil
}

var (
	creditAddScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = balance + tonumber(ARGV[1])
if next > tonumber(ARGV[2]) then
  return {0, balance}
end
redis.call('SET', KEYS[1], next)
return {1, next}
`)

	creditConsumeScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local used = tonumber(ARGV[1])
if used > balance then used = balance end
local remaining = balance - used
redis.call('SET', KEYS[1], remaining)
return {used, remaining}
`)
)

// RedisCreditStore shares balances across gateway instances.
type RedisCreditStore struct {
	rdb *redis.Client
}

func NewRedisCreditStore(rdb *redis.Client) *RedisCreditStore {
	return &RedisCreditStore{rdb: rdb}
}

func creditKey(wallet string) string { return "hounfour:x402:credit:" + wallet }

func (s *RedisCreditStore) Add(ctx context.Context, wallet string, delta, cap int64) (int64, error) {
	raw, err := creditAddScript.Run(ctx, s.rdb, []string{creditKey(wallet)}, delta, cap).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("credit add script: %w", err)
	}
	if len(raw) != 2 {
		return 0, fmt.Errorf("credit add script: unexpected reply %v", raw)
	}
	if raw[0] == 0 {
		return 0, core.Errf(core.CodeCapExceeded,
			"wallet %s credit would exceed cap %d", wallet, cap)
	}
	return raw[1], nil
}

func (s *RedisCreditStore) Consume(ctx context.Context, wallet string, required int64) (int64, int64, error) {
	raw, err := creditConsumeScript.Run(ctx, s.rdb, []string{creditKey(wallet)}, required).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("credit consume script: %w", err)
	}
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("credit consume script: unexpected reply %v", raw)
	}
	return raw[0], raw[1], nil
}

func (s *RedisCreditStore) Balance(ctx context.Context, wallet string) (int64, error) {
	n, err := s.rdb.Get(ctx, creditKey(wallet)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
