package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
)

// ProviderLimits configures one provider's buckets.
type ProviderLimits struct {
	RPM          int64         `yaml:"rpm"` // bucket capacity and per-minute refill
	TPM          int64         `yaml:"tpm"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

// DefaultQueueTimeout bounds how long an acquire may wait for refill.
const DefaultQueueTimeout = 10 * time.Second

type providerState struct {
	rpm          *Bucket
	tpm          *Bucket
	queueTimeout time.Duration
}

// Limiter enforces per-provider RPM and TPM budgets. Providers without
// configured limits are unlimited.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerState
	logger    *log.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// New builds a limiter from per-provider configs. Construction fails on
// non-positive capacities.
func New(limits map[string]ProviderLimits) (*Limiter, error) {
	l := &Limiter{
		providers: make(map[string]*providerState, len(limits)),
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	now := time.Now()
	for provider, cfg := range limits {
		rpm, err := NewBucket(cfg.RPM, cfg.RPM, now)
		if err != nil {
			return nil, err
		}
		tpm, err := NewBucket(cfg.TPM, cfg.TPM, now)
		if err != nil {
			return nil, err
		}
		qt := cfg.QueueTimeout
		if qt <= 0 {
			qt = DefaultQueueTimeout
		}
		l.providers[provider] = &providerState{rpm: rpm, tpm: tpm, queueTimeout: qt}
	}
	return l, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire consumes 1 RPM token and estimatedTokens TPM tokens, waiting for
// refill up to the provider's queue timeout. Fails with RATE_LIMITED when
// the wait would exceed the timeout or the demand can never be satisfied.
func (l *Limiter) Acquire(ctx context.Context, provider string, estimatedTokens int64) error {
	l.mu.Lock()
	st, ok := l.providers[provider]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	deadline := l.now().Add(st.queueTimeout)
	for {
		l.mu.Lock()
		now := l.now()
		okRPM := st.rpm.TryConsume(1, now)
		okTPM := false
		if okRPM {
			okTPM = st.tpm.TryConsume(estimatedTokens, now)
			if !okTPM {
				st.rpm.Refund(1)
			}
		}
		var wait time.Duration
		if !okRPM || !okTPM {
			rpmWait := st.rpm.TimeUntilAvailable(1, now)
			tpmWait := st.tpm.TimeUntilAvailable(estimatedTokens, now)
			if rpmWait < 0 || tpmWait < 0 {
				l.mu.Unlock()
				return core.Errf(core.CodeRateLimited,
					"provider %s: requested %d tokens exceeds bucket capacity", provider, estimatedTokens)
			}
			wait = rpmWait
			if tpmWait > wait {
				wait = tpmWait
			}
		}
		l.mu.Unlock()

		if okRPM && okTPM {
			return nil
		}

		if l.now().Add(wait).After(deadline) {
			return core.Errf(core.CodeRateLimited,
				"provider %s: rate limited, retry in %s", provider, wait.Round(time.Millisecond)).
				WithContext("retry_after_ms", wait.Milliseconds())
		}
		if err := l.sleep(ctx, wait); err != nil {
			return core.Wrap(core.CodeQueueTimeout, err, "provider %s: wait cancelled", provider)
		}
	}
}

// Release refunds unused TPM tokens after the provider reported actual
// usage. The refund is estimated − actual when positive, capped at
// capacity by the bucket.
func (l *Limiter) Release(provider string, estimatedTokens, actualTokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.providers[provider]
	if !ok {
		return
	}
	if delta := estimatedTokens - actualTokens; delta > 0 {
		st.tpm.Refund(delta)
	}
}

// Available reports the current RPM/TPM token counts for a provider.
func (l *Limiter) Available(provider string) (rpm, tpm int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, found := l.providers[provider]
	if !found {
		return 0, 0, false
	}
	now := l.now()
	return st.rpm.Available(now), st.tpm.Available(now), true
}

// SetClock injects a clock and sleeper for tests.
func (l *Limiter) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	l.now = now
	l.sleep = sleep
}
