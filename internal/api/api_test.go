package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/hounfour/internal/budget"
	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/ensemble"
	"github.com/loa-finn/hounfour/internal/health"
	"github.com/loa-finn/hounfour/internal/identity"
	"github.com/loa-finn/hounfour/internal/invoker"
	"github.com/loa-finn/hounfour/internal/ledger"
	"github.com/loa-finn/hounfour/internal/orchestrator"
	"github.com/loa-finn/hounfour/internal/pricing"
	"github.com/loa-finn/hounfour/internal/ratelimit"
	"github.com/loa-finn/hounfour/internal/registry"
	"github.com/loa-finn/hounfour/internal/router"
	"github.com/loa-finn/hounfour/internal/x402"
)

var testSecret = []byte("api-test-secret")

type fakeInvoker struct {
	calls int
	resp  *core.ModelResponse
	err   error
}

func (f *fakeInvoker) Invoke(ctx context.Context, req invoker.Request) (*core.ModelResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type tokenOpts struct {
	tier   string
	poolID string
	jti    string
	mutate func(*identity.Claims)
}

func mintToken(t *testing.T, opts tokenOpts) string {
	t.Helper()
	if opts.tier == "" {
		opts.tier = "pro"
	}
	if opts.jti == "" {
		opts.jti = uuid.NewString()
	}
	claims := &identity.Claims{
		TenantID: "t1",
		Tier:     opts.tier,
		ReqHash:  "rh-1",
		PoolID:   opts.poolID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hounfour-test",
			Audience:  jwt.ClaimStrings{"hounfour"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
			ID:        opts.jti,
		},
	}
	if opts.mutate != nil {
		opts.mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func testServer(t *testing.T, inv invoker.ProviderInvoker, payments *Payments) *Server {
	t.Helper()

	reg, err := registry.New(registry.Config{
		Providers: map[string]registry.ProviderConfig{
			"vllm": {Type: "vllm", BaseURL: "http://vllm:8000", Models: []string{"qwen-7b"}},
		},
		Aliases: map[string]string{"coder-primary": "vllm:qwen-7b"},
		Agents:  map[string]registry.AgentConfig{"coder": {Model: "coder-primary"}},
		Pricing: []pricing.Entry{
			{Provider: "vllm", Model: "qwen-7b", InputMicroPerMillion: 2_500_000, OutputMicroPerMillion: 10_000_000},
		},
		PriceTableVersion: 3,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	l, err := ledger.New(ledger.Options{BaseDir: dir})
	require.NoError(t, err)
	enforcer, err := budget.New(budget.Config{
		Budgets:        map[string]int64{"project:p1": 10_000_000},
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}, l, nil)
	require.NoError(t, err)

	limiter, err := ratelimit.New(nil)
	require.NoError(t, err)
	prober := health.New(health.DefaultConfig(), nil)

	verifier, err := identity.NewVerifier(identity.Config{
		Algorithm:  "HS256",
		HMACSecret: testSecret,
		Issuer:     "hounfour-test",
		Audience:   "hounfour",
	}, identity.NewMemoryReplayGuard())
	require.NoError(t, err)

	rt := router.New(reg, enforcer, limiter, prober, inv,
		orchestrator.New(orchestrator.Config{}, nil),
		ensemble.NewReserver(ensemble.NewMemoryStore(), 0))

	return NewServer(Config{
		Router:   rt,
		Verifier: verifier,
		Registry: reg,
		Budget:   enforcer,
		Prober:   prober,
		Payments: payments,
	})
}

func invokeBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(invokeRequest{
		Agent:    "coder",
		Messages: []core.Message{{Role: core.RoleUser, Content: "write a function"}},
		Scope:    scopeMeta{ProjectID: "p1"},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func doInvoke(s *Server, token string, body *bytes.Buffer, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/invoke", body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestInvokeRequiresToken(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	w := doInvoke(s, "", invokeBody(t), nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, core.CodeAuthMissing, decodeError(t, w).Code)
}

func TestInvokeRejectsGarbageToken(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	w := doInvoke(s, "not.a.token", invokeBody(t), nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, core.CodeAuthInvalid, decodeError(t, w).Code)
}

func TestInvokeHappyPath(t *testing.T) {
	inv := &fakeInvoker{resp: &core.ModelResponse{
		Message:  core.Message{Role: core.RoleAssistant, Content: "done"},
		Usage:    core.Usage{PromptTokens: 100, CompletionTokens: 20},
		Provider: "vllm",
		Model:    "qwen-7b",
	}}
	s := testServer(t, inv, nil)

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBody(t), map[string]string{
		"X-Trace-ID": "trace-42",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "trace-42", w.Header().Get("X-Trace-ID"))

	var resp core.ModelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp.Message.Content)
	assert.Equal(t, 1, inv.calls)
}

func TestInvokeAssignsTraceID(t *testing.T) {
	inv := &fakeInvoker{resp: &core.ModelResponse{}}
	s := testServer(t, inv, nil)

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBody(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}

func TestInvokePoolDeniedForTier(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	token := mintToken(t, tokenOpts{tier: "free", poolID: "reasoning"})

	w := doInvoke(s, token, invokeBody(t), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, core.CodePoolAccessDenied, decodeError(t, w).Code)
}

func TestInvokeUnknownPoolRejected(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	token := mintToken(t, tokenOpts{poolID: "quantum"})

	w := doInvoke(s, token, invokeBody(t), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, core.CodeUnknownPool, decodeError(t, w).Code)
}

func TestInvokeJTIReplayRejected(t *testing.T) {
	inv := &fakeInvoker{resp: &core.ModelResponse{}}
	s := testServer(t, inv, nil)
	token := mintToken(t, tokenOpts{jti: "jti-once"})

	first := doInvoke(s, token, invokeBody(t), nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doInvoke(s, token, invokeBody(t), nil)
	assert.Equal(t, http.StatusUnauthorized, second.Code)
	assert.Equal(t, core.CodeJTIReplayDetected, decodeError(t, second).Code)
}

func TestInvokeMalformedBody(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	req := httptest.NewRequest("POST", "/v1/invoke", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer "+mintToken(t, tokenOpts{}))
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, core.CodeSchemaInvalid, decodeError(t, w).Code)
}

func TestInvokeProviderErrorMapped(t *testing.T) {
	inv := &fakeInvoker{err: core.Errf(core.CodeModelUnavailable, "no capacity")}
	s := testServer(t, inv, nil)

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBody(t), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, core.CodeModelUnavailable, decodeError(t, w).Code)
}

func testPayments() *Payments {
	quoter := x402.NewQuoter(x402.QuoterConfig{
		Treasury: "0x000000000000000000000000000000000000dEaD",
		ChainID:  8453,
	})
	verifier := x402.NewVerifier(x402.VerifierConfig{
		Treasury: "0x000000000000000000000000000000000000dEaD",
	}, x402.NewMemoryNonceStore(), nil, nil)
	return &Payments{
		Quoter:   quoter,
		Verifier: verifier,
		Credits:  x402.NewCreditLedger(x402.NewMemoryCreditStore(), 0, nil),
	}
}

func TestInvokeWithoutProofGets402(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, testPayments())

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBody(t), nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var quote x402.Quote
	require.NoError(t, json.Unmarshal([]byte(w.Header().Get("X-Payment-Required")), &quote))
	assert.NotEmpty(t, quote.QuoteID)
	assert.Equal(t, "qwen-7b", quote.Model)
	assert.Greater(t, quote.MaxCostMicroUSDC, int64(0))
	assert.True(t, quote.ExpiresAt.After(time.Now()))
}

func TestInvokeUnknownQuoteRejected(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, testPayments())

	proof, _ := json.Marshal(x402.Proof{QuoteID: "q_missing", ChainID: 8453})
	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBody(t), map[string]string{
		"X-Payment": string(proof),
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, core.CodeQuoteNotFound, decodeError(t, w).Code)
}

func invokeBodyWithMaxTokens(t *testing.T, maxTokens int64) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(invokeRequest{
		Agent:     "coder",
		Messages:  []core.Message{{Role: core.RoleUser, Content: "write a function"}},
		MaxTokens: maxTokens,
		Scope:     scopeMeta{ProjectID: "p1"},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func TestInvokeCreditFullyCoversQuote(t *testing.T) {
	p := testPayments()
	ctx := context.Background()
	const wallet = "0xFeed000000000000000000000000000000000001"
	_, err := p.Credits.Issue(ctx, wallet, "pid_seed", 4_000, 0)
	require.NoError(t, err)

	inv := &fakeInvoker{resp: &core.ModelResponse{
		Message:  core.Message{Role: core.RoleAssistant, Content: "done"},
		Usage:    core.Usage{PromptTokens: 100, CompletionTokens: 20},
		Provider: "vllm",
		Model:    "qwen-7b",
	}}
	s := testServer(t, inv, p)

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBodyWithMaxTokens(t, 100), map[string]string{
		"X-Wallet": wallet,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, inv.calls)

	// 100 tokens at 10 micro-USD each with 10% markup quotes 1100, consumed
	// entirely from the wallet balance with no proof demanded.
	var app x402.CreditApplication
	require.NoError(t, json.Unmarshal([]byte(w.Header().Get("X-Payment-Credit-Applied")), &app))
	assert.Equal(t, int64(1_100), app.CreditUsed)
	assert.Equal(t, int64(0), app.ReducedAmount)
	assert.Equal(t, int64(2_900), app.RemainingCredit)

	// Reported usage prices at 450 off the table, so 650 flows back.
	var note x402.CreditNote
	require.NoError(t, json.Unmarshal([]byte(w.Header().Get("X-Payment-Credit")), &note))
	assert.Equal(t, int64(650), note.DeltaMicro)
	assert.Equal(t, strings.ToLower(wallet), note.Wallet)

	app, err = p.Credits.Apply(ctx, wallet, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3_550), app.RemainingCredit)
}

func TestInvokePartialCreditLowers402Quote(t *testing.T) {
	p := testPayments()
	ctx := context.Background()
	const wallet = "0xfeed000000000000000000000000000000000002"
	_, err := p.Credits.Issue(ctx, wallet, "pid_seed", 4_000, 0)
	require.NoError(t, err)

	s := testServer(t, &fakeInvoker{}, p)

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBodyWithMaxTokens(t, 1000), map[string]string{
		"X-Wallet": wallet,
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var app x402.CreditApplication
	require.NoError(t, json.Unmarshal([]byte(w.Header().Get("X-Payment-Credit-Applied")), &app))
	assert.Equal(t, int64(4_000), app.CreditUsed)
	assert.Equal(t, int64(7_000), app.ReducedAmount)
	assert.Equal(t, int64(0), app.RemainingCredit)

	var quote x402.Quote
	require.NoError(t, json.Unmarshal([]byte(w.Header().Get("X-Payment-Required")), &quote))
	assert.Equal(t, int64(7_000), quote.MaxCostMicroUSDC)

	// The stored quote a later proof verifies against is the reduced one,
	// remembering the consumed credit for reconciliation.
	stored, err := p.Quoter.Lookup(quote.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, int64(7_000), stored.MaxCostMicroUSDC)
	assert.Equal(t, int64(4_000), stored.CreditAppliedMicroUSDC)
}

func TestBypassedWalletSkipsPayment(t *testing.T) {
	p := testPayments()
	p.Verifier = x402.NewVerifier(x402.VerifierConfig{
		Treasury:        "0x000000000000000000000000000000000000dEaD",
		BypassAddresses: []string{"0xBEEF00000000000000000000000000000000BEEF"},
	}, x402.NewMemoryNonceStore(), nil, nil)

	inv := &fakeInvoker{resp: &core.ModelResponse{}}
	s := testServer(t, inv, p)

	w := doInvoke(s, mintToken(t, tokenOpts{}), invokeBody(t), map[string]string{
		"X-Wallet": "0xBEEF00000000000000000000000000000000BEEF",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, inv.calls)
}

func TestHealthzOpen(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminBindings(t *testing.T) {
	s := testServer(t, &fakeInvoker{}, nil)
	req := httptest.NewRequest("GET", "/v1/admin/bindings", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, tokenOpts{}))
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		PriceTableVersion int64 `json:"price_table_version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.PriceTableVersion)
}
