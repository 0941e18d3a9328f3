package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/pool"
	"github.com/loa-finn/hounfour/internal/pricing"
	"github.com/loa-finn/hounfour/internal/router"
	"github.com/loa-finn/hounfour/internal/x402"
)

// invokeRequest is the wire body of POST /v1/invoke.
type invokeRequest struct {
	Agent     string                 `json:"agent"`
	TaskType  string                 `json:"task_type,omitempty"`
	Messages  []core.Message         `json:"messages"`
	Tools     []core.ToolDefinition  `json:"tools,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	MaxTokens int64                  `json:"max_tokens,omitempty"`
	Scope     scopeMeta              `json:"scope"`
}

type scopeMeta struct {
	ProjectID string `json:"project_id"`
	PhaseID   string `json:"phase_id,omitempty"`
	SprintID  string `json:"sprint_id,omitempty"`
}

func (m scopeMeta) toCore() core.ScopeMeta {
	return core.ScopeMeta{ProjectID: m.ProjectID, PhaseID: m.PhaseID, SprintID: m.SprintID}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	tc := TenantFromContext(r.Context())

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.Wrap(core.CodeSchemaInvalid, err, "malformed request body"))
		return
	}
	if req.Agent == "" || len(req.Messages) == 0 {
		s.writeError(w, core.Errf(core.CodeSchemaInvalid, "agent and messages are required"))
		return
	}

	if _, err := pool.SelectAuthorizedPool(tc, req.TaskType); err != nil {
		s.writeError(w, err)
		return
	}

	// The payment exchange happens before any provider spend. A missing
	// proof yields a 402 carrying a fresh quote; a present proof must
	// verify against the quote it names.
	var settled *paymentState
	if s.payments != nil && !s.payments.Verifier.Bypassed(r.Header.Get("X-Wallet")) {
		var err error
		settled, err = s.handlePaymentExchange(w, r, req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if settled == nil {
			return // 402 already written
		}
	}

	start := time.Now()
	resp, err := s.router.Invoke(r.Context(), tc, router.Input{
		Agent:    req.Agent,
		Messages: req.Messages,
		Tools:    req.Tools,
		Options:  req.Options,
		Scope:    req.Scope.toCore(),
	})
	if err != nil {
		s.observe(req.Agent, "", "", "error", start)
		s.writeError(w, err)
		return
	}
	s.observe(req.Agent, resp.Provider, resp.Model, "ok", start)

	if settled != nil {
		s.settlePayment(w, r, tc, settled, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// paymentState carries a verified proof, or a fully credit-covered charge,
// across the invocation so the response can settle and reconcile it.
type paymentState struct {
	wallet     string // lowercase payer address
	proof      x402.Proof
	quote      x402.Quote
	result     x402.VerifyResult
	applied    x402.CreditApplication
	creditOnly bool // charge consumed from wallet credit, no on-chain leg
}

// handlePaymentExchange runs the pre-invocation half of x402. Wallet credit
// is consumed against the quote before payment is demanded: full coverage
// admits the request with no proof, partial coverage lowers the 402 quote.
// Returns (nil, nil) after writing a 402 when payment is still owed.
func (s *Server) handlePaymentExchange(w http.ResponseWriter, r *http.Request, req invokeRequest) (*paymentState, error) {
	header := r.Header.Get("X-Payment")
	if header == "" {
		quote, err := s.quoteFor(req)
		if err != nil {
			return nil, err
		}

		wallet := strings.ToLower(r.Header.Get("X-Wallet"))
		if wallet != "" {
			app, err := s.payments.Credits.Apply(r.Context(), wallet, quote.MaxCostMicroUSDC)
			if err != nil {
				return nil, err
			}
			if app.CreditUsed > 0 {
				raw, _ := json.Marshal(app)
				w.Header().Set("X-Payment-Credit-Applied", string(raw))
				if app.ReducedAmount == 0 {
					return &paymentState{wallet: wallet, quote: quote, applied: app, creditOnly: true}, nil
				}
				quote, err = s.payments.Quoter.Reprice(quote.QuoteID, app.ReducedAmount)
				if err != nil {
					return nil, err
				}
			}
		}

		raw, _ := json.Marshal(quote)
		w.Header().Set("X-Payment-Required", string(raw))
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:   "HounfourError",
			Code:    "PAYMENT_REQUIRED",
			Message: "payment proof required, see X-Payment-Required",
		})
		return nil, nil
	}

	var proof x402.Proof
	if err := json.Unmarshal([]byte(header), &proof); err != nil {
		return nil, core.Wrap(core.CodeSchemaInvalid, err, "malformed X-Payment header")
	}
	quote, err := s.payments.Quoter.Lookup(proof.QuoteID)
	if err != nil {
		return nil, err
	}
	result, err := s.payments.Verifier.Verify(r.Context(), proof, quote)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PaymentsVerified.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		outcome := "valid"
		if result.IdempotentReplay {
			outcome = "replay"
		}
		s.metrics.PaymentsVerified.WithLabelValues(outcome).Inc()
	}
	return &paymentState{
		wallet: strings.ToLower(proof.Authorization.From),
		proof:  proof,
		quote:  quote,
		result: result,
	}, nil
}

// quoteFor prices a 402 quote from the agent's binding. The per-token rate
// is the output rate rounded up so the quote never undershoots.
func (s *Server) quoteFor(req invokeRequest) (x402.Quote, error) {
	binding, err := s.registry.GetAgentBinding(req.Agent)
	if err != nil {
		return x402.Quote{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = router.DefaultCompletionEstimate
	}
	ratePerToken := (binding.Pricing.OutputMicroPerMillion + pricing.MicroPerUnit - 1) / pricing.MicroPerUnit
	if ratePerToken < 1 {
		ratePerToken = 1
	}
	return s.payments.Quoter.GenerateQuote(binding.Resolved.ModelID, maxTokens, ratePerToken)
}

// settlePayment runs the post-invocation half: submit on chain when money
// changed hands, report the settlement header and issue a credit note for
// the quoted-over-actual gap.
func (s *Server) settlePayment(w http.ResponseWriter, r *http.Request, tc *core.TenantContext,
	ps *paymentState, resp *core.ModelResponse) {

	actual, err := s.actualCostMicroUSDC(ps, resp)
	if err != nil {
		s.logger.Printf("ERROR reconciling payment for %s/%s: %v", resp.Provider, resp.Model, err)
		return
	}

	if ps.creditOnly {
		// The whole charge came from wallet credit. Re-issue the unused
		// portion against a synthetic payment id tied to the quote.
		s.issueCredit(w, r, ps, "credit_"+ps.quote.QuoteID, ps.applied.CreditUsed, actual)
		return
	}

	if s.payments.Settler == nil {
		s.logger.Printf("WARN payment %s verified but no settlement path configured", ps.result.PaymentID)
		return
	}
	settlement, err := s.payments.Settler.Settle(r.Context(), ps.proof.ChainID, ps.proof.Authorization)
	if err != nil {
		// The provider already answered; surface the settlement failure in
		// a header rather than discarding the response.
		s.logger.Printf("ERROR payment %s settlement failed: %v", ps.result.PaymentID, err)
		if s.metrics != nil {
			s.metrics.Settlements.WithLabelValues("none", "failed").Inc()
		}
		w.Header().Set("X-Payment-Settlement-Error", string(core.CodeOf(err)))
		return
	}
	if s.metrics != nil {
		s.metrics.Settlements.WithLabelValues(settlement.Method, "ok").Inc()
	}
	raw, _ := json.Marshal(settlement)
	w.Header().Set("X-Payment-Settled", string(raw))

	// The payer gave up any credit consumed at quote time plus the
	// on-chain amount.
	quotedTotal := ps.quote.CreditAppliedMicroUSDC + ps.quote.MaxCostMicroUSDC
	s.issueCredit(w, r, ps, ps.result.PaymentID, quotedTotal, actual)
}

func (s *Server) issueCredit(w http.ResponseWriter, r *http.Request, ps *paymentState,
	paymentID string, quotedMicro, actualMicro int64) {

	note, err := s.payments.Credits.Issue(r.Context(), ps.wallet, paymentID, quotedMicro, actualMicro)
	if err != nil {
		s.logger.Printf("WARN credit note for %s: %v", paymentID, err)
		return
	}
	if note != nil {
		if s.metrics != nil {
			s.metrics.CreditIssued.WithLabelValues(note.Wallet).Add(float64(note.DeltaMicro))
		}
		raw, _ := json.Marshal(note)
		w.Header().Set("X-Payment-Credit", string(raw))
	}
}

type ensembleRequest struct {
	EnsembleID string          `json:"ensemble_id"`
	Branches   []invokeRequest `json:"branches"`
}

type ensembleBranch struct {
	Index     int                 `json:"index"`
	Response  *core.ModelResponse `json:"response,omitempty"`
	Error     *errorBody          `json:"error,omitempty"`
	CostMicro int64               `json:"cost_micro"`
}

func (s *Server) handleEnsemble(w http.ResponseWriter, r *http.Request) {
	tc := TenantFromContext(r.Context())

	var req ensembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.Wrap(core.CodeSchemaInvalid, err, "malformed request body"))
		return
	}
	if req.EnsembleID == "" || len(req.Branches) == 0 {
		s.writeError(w, core.Errf(core.CodeSchemaInvalid, "ensemble_id and branches are required"))
		return
	}

	branches := make([]router.Input, len(req.Branches))
	for i, b := range req.Branches {
		branches[i] = router.Input{
			Agent:    b.Agent,
			Messages: b.Messages,
			Tools:    b.Tools,
			Options:  b.Options,
			Scope:    b.Scope.toCore(),
		}
	}

	results, err := s.router.InvokeEnsemble(r.Context(), tc, req.EnsembleID, branches)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]ensembleBranch, len(results))
	for i, res := range results {
		out[i] = ensembleBranch{Index: res.Index, Response: res.Response, CostMicro: res.CostMicro}
		if res.Err != nil {
			out[i].Error = &errorBody{
				Error:   "HounfourError",
				Code:    core.CodeOf(res.Err),
				Message: res.Err.Error(),
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ensemble_id": req.EnsembleID,
		"branches":    out,
	})
}

func (s *Server) observe(agent, provider, model, status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(agent, provider, model, status).Inc()
	if status == "ok" {
		s.metrics.RequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
	}
}

// actualCostMicroUSDC prices the response's reported usage off the serving
// model's price table, then converts once through the quote's frozen rate so
// reconciliation never drifts with a rate change between quote and settle.
func (s *Server) actualCostMicroUSDC(ps *paymentState, resp *core.ModelResponse) (int64, error) {
	entry, err := s.registry.GetPricing(resp.Provider, resp.Model)
	if err != nil {
		return 0, err
	}
	b, err := pricing.Calculate(resp.Usage, entry)
	if err != nil {
		return 0, err
	}
	return ps.quote.Rate.USDToUSDC(b.TotalCostMicro), nil
}
