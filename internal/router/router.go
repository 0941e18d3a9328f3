// Package router composes the gateway pipeline for one invocation:
// binding resolution, budget check, rate limiting, health-aware routing,
// provider invocation and cost commitment.
package router

import (
	"context"
	"log"
	"sync"

	"github.com/loa-finn/hounfour/internal/budget"
	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/ensemble"
	"github.com/loa-finn/hounfour/internal/health"
	"github.com/loa-finn/hounfour/internal/invoker"
	"github.com/loa-finn/hounfour/internal/ledger"
	"github.com/loa-finn/hounfour/internal/orchestrator"
	"github.com/loa-finn/hounfour/internal/pricing"
	"github.com/loa-finn/hounfour/internal/ratelimit"
	"github.com/loa-finn/hounfour/internal/registry"
)

// DefaultCompletionEstimate is the completion-token allowance assumed when
// sizing budget and rate-limit reservations before the provider responds.
const DefaultCompletionEstimate = 1024

// Input is one invocation request.
type Input struct {
	Agent    string
	Messages []core.Message
	Tools    []core.ToolDefinition
	Options  map[string]interface{}
	Scope    core.ScopeMeta
}

// ExecutionContext is the resolved routing state for one invocation.
type ExecutionContext struct {
	Binding  registry.Binding
	Resolved registry.Resolved
	Pricing  pricing.Entry
	Scope    core.ScopeMeta
	Fallback bool // the fallback model was selected
}

// Router drives the invocation pipeline.
type Router struct {
	registry *registry.Registry
	budget   *budget.Enforcer
	limiter  *ratelimit.Limiter
	prober   *health.Prober
	invoke   invoker.ProviderInvoker
	orch     *orchestrator.Orchestrator
	reserver *ensemble.Reserver
	logger   *log.Logger
}

func New(
	reg *registry.Registry,
	enforcer *budget.Enforcer,
	limiter *ratelimit.Limiter,
	prober *health.Prober,
	inv invoker.ProviderInvoker,
	orch *orchestrator.Orchestrator,
	reserver *ensemble.Reserver,
) *Router {
	return &Router{
		registry: reg,
		budget:   enforcer,
		limiter:  limiter,
		prober:   prober,
		invoke:   inv,
		orch:     orch,
		reserver: reserver,
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// resolve builds the execution context, demoting to the fallback model
// when the primary's circuit is open.
func (r *Router) resolve(in Input) (*ExecutionContext, error) {
	binding, err := r.registry.GetAgentBinding(in.Agent)
	if err != nil {
		return nil, err
	}

	ec := &ExecutionContext{
		Binding:  binding,
		Resolved: binding.Resolved,
		Pricing:  binding.Pricing,
		Scope:    in.Scope,
	}
	if !r.prober.IsHealthy(ec.Resolved.Provider, ec.Resolved.ModelID) {
		if binding.Fallback == nil {
			return nil, core.Errf(core.CodeModelUnavailable,
				"%s:%s is unhealthy and agent %q has no fallback",
				ec.Resolved.Provider, ec.Resolved.ModelID, in.Agent)
		}
		fb := *binding.Fallback
		price, err := r.registry.GetPricing(fb.Provider, fb.ModelID)
		if err != nil {
			return nil, err
		}
		r.logger.Printf("INFO agent %s: %s:%s unhealthy, falling back to %s:%s",
			in.Agent, ec.Resolved.Provider, ec.Resolved.ModelID, fb.Provider, fb.ModelID)
		ec.Resolved = fb
		ec.Pricing = price
		ec.Fallback = true
	}
	return ec, nil
}

// estimate sizes the request before invocation: prompt tokens from message
// text plus the completion allowance, and the micro-USD cost of both.
func estimate(in Input, price pricing.Entry) (tokens int64, costMicro int64, err error) {
	contents := make([]string, 0, len(in.Messages))
	for _, m := range in.Messages {
		contents = append(contents, m.Content)
	}
	promptTokens := registry.EstimateMessageTokens(contents)
	tokens = promptTokens + DefaultCompletionEstimate

	b, err := pricing.Calculate(core.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: DefaultCompletionEstimate,
	}, price)
	if err != nil {
		return 0, 0, err
	}
	return tokens, b.TotalCostMicro, nil
}

// Invoke runs the full pipeline for a single model call.
func (r *Router) Invoke(ctx context.Context, tc *core.TenantContext, in Input) (*core.ModelResponse, error) {
	ec, err := r.resolve(in)
	if err != nil {
		return nil, err
	}

	estTokens, estCost, err := estimate(in, ec.Pricing)
	if err != nil {
		return nil, err
	}
	if err := r.budget.CheckBudget(ec.Scope, estCost); err != nil {
		return nil, err
	}
	if err := r.limiter.Acquire(ctx, ec.Resolved.Provider, estTokens); err != nil {
		return nil, err
	}

	resp, err := r.callProvider(ctx, tc, in, ec, estTokens)
	if err != nil {
		return nil, err
	}
	if err := r.commitCost(ctx, tc, in, ec, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// callProvider performs the provider call with health and rate-limit
// feedback. On failure the full token estimate is returned to the bucket.
func (r *Router) callProvider(ctx context.Context, tc *core.TenantContext, in Input,
	ec *ExecutionContext, estTokens int64) (*core.ModelResponse, error) {

	resp, err := r.invoke.Invoke(ctx, invoker.Request{
		Provider: ec.Resolved.Provider,
		Model:    ec.Resolved.ModelID,
		Messages: in.Messages,
		Tools:    in.Tools,
		Options:  in.Options,
		Metadata: invoker.Metadata{
			Agent:    in.Agent,
			TenantID: tc.TenantID,
			NFTID:    tc.NFTID,
			TraceID:  tc.TraceID,
		},
	})
	if err != nil {
		r.limiter.Release(ec.Resolved.Provider, estTokens, 0)
		if health.Eligible(err) {
			r.prober.RecordFailure(ec.Resolved.Provider, ec.Resolved.ModelID, err)
		}
		return nil, err
	}

	r.prober.RecordSuccess(ec.Resolved.Provider, ec.Resolved.ModelID)
	actual := resp.Usage.PromptTokens + resp.Usage.CompletionTokens + resp.Usage.ReasoningTokens
	r.limiter.Release(ec.Resolved.Provider, estTokens, actual)
	return resp, nil
}

// commitCost prices the reported usage and runs the budget commit.
func (r *Router) commitCost(ctx context.Context, tc *core.TenantContext, in Input,
	ec *ExecutionContext, resp *core.ModelResponse) error {

	b, err := pricing.Calculate(resp.Usage, ec.Pricing)
	if err != nil {
		return err
	}
	entry := ledger.NewEntry(tc, in.Agent, ec.Resolved.Provider, ec.Resolved.ModelID,
		in.Scope, resp.Usage, b, r.registry.PriceTableVersion(),
		ledger.BillingProviderReported, resp.LatencyMs)
	return r.budget.RecordCost(ctx, tc.TenantID, entry, in.Scope, b)
}

// InvokeWithTools runs the tool-call loop. Every iteration re-checks the
// budget with the cost already accumulated by prior iterations; each model
// call goes through the same rate-limit, health and commit path as Invoke.
func (r *Router) InvokeWithTools(ctx context.Context, tc *core.TenantContext, in Input,
	exec orchestrator.ToolExecutor) (*orchestrator.Result, error) {

	ec, err := r.resolve(in)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, messages []core.Message, tools []core.ToolDefinition) (*core.ModelResponse, error) {
		iterIn := in
		iterIn.Messages = messages
		iterIn.Tools = tools

		estTokens, _, err := estimate(iterIn, ec.Pricing)
		if err != nil {
			return nil, err
		}
		if err := r.limiter.Acquire(ctx, ec.Resolved.Provider, estTokens); err != nil {
			return nil, err
		}
		resp, err := r.callProvider(ctx, tc, iterIn, ec, estTokens)
		if err != nil {
			return nil, err
		}
		if err := r.commitCost(ctx, tc, iterIn, ec, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}

	beforeIteration := func(used core.Usage) error {
		_, estCost, err := estimate(in, ec.Pricing)
		if err != nil {
			return err
		}
		return r.budget.CheckBudget(ec.Scope, estCost)
	}

	return r.orch.Run(ctx, tc.TenantID, in.Messages, in.Tools, call, exec, beforeIteration)
}

// BranchResult is one ensemble branch's outcome.
type BranchResult struct {
	Index     int
	Response  *core.ModelResponse
	Err       error
	CostMicro int64
}

// InvokeEnsemble reserves budget for every branch up front, invokes the
// branches in parallel, commits each branch at its actual cost and
// releases whatever the failed branches left reserved.
func (r *Router) InvokeEnsemble(ctx context.Context, tc *core.TenantContext,
	ensembleID string, branches []Input) ([]BranchResult, error) {

	if r.reserver == nil {
		return nil, core.Errf(core.CodeInternal, "ensemble reservations not configured")
	}

	reservations := make([]int64, len(branches))
	for i, in := range branches {
		ec, err := r.resolve(in)
		if err != nil {
			return nil, err
		}
		_, estCost, err := estimate(in, ec.Pricing)
		if err != nil {
			return nil, err
		}
		reservations[i] = estCost
	}

	res, err := r.reserver.Reserve(ctx, ensembleID, tc.TenantID, reservations)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, core.Errf(core.CodeBudgetExceeded,
			"ensemble %s: %s", ensembleID, res.Reason)
	}

	results := make([]BranchResult, len(branches))
	var wg sync.WaitGroup
	for i, in := range branches {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			resp, err := r.Invoke(ctx, tc, in)
			results[i] = BranchResult{Index: i, Response: resp, Err: err}
			if err != nil {
				return
			}

			ec, rerr := r.resolve(in)
			if rerr != nil {
				results[i].Err = rerr
				return
			}
			b, perr := pricing.Calculate(resp.Usage, ec.Pricing)
			if perr != nil {
				results[i].Err = perr
				return
			}
			results[i].CostMicro = b.TotalCostMicro
			if _, cerr := r.reserver.CommitBranch(ctx, ensembleID, tc.TenantID, i, b.TotalCostMicro); cerr != nil {
				r.logger.Printf("WARN ensemble %s branch %d commit failed: %v", ensembleID, i, cerr)
			}
		}(i, in)
	}
	wg.Wait()

	// Failed or cancelled branches leave their reservations behind.
	if _, err := r.reserver.ReleaseAll(ctx, ensembleID, tc.TenantID); err != nil {
		r.logger.Printf("WARN ensemble %s release failed: %v", ensembleID, err)
	}
	return results, nil
}
