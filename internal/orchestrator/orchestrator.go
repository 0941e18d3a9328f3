// Package orchestrator runs the iterative model/tool loop with idempotent
// tool execution and hard safety limits.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/loa-finn/hounfour/internal/core"
)

// Loop defaults.
const (
	DefaultMaxIterations          = 10
	DefaultMaxConsecutiveFailures = 3
	DefaultWallTime               = 5 * time.Minute
)

// ModelCaller invokes the model with the conversation so far.
type ModelCaller func(ctx context.Context, messages []core.Message, tools []core.ToolDefinition) (*core.ModelResponse, error)

// ToolExecutor runs one tool call and returns its serialized result.
type ToolExecutor interface {
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// Config bounds a tool-call loop. Zero values fall back to the defaults.
type Config struct {
	MaxIterations          int
	MaxConsecutiveFailures int
	WallTime               time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.WallTime <= 0 {
		c.WallTime = DefaultWallTime
	}
	return c
}

// Result is the outcome of a completed loop.
type Result struct {
	Response   *core.ModelResponse
	Messages   []core.Message
	Usage      core.Usage // summed across iterations
	Iterations int
	CacheHits  int
}

// Orchestrator drives the model/tool loop for one agent invocation.
type Orchestrator struct {
	cfg    Config
	cache  *IdempotencyCache
	logger *log.Logger
	now    func() time.Time
}

// New builds an orchestrator sharing the given cache. A nil cache gets a
// private one with default sizing.
func New(cfg Config, cache *IdempotencyCache) *Orchestrator {
	if cache == nil {
		cache = NewIdempotencyCache(0, 0)
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		cache:  cache,
		logger: log.New(log.Writer(), "[TOOL-LOOP] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Run executes the loop: invoke the model, execute any requested tools,
// feed results back, repeat until the model answers without tool calls or
// a safety limit trips. beforeIteration runs ahead of every model call and
// may veto it (the router uses it for per-iteration budget checks); it may
// be nil.
func (o *Orchestrator) Run(
	ctx context.Context,
	tenantID string,
	messages []core.Message,
	tools []core.ToolDefinition,
	call ModelCaller,
	exec ToolExecutor,
	beforeIteration func(usedSoFar core.Usage) error,
) (*Result, error) {
	cfg := o.cfg
	start := o.now()
	res := &Result{Messages: messages}
	consecutiveFailures := 0

	for {
		if res.Iterations >= cfg.MaxIterations {
			return nil, core.Errf(core.CodeToolCallMaxIterations,
				"tool loop exceeded %d iterations", cfg.MaxIterations).
				WithContext("iterations", res.Iterations)
		}
		if elapsed := o.now().Sub(start); elapsed > cfg.WallTime {
			return nil, core.Errf(core.CodeToolCallWallTimeExceeded,
				"tool loop exceeded wall time %s", cfg.WallTime).
				WithContext("elapsed_ms", elapsed.Milliseconds())
		}
		if err := ctx.Err(); err != nil {
			return nil, core.Wrap(core.CodeInternal, err, "tool loop cancelled")
		}
		if beforeIteration != nil {
			if err := beforeIteration(res.Usage); err != nil {
				return nil, err
			}
		}

		resp, err := call(ctx, res.Messages, tools)
		if err != nil {
			return nil, err
		}
		res.Iterations++
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		res.Usage.ReasoningTokens += resp.Usage.ReasoningTokens
		res.Messages = append(res.Messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			res.Response = resp
			return res, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			if tc.ParseError != "" {
				return nil, core.Errf(core.CodeToolCallValidationFailed,
					"tool %s: %s", tc.Name, tc.ParseError).
					WithContext("tool", tc.Name)
			}

			output, hit, err := o.runTool(ctx, tenantID, tc, exec)
			if hit {
				res.CacheHits++
			}
			if err != nil {
				consecutiveFailures++
				o.logger.Printf("WARN tool %s failed (%d consecutive): %v", tc.Name, consecutiveFailures, err)
				if consecutiveFailures >= cfg.MaxConsecutiveFailures {
					return nil, core.Wrap(core.CodeToolCallConsecutiveFailures, err,
						"%d consecutive tool failures", consecutiveFailures)
				}
				output = fmt.Sprintf(`{"error": %q}`, err.Error())
			} else {
				consecutiveFailures = 0
			}

			res.Messages = append(res.Messages, core.Message{
				Role:       core.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}
}

// runTool consults the idempotency cache before executing.
func (o *Orchestrator) runTool(ctx context.Context, tenantID string, tc core.ToolCall, exec ToolExecutor) (output string, cacheHit bool, err error) {
	key := CacheKey(tenantID, tc.Name, tc.Arguments)
	if cached, ok := o.cache.Get(key); ok {
		return cached, true, nil
	}
	output, err = exec.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		return "", false, err
	}
	o.cache.Set(key, output)
	return output, false, nil
}

// SetClock injects a clock for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}
