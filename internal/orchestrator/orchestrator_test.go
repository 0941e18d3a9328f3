package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/hounfour/internal/core"
)

type scriptedModel struct {
	responses []*core.ModelResponse
	calls     int
}

func (m *scriptedModel) call(ctx context.Context, msgs []core.Message, tools []core.ToolDefinition) (*core.ModelResponse, error) {
	if m.calls >= len(m.responses) {
		return nil, errors.New("script exhausted")
	}
	r := m.responses[m.calls]
	m.calls++
	return r, nil
}

type fakeExecutor struct {
	calls   int
	results map[string]string
	err     error
}

func (e *fakeExecutor) Execute(ctx context.Context, name, args string) (string, error) {
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	if r, ok := e.results[name]; ok {
		return r, nil
	}
	return `{"ok":true}`, nil
}

func toolResp(calls ...core.ToolCall) *core.ModelResponse {
	return &core.ModelResponse{
		Message: core.Message{Role: core.RoleAssistant, ToolCalls: calls},
		Usage:   core.Usage{PromptTokens: 100, CompletionTokens: 20},
	}
}

func finalResp(text string) *core.ModelResponse {
	return &core.ModelResponse{
		Message: core.Message{Role: core.RoleAssistant, Content: text},
		Usage:   core.Usage{PromptTokens: 120, CompletionTokens: 40},
	}
}

func TestLoopExecutesToolsThenReturns(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{
		toolResp(core.ToolCall{ID: "c1", Name: "search", Arguments: `{"q":"go"}`}),
		finalResp("done"),
	}}
	exec := &fakeExecutor{results: map[string]string{"search": `{"hits":3}`}}

	o := New(Config{}, nil)
	res, err := o.Run(context.Background(), "t1", []core.Message{{Role: core.RoleUser, Content: "hi"}},
		nil, model.call, exec, nil)
	require.NoError(t, err)

	assert.Equal(t, "done", res.Response.Message.Content)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, exec.calls)
	// user, assistant(tool_calls), tool, assistant(final)
	require.Len(t, res.Messages, 4)
	assert.Equal(t, core.RoleTool, res.Messages[2].Role)
	assert.Equal(t, `{"hits":3}`, res.Messages[2].Content)
	assert.Equal(t, int64(220), res.Usage.PromptTokens)
	assert.Equal(t, int64(60), res.Usage.CompletionTokens)
}

func TestLoopIdempotencyCacheShortCircuits(t *testing.T) {
	sameCall := core.ToolCall{ID: "c1", Name: "search", Arguments: `{"q":"go"}`}
	model := &scriptedModel{responses: []*core.ModelResponse{
		toolResp(sameCall),
		toolResp(core.ToolCall{ID: "c2", Name: "search", Arguments: `{ "q" : "go" }`}),
		finalResp("done"),
	}}
	exec := &fakeExecutor{}

	o := New(Config{}, nil)
	res, err := o.Run(context.Background(), "t1", nil, nil, model.call, exec, nil)
	require.NoError(t, err)

	// Whitespace differences canonicalize to the same key.
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 1, res.CacheHits)
}

func TestLoopMaxIterations(t *testing.T) {
	responses := make([]*core.ModelResponse, 12)
	for i := range responses {
		responses[i] = toolResp(core.ToolCall{ID: "c", Name: "noop", Arguments: fmt.Sprintf(`{"i":%d}`, i)})
	}
	model := &scriptedModel{responses: responses}

	o := New(Config{MaxIterations: 3}, nil)
	_, err := o.Run(context.Background(), "t1", nil, nil, model.call, &fakeExecutor{}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeToolCallMaxIterations))
}

func TestLoopConsecutiveFailures(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{
		toolResp(
			core.ToolCall{ID: "c1", Name: "flaky", Arguments: `{"a":1}`},
			core.ToolCall{ID: "c2", Name: "flaky", Arguments: `{"a":2}`},
			core.ToolCall{ID: "c3", Name: "flaky", Arguments: `{"a":3}`},
		),
	}}
	exec := &fakeExecutor{err: errors.New("boom")}

	o := New(Config{}, nil)
	_, err := o.Run(context.Background(), "t1", nil, nil, model.call, exec, nil)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeToolCallConsecutiveFailures))
}

func TestLoopWallTime(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{
		toolResp(core.ToolCall{ID: "c1", Name: "noop", Arguments: `{}`}),
		finalResp("late"),
	}}

	o := New(Config{WallTime: time.Second}, nil)
	now := time.Now()
	o.SetClock(func() time.Time {
		now = now.Add(2 * time.Second)
		return now
	})

	_, err := o.Run(context.Background(), "t1", nil, nil, model.call, &fakeExecutor{}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeToolCallWallTimeExceeded))
}

func TestLoopValidationFailure(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{
		toolResp(core.ToolCall{ID: "c1", Name: "bad", Arguments: `{"q":`, ParseError: "arguments are not valid JSON"}),
	}}

	o := New(Config{}, nil)
	_, err := o.Run(context.Background(), "t1", nil, nil, model.call, &fakeExecutor{}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeToolCallValidationFailed))
}

func TestLoopBeforeIterationVeto(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{finalResp("never")}}
	veto := core.Errf(core.CodeBudgetExceeded, "over budget")

	o := New(Config{}, nil)
	_, err := o.Run(context.Background(), "t1", nil, nil, model.call, &fakeExecutor{},
		func(core.Usage) error { return veto })
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeBudgetExceeded))
	assert.Equal(t, 0, model.calls)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewIdempotencyCache(60*time.Second, 10)
	now := time.Now()
	c.SetClock(func() time.Time { return now })

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewIdempotencyCache(time.Minute, 3)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	// Touch "a" so "b" becomes the LRU.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", "4")
	_, ok = c.Get("b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestCacheKeyCanonicalization(t *testing.T) {
	k1 := CacheKey("t1", "search", `{"a":1,"b":2}`)
	k2 := CacheKey("t1", "search", `{ "b" : 2, "a" : 1 }`)
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, CacheKey("t2", "search", `{"a":1,"b":2}`))
	assert.NotEqual(t, k1, CacheKey("t1", "fetch", `{"a":1,"b":2}`))
}

func TestAssemblerGroupsByIndex(t *testing.T) {
	a := NewToolCallAssembler()
	require.Nil(t, a.Add(Fragment{Index: 0, ID: "c0", Name: "search", ArgsDelta: `{"q":`}))
	require.Nil(t, a.Add(Fragment{Index: 0, ArgsDelta: `"go"}`}))

	calls := a.Finish()
	require.Len(t, calls, 1)
	assert.Equal(t, "c0", calls[0].ID)
	assert.Equal(t, `{"q":"go"}`, calls[0].Arguments)
	assert.Empty(t, calls[0].ParseError)
}

func TestAssemblerEarlyFinalize(t *testing.T) {
	a := NewToolCallAssembler()
	require.Nil(t, a.Add(Fragment{Index: 0, ID: "c0", Name: "search", ArgsDelta: `{"q":"go"}`}))

	// Index 1 opening finalizes index 0 because its args already parse.
	early := a.Add(Fragment{Index: 1, ID: "c1", Name: "fetch", ArgsDelta: `{"url":`})
	require.NotNil(t, early)
	assert.Equal(t, "c0", early.ID)

	require.Nil(t, a.Add(Fragment{Index: 1, ArgsDelta: `"x"}`}))
	calls := a.Finish()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
}

func TestAssemblerTrailingCommaTolerance(t *testing.T) {
	a := NewToolCallAssembler()
	require.Nil(t, a.Add(Fragment{Index: 0, ID: "c0", Name: "search", ArgsDelta: `{"q":"go",}`}))

	early := a.Add(Fragment{Index: 1, ID: "c1", Name: "fetch", ArgsDelta: `{}`})
	require.NotNil(t, early)
	assert.Empty(t, early.ParseError)
}

func TestAssemblerMarksUnparseable(t *testing.T) {
	a := NewToolCallAssembler()
	require.Nil(t, a.Add(Fragment{Index: 0, ID: "c0", Name: "bad", ArgsDelta: `{"q":`}))

	calls := a.Finish()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ParseError)
	assert.Equal(t, `{"q":`, calls[0].Arguments)
}
