package orchestrator

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/loa-finn/hounfour/internal/core"
)

// Fragment is one streamed tool-call delta. Providers stream a call's id
// and name on the first fragment for an index and argument text in pieces
// afterwards. The JSON shape matches what the adapter relays verbatim from
// a streaming provider.
type Fragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

type pendingCall struct {
	id        string
	index     int
	name      string
	args      []byte
	finalized bool
}

// ToolCallAssembler reassembles streamed tool-call fragments into complete
// calls. Fragments are grouped by index; when a later index begins and an
// earlier index's accumulated arguments already parse as JSON, the earlier
// call is finalized early so downstream execution can start before the
// stream ends.
type ToolCallAssembler struct {
	calls map[int]*pendingCall
}

func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{calls: make(map[int]*pendingCall)}
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// parseLenient reports whether raw is valid JSON, tolerating trailing
// commas before a closing brace or bracket.
func parseLenient(raw []byte) bool {
	if json.Valid(raw) {
		return true
	}
	cleaned := trailingComma.ReplaceAll(raw, []byte("$1"))
	return json.Valid(cleaned)
}

// Add ingests one fragment. It returns any call finalized early by this
// fragment, or nil.
func (a *ToolCallAssembler) Add(f Fragment) *core.ToolCall {
	var early *core.ToolCall

	call, seen := a.calls[f.Index]
	if !seen {
		// A new index opening is the signal to try finalizing earlier ones.
		early = a.finalizeEarlier(f.Index)
		call = &pendingCall{id: f.ID, index: f.Index, name: f.Name}
		a.calls[f.Index] = call
	}
	if f.ID != "" {
		call.id = f.ID
	}
	if f.Name != "" {
		call.name = f.Name
	}
	call.args = append(call.args, f.ArgsDelta...)
	return early
}

func (a *ToolCallAssembler) finalizeEarlier(newIndex int) *core.ToolCall {
	for idx, c := range a.calls {
		if idx >= newIndex || c.finalized {
			continue
		}
		if parseLenient(c.args) {
			c.finalized = true
			tc := c.toToolCall()
			return &tc
		}
	}
	return nil
}

func (c *pendingCall) toToolCall() core.ToolCall {
	tc := core.ToolCall{
		ID:        c.id,
		Index:     c.index,
		Name:      c.name,
		Arguments: string(c.args),
	}
	if !parseLenient(c.args) {
		tc.ParseError = "arguments are not valid JSON"
	}
	return tc
}

// Finish flushes every pending call in index order. Calls whose arguments
// never parsed are still emitted, marked with ParseError.
func (a *ToolCallAssembler) Finish() []core.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]core.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		c := a.calls[idx]
		if c.finalized {
			continue
		}
		out = append(out, c.toToolCall())
	}
	a.calls = make(map[int]*pendingCall)
	return out
}
