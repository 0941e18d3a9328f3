// Package invoker is the outbound port to model providers. The production
// implementation shells out to the cheval adapter subprocess with an
// HMAC-signed request on stdin and a JSON response on stdout; the exit
// code carries the failure taxonomy.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"os/exec"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/orchestrator"
)

// SchemaVersion is the invocation wire schema understood by the adapter.
const SchemaVersion = 1

// Exit-code taxonomy reported by the adapter subprocess.
const (
	ExitOK            = 0
	ExitProviderError = 1
	ExitNetworkError  = 2 // retryable
	ExitHMACInvalid   = 3
	ExitSchemaInvalid = 4
	ExitInternal      = 5
)

// Metadata identifies the caller for provider-side audit.
type Metadata struct {
	Agent    string `json:"agent"`
	TenantID string `json:"tenant_id"`
	NFTID    string `json:"nft_id,omitempty"`
	TraceID  string `json:"trace_id"`
}

// RetryPolicy bounds adapter-side retries for retryable failures.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms"`
	JitterMs    int64 `json:"jitter_ms"`
}

// HMACEnvelope carries the request signature.
type HMACEnvelope struct {
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
	Signature string `json:"signature"`
}

// Request is the full invocation payload sent to the adapter.
type Request struct {
	SchemaVersion int                    `json:"schema_version"`
	Provider      string                 `json:"provider"`
	Model         string                 `json:"model"`
	Messages      []core.Message         `json:"messages"`
	Tools         []core.ToolDefinition  `json:"tools,omitempty"`
	Options       map[string]interface{} `json:"options,omitempty"`
	Metadata      Metadata               `json:"metadata"`
	Retry         RetryPolicy            `json:"retry"`
	HMAC          HMACEnvelope           `json:"hmac"`
}

// ProviderInvoker is the outbound port the router and orchestrator call.
type ProviderInvoker interface {
	Invoke(ctx context.Context, req Request) (*core.ModelResponse, error)
}

// DefaultRetry is applied when a request carries no policy.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, BackoffMs: 500, JitterMs: 250}

// ChevalInvoker shells out to the adapter binary per invocation.
type ChevalInvoker struct {
	binaryPath string
	signer     *HMACSigner
	retry      RetryPolicy
	logger     *log.Logger
	rng        *rand.Rand
	runCmd     func(ctx context.Context, stdin []byte) (stdout []byte, exitCode int, err error)
}

func NewChevalInvoker(binaryPath string, signer *HMACSigner, retry RetryPolicy) *ChevalInvoker {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetry
	}
	inv := &ChevalInvoker{
		binaryPath: binaryPath,
		signer:     signer,
		retry:      retry,
		logger:     log.New(log.Writer(), "[INVOKER] ", log.LstdFlags),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	inv.runCmd = inv.runSubprocess
	return inv
}

// Invoke signs and submits the request, retrying network failures with
// jittered backoff.
func (c *ChevalInvoker) Invoke(ctx context.Context, req Request) (*core.ModelResponse, error) {
	req.SchemaVersion = SchemaVersion
	if req.Retry.MaxAttempts <= 0 {
		req.Retry = c.retry
	}
	if req.Metadata.TraceID == "" {
		req.Metadata.TraceID = uuid.NewString()
	}

	signed, err := c.sign(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= req.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx, attempt, req.Retry); err != nil {
				return nil, core.Wrap(core.CodeNetworkError, err, "invocation cancelled during backoff")
			}
		}

		resp, err := c.invokeOnce(ctx, signed)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !core.IsCode(err, core.CodeNetworkError) {
			return nil, err
		}
		c.logger.Printf("WARN attempt %d/%d against %s/%s failed: %v",
			attempt, req.Retry.MaxAttempts, req.Provider, req.Model, err)
	}
	return nil, lastErr
}

func (c *ChevalInvoker) sign(req Request) ([]byte, error) {
	// The signature covers the body with a zeroed hmac envelope so the
	// adapter can recompute it deterministically.
	req.HMAC = HMACEnvelope{}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, err, "marshal invocation request")
	}

	nonce := uuid.NewString()
	issuedAt := time.Now().Unix()
	req.HMAC = HMACEnvelope{
		Nonce:     nonce,
		IssuedAt:  issuedAt,
		Signature: c.signer.Sign(body, nonce, req.Metadata.TraceID, issuedAt),
	}
	return json.Marshal(req)
}

func (c *ChevalInvoker) invokeOnce(ctx context.Context, payload []byte) (*core.ModelResponse, error) {
	started := time.Now()
	stdout, exitCode, err := c.runCmd(ctx, payload)
	if err != nil && exitCode == ExitOK {
		return nil, core.Wrap(core.CodeNetworkError, err, "adapter subprocess failed to run")
	}

	switch exitCode {
	case ExitOK:
	case ExitProviderError:
		return nil, providerErrorFrom(stdout)
	case ExitNetworkError:
		return nil, core.Errf(core.CodeNetworkError, "adapter reported network failure")
	case ExitHMACInvalid:
		return nil, core.Errf(core.CodeHMACInvalid, "adapter rejected request signature")
	case ExitSchemaInvalid:
		return nil, core.Errf(core.CodeSchemaInvalid, "adapter rejected request schema")
	default:
		return nil, core.Errf(core.CodeInternal, "adapter exited with code %d", exitCode)
	}

	// When the upstream provider streamed its tool calls, the adapter
	// relays the raw deltas instead of complete calls.
	var raw struct {
		core.ModelResponse
		ToolCallFragments []orchestrator.Fragment `json:"tool_call_fragments,omitempty"`
	}
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, core.Wrap(core.CodeSchemaInvalid, err, "adapter response is not valid JSON")
	}
	resp := raw.ModelResponse
	if len(raw.ToolCallFragments) > 0 && len(resp.Message.ToolCalls) == 0 {
		resp.Message.ToolCalls = assembleFragments(raw.ToolCallFragments)
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(started).Milliseconds()
	}
	return &resp, nil
}

// assembleFragments rebuilds complete tool calls from streamed deltas,
// emitting them in index order.
func assembleFragments(frags []orchestrator.Fragment) []core.ToolCall {
	asm := orchestrator.NewToolCallAssembler()
	var calls []core.ToolCall
	for _, f := range frags {
		if early := asm.Add(f); early != nil {
			calls = append(calls, *early)
		}
	}
	calls = append(calls, asm.Finish()...)
	sort.Slice(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
	return calls
}

// providerErrorFrom surfaces the upstream status when the adapter reports
// one, so health eligibility can distinguish 4xx from 5xx.
func providerErrorFrom(stdout []byte) error {
	var body struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
	}
	if err := json.Unmarshal(stdout, &body); err != nil || body.Message == "" {
		return core.Errf(core.CodeProviderError, "provider request failed")
	}
	he := core.Errf(core.CodeProviderError, "%s", body.Message)
	if body.StatusCode != 0 {
		he = he.WithContext("status_code", body.StatusCode)
	}
	return he
}

func (c *ChevalInvoker) backoff(ctx context.Context, attempt int, retry RetryPolicy) error {
	delay := time.Duration(retry.BackoffMs*int64(attempt-1)) * time.Millisecond
	if retry.JitterMs > 0 {
		delay += time.Duration(c.rng.Int63n(retry.JitterMs)) * time.Millisecond
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *ChevalInvoker) runSubprocess(ctx context.Context, stdin []byte) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, c.binaryPath)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	if stderr.Len() > 0 {
		c.logger.Printf("WARN adapter stderr: %s", stderr.String())
	}
	return stdout.Bytes(), exitCode, err
}

// SetRunner injects the subprocess runner for tests.
func (c *ChevalInvoker) SetRunner(run func(ctx context.Context, stdin []byte) ([]byte, int, error)) {
	c.runCmd = run
}
