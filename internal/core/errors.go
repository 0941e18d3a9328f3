// Package core holds the shared domain types and the typed error model used
// across the gateway. Component boundaries fail fast with a HounfourError
// carrying a stable code and a structured context; HTTP mapping is a
// presentation concern handled by the api package.
package core

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable error code.
type ErrorCode string

const (
	// Auth
	CodeAuthMissing       ErrorCode = "AUTH_MISSING"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeAuthExpired       ErrorCode = "AUTH_EXPIRED"
	CodeJTIReplayDetected ErrorCode = "JTI_REPLAY_DETECTED"

	// Authorization
	CodeUnknownPool      ErrorCode = "UNKNOWN_POOL"
	CodePoolAccessDenied ErrorCode = "POOL_ACCESS_DENIED"
	CodeTierUnauthorized ErrorCode = "TIER_UNAUTHORIZED"

	// Budget
	CodeBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	CodeBudgetOverflow      ErrorCode = "BUDGET_OVERFLOW"
	CodeMeteringUnavailable ErrorCode = "METERING_UNAVAILABLE"
	CodeBudgetCircuitOpen   ErrorCode = "BUDGET_CIRCUIT_OPEN"

	// Rate
	CodeRateLimited  ErrorCode = "RATE_LIMITED"
	CodeQueueTimeout ErrorCode = "QUEUE_TIMEOUT"

	// Provider
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeNetworkError     ErrorCode = "NETWORK_ERROR"
	CodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	CodeBindingInvalid   ErrorCode = "BINDING_INVALID"
	CodeHMACInvalid      ErrorCode = "HMAC_INVALID"
	CodeSchemaInvalid    ErrorCode = "SCHEMA_INVALID"
	CodeInternal         ErrorCode = "INTERNAL"

	// Payment
	CodePaymentInvalidSignature ErrorCode = "PAYMENT_INVALID_SIGNATURE"
	CodePaymentInsufficient     ErrorCode = "PAYMENT_INSUFFICIENT"
	CodePaymentExpired          ErrorCode = "PAYMENT_EXPIRED"
	CodePaymentWrongRecipient   ErrorCode = "PAYMENT_WRONG_RECIPIENT"
	CodeSettlementFailed        ErrorCode = "SETTLEMENT_FAILED"
	CodeQuoteNotFound           ErrorCode = "QUOTE_NOT_FOUND"
	CodeQuoteExpired            ErrorCode = "QUOTE_EXPIRED"
	CodeCapExceeded             ErrorCode = "CAP_EXCEEDED"

	// Tool loop
	CodeToolCallMaxIterations        ErrorCode = "TOOL_CALL_MAX_ITERATIONS"
	CodeToolCallConsecutiveFailures  ErrorCode = "TOOL_CALL_CONSECUTIVE_FAILURES"
	CodeToolCallWallTimeExceeded     ErrorCode = "TOOL_CALL_WALL_TIME_EXCEEDED"
	CodeToolCallValidationFailed     ErrorCode = "TOOL_CALL_VALIDATION_FAILED"

	// Consistency
	CodeFencingStale   ErrorCode = "FENCING_STALE"
	CodeFencingCorrupt ErrorCode = "FENCING_CORRUPT"
)

// HounfourError is the typed error crossing component boundaries.
type HounfourError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *HounfourError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HounfourError) Unwrap() error { return e.Cause }

// Errf builds a HounfourError with a formatted message.
func Errf(code ErrorCode, format string, args ...interface{}) *HounfourError {
	return &HounfourError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a HounfourError around a cause.
func Wrap(code ErrorCode, cause error, format string, args ...interface{}) *HounfourError {
	return &HounfourError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithContext attaches structured context and returns the same error.
func (e *HounfourError) WithContext(key string, value interface{}) *HounfourError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the stable code from any error, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var he *HounfourError
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to its HTTP status. 401 auth, 402 budget/payment,
// 403 pool/tier, 422 model unavailable, 429 rate limit, 503 metering outage.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeAuthMissing, CodeAuthInvalid, CodeAuthExpired, CodeJTIReplayDetected:
		return 401
	case CodeBudgetExceeded, CodeBudgetOverflow, CodePaymentInvalidSignature,
		CodePaymentInsufficient, CodePaymentExpired, CodePaymentWrongRecipient,
		CodeQuoteExpired, CodeQuoteNotFound:
		return 402
	case CodeUnknownPool, CodePoolAccessDenied, CodeTierUnauthorized:
		return 403
	case CodeRateLimited, CodeQueueTimeout:
		return 429
	case CodeSchemaInvalid:
		return 400
	case CodeModelUnavailable, CodeBindingInvalid:
		return 422
	case CodeMeteringUnavailable, CodeBudgetCircuitOpen, CodeSettlementFailed:
		return 503
	default:
		return 500
	}
}
