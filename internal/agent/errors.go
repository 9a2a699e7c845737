package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common sentinel errors for runtime operations
var (
	// ErrMaxIterations indicates a turn exceeded its tool recursion limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no provider configuration was supplied
	ErrNoProvider = errors.New("no provider configured")

	// ErrUnknownProvider indicates the provider kind has no registered adapter
	ErrUnknownProvider = errors.New("unknown provider kind")

	// ErrSessionActive indicates a turn is already running for the conversation
	ErrSessionActive = errors.New("conversation already has an active turn")

	// ErrEmptyConversation indicates a dispatch was attempted with no messages
	ErrEmptyConversation = errors.New("conversation is empty")
)

// ErrorKind classifies every failure the runtime can surface. Provider
// adapters map their native failures onto these kinds so that nothing
// downstream special-cases a backend.
type ErrorKind string

const (
	// KindTransport covers connection failures, resets and read timeouts.
	KindTransport ErrorKind = "transport_error"

	// KindRateLimited indicates the provider throttled the request (HTTP 429).
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuth indicates rejected or missing credentials (HTTP 401, 403).
	KindAuth ErrorKind = "auth_error"

	// KindUnsupportedCapability indicates the request uses a feature the
	// provider cannot serve. Raised before any network call.
	KindUnsupportedCapability ErrorKind = "unsupported_capability"

	// KindMalformedChunk indicates a stream frame that could not be parsed.
	KindMalformedChunk ErrorKind = "malformed_chunk"

	// KindInvalidRequest indicates the provider rejected the request (HTTP 400, 404).
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindProviderUnavailable indicates a server-side failure (HTTP 5xx, overload).
	KindProviderUnavailable ErrorKind = "provider_error"

	// KindUnknownTool indicates a tool call named a tool that is not registered.
	KindUnknownTool ErrorKind = "unknown_tool"

	// KindInvalidArguments indicates tool arguments failed parsing or validation.
	KindInvalidArguments ErrorKind = "invalid_arguments"

	// KindToolExecutionFailed indicates the tool itself failed.
	KindToolExecutionFailed ErrorKind = "tool_execution_failed"

	// KindToolTimeout indicates the tool did not finish within its timeout.
	KindToolTimeout ErrorKind = "tool_timeout"

	// KindTooManyIterations indicates the tool recursion limit was reached.
	KindTooManyIterations ErrorKind = "too_many_iterations"

	// KindCancelled indicates the caller cancelled the turn.
	KindCancelled ErrorKind = "cancelled"

	// KindUnknown indicates an unclassified failure.
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable returns true if retrying the same request may succeed.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindTransport, KindRateLimited, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// Error is the structured error carried through the runtime and surfaced to
// callers in terminal error deltas.
type Error struct {
	// Kind classifies the error.
	Kind ErrorKind

	// Provider is the provider id or kind that produced the error.
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for debugging.
	RequestID string

	// RetryAfter is the provider's back-off hint, zero when absent.
	RetryAfter time.Duration

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error kind permits a retry.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind.IsRetryable()
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError creates an Error that classifies cause automatically.
func WrapError(provider, model string, cause error) *Error {
	err := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyError(cause)
	}
	return err
}

// WithStatus adds HTTP status to the error and reclassifies it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if kind := ClassifyStatus(status); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if kind := ClassifyCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithRetryAfter records the provider's back-off hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithProvider sets the provider and model when they are not already known.
func (e *Error) WithProvider(provider, model string) *Error {
	if e.Provider == "" {
		e.Provider = provider
	}
	if e.Model == "" {
		e.Model = model
	}
	return e
}

// UnsupportedCapability builds the error returned when a request uses a
// feature the provider does not offer.
func UnsupportedCapability(provider, feature string) *Error {
	return &Error{
		Kind:     KindUnsupportedCapability,
		Provider: provider,
		Message:  fmt.Sprintf("%s does not support %s", provider, feature),
	}
}

// MalformedChunk builds the error reported for an unparseable frame.
func MalformedChunk(provider string, cause error) *Error {
	return &Error{
		Kind:     KindMalformedChunk,
		Provider: provider,
		Message:  "malformed chunk: " + cause.Error(),
		Cause:    cause,
	}
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable()
	}
	return ClassifyError(err).IsRetryable()
}

// KindOf returns the kind of err, classifying raw errors on the fly.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ClassifyError(err)
}

// ClassifyError inspects an error and returns the matching ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}

	errStr := strings.ToLower(err.Error())

	// Check for rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl") {
		return KindRateLimited
	}

	// Check for authentication patterns
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "access denied") {
		return KindAuth
	}

	// Check for transport patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "etimedout") {
		return KindTransport
	}

	// Check for server error patterns
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "service unavailable") {
		return KindProviderUnavailable
	}

	return KindUnknown
}

// ClassifyStatus returns an ErrorKind based on HTTP status code.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTransport
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindProviderUnavailable
	default:
		return KindUnknown
	}
}

// ClassifyCode returns an ErrorKind based on provider-specific error codes.
func ClassifyCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception", "resource_exhausted", "servicequotaexceededexception":
		return KindRateLimited
	case "authentication_error", "invalid_api_key", "permission_error", "accessdeniedexception", "unauthenticated", "permission_denied", "unrecognizedclientexception":
		return KindAuth
	case "overloaded_error", "server_error", "internal_error", "api_error", "internalserverexception", "serviceunavailableexception", "modelnotreadyexception", "unavailable", "internal":
		return KindProviderUnavailable
	case "invalid_request_error", "not_found_error", "validationexception", "resourcenotfoundexception", "invalid_argument", "not_found", "model_not_found":
		return KindInvalidRequest
	case "modeltimeoutexception", "deadline_exceeded":
		return KindTransport
	default:
		return KindUnknown
	}
}

// ParseRetryAfter parses a Retry-After header value expressed either as
// delay-seconds or as an HTTP date. It returns zero when absent or invalid.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// RetryAfterFromHeader reads the back-off hint from response headers,
// preferring the millisecond variant some providers send.
func RetryAfterFromHeader(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	if ms := strings.TrimSpace(h.Get("retry-after-ms")); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	return ParseRetryAfter(h.Get("Retry-After"), now)
}

// LoopError wraps an error with the phase and iteration of the turn in which
// it occurred.
type LoopError struct {
	Phase     string
	Iteration int
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	return fmt.Sprintf("%s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}
