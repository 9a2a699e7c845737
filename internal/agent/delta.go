package agent

import (
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// DeltaType tags the variant carried by a StreamDelta.
type DeltaType string

const (
	DeltaText     DeltaType = "text"
	DeltaToolCall DeltaType = "tool_call"
	DeltaUsage    DeltaType = "usage"
	DeltaFinish   DeltaType = "finish"
	DeltaError    DeltaType = "error"

	// DeltaMessage carries a message the runtime appended to the conversation.
	DeltaMessage DeltaType = "message"

	// DeltaEvent carries a runtime lifecycle event.
	DeltaEvent DeltaType = "event"
)

// Finish reasons reported on finish deltas.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"

	// FinishIncomplete is synthesized when a stream ends without a terminal
	// signal from the provider.
	FinishIncomplete = "incomplete"
)

// StreamDelta is one element of the canonical incremental event sequence.
// Exactly one of the variant fields is populated, matching Type.
type StreamDelta struct {
	Type DeltaType `json:"type"`

	Text         string               `json:"text,omitempty"`
	ToolCall     *ToolCallDelta       `json:"tool_call,omitempty"`
	Usage        *Usage               `json:"usage,omitempty"`
	FinishReason string               `json:"finish_reason,omitempty"`
	Error        *ErrorInfo           `json:"error,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	Event        *models.RuntimeEvent `json:"event,omitempty"`
}

// ToolCallDelta is a fragment of a tool call. ID and Name are usually only
// present on the first fragment for an index.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// ErrorInfo is the wire form of an Error inside a stream. Message holds the
// bare message; Kind, Provider and Status travel as their own fields.
type ErrorInfo struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Status     int           `json:"status,omitempty"`
	Code       string        `json:"code,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
}

// IsTerminal reports whether the delta ends a stream. Malformed-chunk errors
// are informational; every other error is terminal.
func (d *StreamDelta) IsTerminal() bool {
	switch d.Type {
	case DeltaFinish:
		return true
	case DeltaError:
		return d.Error == nil || d.Error.Kind != KindMalformedChunk
	}
	return false
}

// IsContent reports whether the delta carries model output.
func (d *StreamDelta) IsContent() bool {
	return d.Type == DeltaText || d.Type == DeltaToolCall
}

// Err converts an error delta back into an *Error.
func (d *StreamDelta) Err() *Error {
	if d.Type != DeltaError || d.Error == nil {
		return nil
	}
	return &Error{
		Kind:       d.Error.Kind,
		Message:    d.Error.Message,
		RetryAfter: d.Error.RetryAfter,
		Provider:   d.Error.Provider,
		Model:      d.Error.Model,
		Status:     d.Error.Status,
		Code:       d.Error.Code,
		RequestID:  d.Error.RequestID,
	}
}

// TextDelta creates a text delta.
func TextDelta(text string) StreamDelta {
	return StreamDelta{Type: DeltaText, Text: text}
}

// ToolCallFragment creates a tool call delta.
func ToolCallFragment(index int, id, name, args string) StreamDelta {
	return StreamDelta{Type: DeltaToolCall, ToolCall: &ToolCallDelta{
		Index:     index,
		ID:        id,
		Name:      name,
		Arguments: args,
	}}
}

// UsageDelta creates a usage delta.
func UsageDelta(prompt, completion int) StreamDelta {
	return StreamDelta{Type: DeltaUsage, Usage: &Usage{PromptTokens: prompt, CompletionTokens: completion}}
}

// FinishDelta creates a finish delta.
func FinishDelta(reason string) StreamDelta {
	if reason == "" {
		reason = FinishStop
	}
	return StreamDelta{Type: DeltaFinish, FinishReason: reason}
}

// ErrorDelta converts err into an error delta.
func ErrorDelta(err error) StreamDelta {
	e, ok := AsError(err)
	if !ok {
		e = WrapError("", "", err)
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return StreamDelta{Type: DeltaError, Error: &ErrorInfo{
		Kind:       e.Kind,
		Message:    msg,
		Retryable:  e.Retryable(),
		RetryAfter: e.RetryAfter,
		Provider:   e.Provider,
		Model:      e.Model,
		Status:     e.Status,
		Code:       e.Code,
		RequestID:  e.RequestID,
	}}
}

// MessageDelta wraps an appended message.
func MessageDelta(msg models.Message) StreamDelta {
	m := msg
	return StreamDelta{Type: DeltaMessage, Message: &m}
}

// EventDelta wraps a lifecycle event.
func EventDelta(ev *models.RuntimeEvent) StreamDelta {
	return StreamDelta{Type: DeltaEvent, Event: ev}
}

// NormalizeFinishReason maps provider-specific stop reasons onto the
// canonical set.
func NormalizeFinishReason(reason string) string {
	switch reason {
	case "", "stop", "end_turn", "STOP", "stop_sequence", "FINISH_REASON_UNSPECIFIED":
		return FinishStop
	case "length", "max_tokens", "MAX_TOKENS", "model_context_window_exceeded":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "content_filter", "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "guardrail_intervened", "content_filtered", "refusal":
		return FinishContentFilter
	default:
		return reason
	}
}
