package models

import (
	"encoding/json"
	"strings"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// PartType identifies the payload carried by a content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
	PartJSON     PartType = "json"
)

// Part is one element of a multi-part message body.
type Part struct {
	Type     PartType        `json:"type"`
	Text     string          `json:"text,omitempty"`
	URL      string          `json:"url,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
}

// Message is a single entry of a conversation.
//
// Once a message has been handed to the runtime it is treated as immutable;
// follow-up turns are built by appending new messages to a copy of the
// conversation, never by editing existing ones.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	Parts      []Part      `json:"parts,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// Text returns the message text, joining text parts when Content is empty.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p
			out.Parts[i].JSON = cloneRaw(p.JSON)
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			out.ToolCalls[i].Input = cloneRaw(tc.Input)
		}
	}
	if m.ToolResult != nil {
		tr := *m.ToolResult
		tr.Payload = cloneRaw(tr.Payload)
		if tr.Failure != nil {
			f := *tr.Failure
			tr.Failure = &f
		}
		out.ToolResult = &tr
	}
	return out
}

// NewToolMessage wraps a tool result in a tool-role message.
func NewToolMessage(result ToolResult) Message {
	r := result
	return Message{
		Role:       RoleTool,
		Content:    r.Text(),
		ToolResult: &r,
	}
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	// Index is the position of the call within the assistant message that
	// produced it.
	Index int `json:"index"`
}

// ToolFailureKind classifies why a tool invocation did not succeed.
type ToolFailureKind string

const (
	ToolFailureUnknownTool      ToolFailureKind = "unknown_tool"
	ToolFailureInvalidArguments ToolFailureKind = "invalid_arguments"
	ToolFailureExecution        ToolFailureKind = "tool_execution_failed"
	ToolFailureTimeout          ToolFailureKind = "tool_timeout"
	ToolFailureCancelled        ToolFailureKind = "cancelled"
)

// ToolFailure describes a failed tool invocation.
type ToolFailure struct {
	Kind    ToolFailureKind `json:"kind"`
	Message string          `json:"message"`
}

// ToolResult represents the output of a tool execution. Exactly one result is
// produced for every tool call.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Success    bool            `json:"success"`
	Content    string          `json:"content,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Failure    *ToolFailure    `json:"failure,omitempty"`
}

// IsError reports whether the result represents a failure.
func (r ToolResult) IsError() bool {
	return !r.Success
}

// Text renders the result the way it is shown to a model.
func (r ToolResult) Text() string {
	if !r.Success {
		if r.Failure == nil {
			return "error: tool failed"
		}
		return "error (" + string(r.Failure.Kind) + "): " + r.Failure.Message
	}
	if len(r.Payload) > 0 {
		return string(r.Payload)
	}
	return r.Content
}

// SuccessResult builds a successful result with a JSON payload.
func SuccessResult(callID string, payload json.RawMessage) ToolResult {
	return ToolResult{ToolCallID: callID, Success: true, Payload: payload}
}

// TextResult builds a successful result with a plain text body.
func TextResult(callID, content string) ToolResult {
	return ToolResult{ToolCallID: callID, Success: true, Content: content}
}

// FailedResult builds a failed result.
func FailedResult(callID string, kind ToolFailureKind, msg string) ToolResult {
	return ToolResult{
		ToolCallID: callID,
		Failure:    &ToolFailure{Kind: kind, Message: msg},
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
