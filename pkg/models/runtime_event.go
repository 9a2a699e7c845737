package models

// RuntimeEventType defines the types of runtime events.
type RuntimeEventType string

const (
	// EventIterationStart indicates a new provider round trip within a turn.
	EventIterationStart RuntimeEventType = "iteration_start"

	// EventIterationEnd indicates a provider round trip has ended.
	EventIterationEnd RuntimeEventType = "iteration_end"

	// EventRetrying indicates a retryable provider failure is being retried.
	EventRetrying RuntimeEventType = "retrying"

	// EventToolStarted indicates a tool has started executing.
	EventToolStarted RuntimeEventType = "tool_started"

	// EventToolCompleted indicates a tool has completed successfully.
	EventToolCompleted RuntimeEventType = "tool_completed"

	// EventToolFailed indicates a tool has failed.
	EventToolFailed RuntimeEventType = "tool_failed"

	// EventToolTimeout indicates a tool execution timed out.
	EventToolTimeout RuntimeEventType = "tool_timeout"
)

// RuntimeEvent represents a lifecycle event during a generation turn.
type RuntimeEvent struct {
	// Type identifies the kind of event.
	Type RuntimeEventType `json:"type"`

	// Message is a human-readable description of the event.
	Message string `json:"message,omitempty"`

	// ToolName is the name of the tool (for tool events).
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallID is the ID of the tool call (for tool events).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Iteration is the current provider round trip (0-indexed).
	Iteration int `json:"iteration,omitempty"`

	// Meta contains additional event-specific metadata.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewRuntimeEvent creates an event of the given type.
func NewRuntimeEvent(eventType RuntimeEventType) *RuntimeEvent {
	return &RuntimeEvent{Type: eventType}
}

// NewToolEvent creates a new tool lifecycle event.
func NewToolEvent(eventType RuntimeEventType, toolName, toolCallID string) *RuntimeEvent {
	return &RuntimeEvent{
		Type:       eventType,
		ToolName:   toolName,
		ToolCallID: toolCallID,
	}
}

// ToolEventFor maps a finished tool result to its lifecycle event type.
func ToolEventFor(result ToolResult) RuntimeEventType {
	if result.Success {
		return EventToolCompleted
	}
	if result.Failure != nil && result.Failure.Kind == ToolFailureTimeout {
		return EventToolTimeout
	}
	return EventToolFailed
}

// WithMessage adds a message to the event.
func (e *RuntimeEvent) WithMessage(msg string) *RuntimeEvent {
	e.Message = msg
	return e
}

// WithIteration adds the iteration number to the event.
func (e *RuntimeEvent) WithIteration(iter int) *RuntimeEvent {
	e.Iteration = iter
	return e
}

// WithMeta adds metadata to the event.
func (e *RuntimeEvent) WithMeta(key string, value any) *RuntimeEvent {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}
