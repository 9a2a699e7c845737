package agent

import (
	"context"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ToolGateway hands out immutable views of the tool registry. A turn takes
// one snapshot when it starts and uses it for every round trip, so registry
// updates never become visible halfway through a turn.
type ToolGateway interface {
	Snapshot() ToolSet
}

// ToolSet is a read-only registry snapshot.
type ToolSet interface {
	// Specs returns declarations for the named tools in the given order.
	// An unregistered name is an error.
	Specs(names []string) ([]ToolSpec, error)

	// Invoke runs call and always returns exactly one result, bounded by the
	// tool's timeout. It never panics and never blocks past ctx.
	Invoke(ctx context.Context, call models.ToolCall) models.ToolResult
}

// Metrics receives runtime measurements. observability.Metrics implements it.
type Metrics interface {
	RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int)
	RecordRetry(provider, kind string)
	RecordError(component, errorType string)
	SessionStarted(provider string)
	SessionEnded(provider string, durationSeconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordLLMRequest(string, string, string, float64, int, int) {}
func (noopMetrics) RecordRetry(string, string)                                {}
func (noopMetrics) RecordError(string, string)                                {}
func (noopMetrics) SessionStarted(string)                                     {}
func (noopMetrics) SessionEnded(string, float64)                              {}

type emptyToolSet struct{}

func (emptyToolSet) Specs(names []string) ([]ToolSpec, error) {
	if len(names) > 0 {
		return nil, NewError(KindUnknownTool, "no tools are registered")
	}
	return nil, nil
}

func (emptyToolSet) Invoke(_ context.Context, call models.ToolCall) models.ToolResult {
	res := models.FailedResult(call.ID, models.ToolFailureUnknownTool, "unknown tool: "+call.Name)
	res.ToolName = call.Name
	return res
}
