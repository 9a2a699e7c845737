package agent

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/conduit/pkg/models"
)

func TestRepairTranscript(t *testing.T) {
	call := func(id string) models.ToolCall {
		return models.ToolCall{ID: id, Name: "lookup", Input: json.RawMessage(`{}`)}
	}

	history := models.Conversation{
		models.NewToolMessage(models.TextResult("orphan", "dropped")),
		{Role: models.RoleUser, Content: "look up a and b"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("a"), call("b")}},
		models.NewToolMessage(models.TextResult("a", "A")),
		{Role: models.RoleUser, Content: "never mind"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("c")}},
	}

	got := repairTranscript(history)

	want := []struct {
		role   models.Role
		callID string
	}{
		{models.RoleUser, ""},
		{models.RoleAssistant, ""},
		{models.RoleTool, "a"},
		{models.RoleTool, "b"},
		{models.RoleUser, ""},
		{models.RoleAssistant, ""},
		{models.RoleTool, "c"},
	}
	if len(got) != len(want) {
		t.Fatalf("messages = %d, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Role != w.role {
			t.Errorf("message %d role = %s, want %s", i, got[i].Role, w.role)
		}
		if w.callID != "" && got[i].ToolResult.ToolCallID != w.callID {
			t.Errorf("message %d call id = %q, want %q", i, got[i].ToolResult.ToolCallID, w.callID)
		}
	}

	synthesized := got[3].ToolResult
	if synthesized.Success || synthesized.Failure.Kind != models.ToolFailureCancelled || synthesized.ToolName != "lookup" {
		t.Errorf("synthesized result = %+v", synthesized)
	}
}

func TestRepairTranscript_CompleteHistoryUnchanged(t *testing.T) {
	history := models.Conversation{
		{Role: models.RoleUser, Content: "2+2?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "x", Name: "calculator", Input: json.RawMessage(`{"a":2,"b":2}`)}}},
		models.NewToolMessage(models.SuccessResult("x", json.RawMessage(`{"sum":4}`))),
		{Role: models.RoleAssistant, Content: "4"},
	}

	got := repairTranscript(history)
	if len(got) != len(history) {
		t.Fatalf("messages = %d, want %d", len(got), len(history))
	}
	if string(got[2].ToolResult.Payload) != `{"sum":4}` {
		t.Errorf("tool result changed: %+v", got[2].ToolResult)
	}
}

func TestRepairTranscript_FillsMissingResultID(t *testing.T) {
	res := models.TextResult("", "A")
	history := models.Conversation{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "a", Name: "t"}}},
		models.NewToolMessage(res),
	}

	got := repairTranscript(history)
	if len(got) != 2 || got[1].ToolResult.ToolCallID != "a" {
		t.Fatalf("repaired = %+v", got)
	}
	if history[1].ToolResult.ToolCallID != "" {
		t.Error("input history was modified")
	}
}
