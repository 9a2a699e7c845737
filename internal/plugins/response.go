package plugins

import (
	"bytes"
	"encoding/json"

	"github.com/haasonsaas/conduit/pkg/models"
	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// resultFromResponse converts a validated plugin response. A payload that is
// a bare JSON string becomes text content.
func resultFromResponse(callID string, resp *pluginsdk.ExecResponse) models.ToolResult {
	if resp.Status != pluginsdk.StatusOK {
		msg := resp.Message
		if msg == "" {
			msg = "tool reported an error"
		}
		return models.FailedResult(callID, failureKind(resp.Kind), msg)
	}

	payload := bytes.TrimSpace(resp.Payload)
	if len(payload) == 0 {
		return models.TextResult(callID, "")
	}
	if payload[0] == '"' {
		var text string
		if err := json.Unmarshal(payload, &text); err == nil {
			return models.TextResult(callID, text)
		}
	}
	return models.SuccessResult(callID, json.RawMessage(payload))
}

func failureKind(kind string) models.ToolFailureKind {
	switch k := models.ToolFailureKind(kind); k {
	case models.ToolFailureInvalidArguments, models.ToolFailureTimeout, models.ToolFailureUnknownTool:
		return k
	default:
		return models.ToolFailureExecution
	}
}
