package agent

import "github.com/haasonsaas/conduit/pkg/models"

// repairTranscript makes a history acceptable to providers that pair every
// assistant tool call with exactly one tool result. Results with no pending
// call are dropped. Calls still pending when the next non-tool message
// arrives, or at the end of the history, get a cancelled failure result.
func repairTranscript(history models.Conversation) models.Conversation {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]models.ToolCall)
	pendingOrder := make([]string, 0)
	repaired := make(models.Conversation, 0, len(history))

	flush := func() {
		for _, id := range pendingOrder {
			call, ok := pending[id]
			if !ok {
				continue
			}
			res := models.FailedResult(id, models.ToolFailureCancelled, "tool call was not completed")
			res.ToolName = call.Name
			repaired = append(repaired, models.NewToolMessage(res))
		}
		clear(pending)
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			flush()
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				pending[call.ID] = call
				pendingOrder = append(pendingOrder, call.ID)
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if msg.ToolResult == nil {
				continue
			}
			res := *msg.ToolResult
			if res.ToolCallID == "" && len(pendingOrder) > 0 {
				res.ToolCallID = firstPending(pendingOrder, pending)
			}
			if _, ok := pending[res.ToolCallID]; !ok {
				continue
			}
			delete(pending, res.ToolCallID)
			fixed := msg
			fixed.ToolResult = &res
			repaired = append(repaired, fixed)
		default:
			flush()
			repaired = append(repaired, msg)
		}
	}
	flush()

	return repaired
}

func firstPending(order []string, pending map[string]models.ToolCall) string {
	for _, id := range order {
		if _, ok := pending[id]; ok {
			return id
		}
	}
	return ""
}
