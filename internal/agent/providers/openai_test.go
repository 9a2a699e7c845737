package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func TestOpenAITranslate(t *testing.T) {
	a := NewOpenAIAdapter()
	req := &agent.ProviderRequest{
		Model:  "gpt-test",
		System: "be brief",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "add"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "calculator", Input: json.RawMessage(`{"a":2,"b":2}`)}}},
			models.NewToolMessage(models.ToolResult{ToolCallID: "call_1", ToolName: "calculator", Success: true, Payload: json.RawMessage(`{"sum":4}`)}),
		},
		Params: agent.GenerationParams{
			Temperature:       ptr(0.5),
			Seed:              ptr(7),
			MaxTokens:         100,
			JSONMode:          true,
			ParallelToolCalls: ptr(false),
		},
		Tools:  []agent.ToolSpec{{Name: "calculator", Schema: json.RawMessage(`{"type":"object"}`)}},
		Stream: true,
	}

	got, err := a.TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest() error = %v", err)
	}
	out := got.(*openai.ChatCompletionRequest)
	if len(out.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(out.Messages))
	}
	if out.Messages[0].Role != openai.ChatMessageRoleSystem || out.Messages[0].Content != "be brief" {
		t.Errorf("system = %+v", out.Messages[0])
	}
	if tc := out.Messages[2].ToolCalls; len(tc) != 1 || tc[0].Function.Arguments != `{"a":2,"b":2}` {
		t.Errorf("assistant tool calls = %+v", tc)
	}
	if m := out.Messages[3]; m.Role != openai.ChatMessageRoleTool || m.ToolCallID != "call_1" || m.Content != `{"sum":4}` {
		t.Errorf("tool message = %+v", m)
	}
	if out.Temperature != 0.5 || out.MaxTokens != 100 || out.Seed == nil || *out.Seed != 7 {
		t.Errorf("params not carried: %+v", out)
	}
	if out.ResponseFormat == nil || out.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Errorf("response format = %+v", out.ResponseFormat)
	}
	if out.StreamOptions == nil || !out.StreamOptions.IncludeUsage {
		t.Error("stream usage not requested")
	}
	if len(out.Tools) != 1 || out.Tools[0].Function.Name != "calculator" {
		t.Errorf("tools = %+v", out.Tools)
	}
}

func TestOpenAITranslate_TooManyStops(t *testing.T) {
	req := userRequest("gpt-test", "hi")
	req.Params.StopSequences = []string{"a", "b", "c", "d", "e"}
	_, err := NewOpenAIAdapter().TranslateRequest(req)
	if agent.KindOf(err) != agent.KindUnsupportedCapability {
		t.Fatalf("error = %v, want unsupported capability", err)
	}
}

func TestOpenAI_ParallelToolCallsAndTrailingUsage(t *testing.T) {
	body := sse(
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"a","function":{"name":"lookup","arguments":"{\"q\":"}},{"index":1,"id":"b","function":{"name":"lookup","arguments":"{\"q\":\"y\"}"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":7}}`,
		`data: [DONE]`,
	)
	srv := streamServer(t, "text/event-stream", body, nil)
	cfg := agent.ProviderConfig{Kind: agent.ProviderOpenAI, BaseURL: srv.URL}

	deltas := collect(t, NewOpenAIAdapter(), cfg, userRequest("gpt-test", "look up x and y"))
	s := summarize(t, deltas)
	if s.finish != agent.FinishToolCalls {
		t.Errorf("finish = %q", s.finish)
	}
	if s.usage.PromptTokens != 11 || s.usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", s.usage)
	}
	calls := s.calls.Finish()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if string(calls[0].Call.Input) != `{"q":"x"}` || calls[0].Call.ID != "a" {
		t.Errorf("call 0 = %+v", calls[0].Call)
	}
	if string(calls[1].Call.Input) != `{"q":"y"}` || calls[1].Call.ID != "b" {
		t.Errorf("call 1 = %+v", calls[1].Call)
	}
}

func TestOpenAI_NonStreaming(t *testing.T) {
	body := `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`
	streamFlag := make(chan bool, 1)
	srv := streamServer(t, "application/json", body, func(r *http.Request, data []byte) {
		streamFlag <- gjson.GetBytes(data, "stream").Bool()
	})
	cfg := agent.ProviderConfig{Kind: agent.ProviderOpenAI, BaseURL: srv.URL}
	req := userRequest("gpt-test", "2+2?")
	req.Stream = false

	s := summarize(t, collect(t, NewOpenAIAdapter(), cfg, req))
	if <-streamFlag {
		t.Error("stream flag sent for non-streaming request")
	}
	if s.text != "4" || s.finish != agent.FinishStop || s.usage.PromptTokens != 3 {
		t.Errorf("summary = %+v", s)
	}
}

func TestOpenAI_EmbeddedStreamError(t *testing.T) {
	body := sse(
		`data: {"choices":[{"index":0,"delta":{"content":"par"}}]}`,
		`data: {"error":{"message":"The server had an error","type":"server_error"}}`,
	)
	srv := streamServer(t, "text/event-stream", body, nil)
	cfg := agent.ProviderConfig{Kind: agent.ProviderOpenRouter, BaseURL: srv.URL}

	s := summarize(t, collect(t, NewOpenRouterAdapter(), cfg, userRequest("m", "hi")))
	if s.err == nil {
		t.Fatal("expected terminal error delta")
	}
	if s.err.Kind != agent.KindProviderUnavailable || !s.err.Retryable {
		t.Errorf("error = %+v", s.err)
	}
	if s.text != "par" {
		t.Errorf("text before error = %q", s.text)
	}
}

func TestOpenAI_MissingDoneIsIncomplete(t *testing.T) {
	body := sse(`data: {"choices":[{"index":0,"delta":{"content":"cut"}}]}`)
	srv := streamServer(t, "text/event-stream", body, nil)
	cfg := agent.ProviderConfig{Kind: agent.ProviderOpenAI, BaseURL: srv.URL}

	s := summarize(t, collect(t, NewOpenAIAdapter(), cfg, userRequest("m", "hi")))
	if s.finish != agent.FinishIncomplete {
		t.Errorf("finish = %q, want %q", s.finish, agent.FinishIncomplete)
	}
}

func TestAzureOpenAIEndpoint(t *testing.T) {
	var path, query, key string
	done := make(chan struct{})
	srv := streamServer(t, "text/event-stream", sse(
		`data: {"choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	), func(r *http.Request, _ []byte) {
		path, query, key = r.URL.Path, r.URL.Query().Get("api-version"), r.Header.Get("api-key")
		close(done)
	})
	cfg := agent.ProviderConfig{
		Kind:        agent.ProviderAzureOpenAI,
		BaseURL:     srv.URL,
		Credentials: agent.Credentials{APIKey: "az-key"},
	}

	s := summarize(t, collect(t, NewAzureOpenAIAdapter(), cfg, userRequest("my-deploy", "hi")))
	<-done
	if s.text != "ok" {
		t.Errorf("text = %q", s.text)
	}
	if path != "/openai/deployments/my-deploy/chat/completions" {
		t.Errorf("path = %q", path)
	}
	if query != defaultAzureAPIVersion {
		t.Errorf("api-version = %q", query)
	}
	if key != "az-key" {
		t.Errorf("api-key = %q", key)
	}
}

func TestAzureOpenAI_RequiresBaseURL(t *testing.T) {
	_, err := NewAzureOpenAIAdapter().Open(t.Context(), agent.ProviderConfig{Kind: agent.ProviderAzureOpenAI}, userRequest("d", "hi"))
	if agent.KindOf(err) != agent.KindInvalidRequest {
		t.Fatalf("error = %v, want invalid request", err)
	}
}
