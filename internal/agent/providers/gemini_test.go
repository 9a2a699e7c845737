package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

func TestGeminiTranslate(t *testing.T) {
	req := &agent.ProviderRequest{
		Model:  "gemini-test",
		System: "be brief",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "add", Parts: []models.Part{{Type: models.PartImageURL, URL: "gs://bucket/cat.png"}}},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "calculator", Input: json.RawMessage(`{"a":2,"b":2}`)}}},
			models.NewToolMessage(models.ToolResult{ToolCallID: "c1", ToolName: "calculator", Success: true, Payload: json.RawMessage(`{"sum":4}`)}),
		},
		Params: agent.GenerationParams{JSONMode: true, Seed: ptr(3), MaxTokens: 64},
		Tools:  []agent.ToolSpec{{Name: "calculator", Schema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`)}},
	}

	got, err := NewGeminiAdapter().TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest() error = %v", err)
	}
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	checks := map[string]string{
		"systemInstruction.parts.0.text":                          "be brief",
		"contents.0.role":                                         "user",
		"contents.0.parts.1.fileData.mimeType":                    "image/png",
		"contents.1.role":                                         "model",
		"contents.1.parts.0.functionCall.name":                    "calculator",
		"contents.2.parts.0.functionResponse.name":                "calculator",
		"contents.2.parts.0.functionResponse.response.output.sum": "4",
		"generationConfig.responseMimeType":                       "application/json",
		"generationConfig.seed":                                   "3",
		"generationConfig.maxOutputTokens":                        "64",
		"tools.0.functionDeclarations.0.name":                     "calculator",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(data, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestGeminiOpen_StreamEndpoint(t *testing.T) {
	type seen struct{ path, query, key string }
	ch := make(chan seen, 1)
	srv := streamServer(t, "text/event-stream", sse(
		`data: {"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"MAX_TOKENS"}]}`,
	), func(r *http.Request, _ []byte) {
		ch <- seen{r.URL.Path, r.URL.RawQuery, r.Header.Get("x-goog-api-key")}
	})
	cfg := agent.ProviderConfig{Kind: agent.ProviderGemini, BaseURL: srv.URL, Credentials: agent.Credentials{APIKey: "g-key"}}

	s := summarize(t, collect(t, NewGeminiAdapter(), cfg, userRequest("models/gemini-test", "hi")))
	got := <-ch
	if got.path != "/models/gemini-test:streamGenerateContent" || got.query != "alt=sse" || got.key != "g-key" {
		t.Errorf("request = %+v", got)
	}
	if s.finish != agent.FinishLength {
		t.Errorf("finish = %q, want %q", s.finish, agent.FinishLength)
	}
}

func TestGemini_ParallelCallsAcrossChunks(t *testing.T) {
	srv := streamServer(t, "text/event-stream", sse(
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"a"}}}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"b"}}}]},"finishReason":"STOP"}]}`,
	), nil)
	cfg := agent.ProviderConfig{Kind: agent.ProviderGemini, BaseURL: srv.URL}

	s := summarize(t, collect(t, NewGeminiAdapter(), cfg, userRequest("gemini-test", "both")))
	if s.finish != agent.FinishToolCalls {
		t.Errorf("finish = %q", s.finish)
	}
	calls := s.calls.Finish()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	for i, want := range []string{`{"q":"a"}`, `{"q":"b"}`} {
		if string(calls[i].Call.Input) != want {
			t.Errorf("call %d input = %s, want %s", i, calls[i].Call.Input, want)
		}
		if calls[i].Call.ID == "" {
			t.Errorf("call %d has no id", i)
		}
	}
}

func TestGemini_SafetyFinish(t *testing.T) {
	srv := streamServer(t, "text/event-stream", sse(
		`data: {"candidates":[{"content":{"parts":[{"text":"par"}]},"finishReason":"SAFETY"}]}`,
	), nil)
	cfg := agent.ProviderConfig{Kind: agent.ProviderGemini, BaseURL: srv.URL}

	s := summarize(t, collect(t, NewGeminiAdapter(), cfg, userRequest("gemini-test", "x")))
	if s.finish != agent.FinishContentFilter {
		t.Errorf("finish = %q, want %q", s.finish, agent.FinishContentFilter)
	}
}

func TestGemini_NonStreaming(t *testing.T) {
	srv := streamServer(t, "application/json",
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"4"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1}}`,
		nil)
	cfg := agent.ProviderConfig{Kind: agent.ProviderGemini, BaseURL: srv.URL}
	req := userRequest("gemini-test", "2+2?")
	req.Stream = false

	s := summarize(t, collect(t, NewGeminiAdapter(), cfg, req))
	if s.text != "4" || s.finish != agent.FinishStop || s.usage.PromptTokens != 2 {
		t.Errorf("summary = %+v", s)
	}
}
