package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/toolconv"
	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaAdapter implements agent.ProviderAdapter for Ollama's /api/chat.
//
// Streaming responses are newline-delimited JSON objects. Tool calls are
// delivered whole, with arguments as a JSON object, and the final line sets
// done together with done_reason and token counts.
//
// Thread Safety:
// OllamaAdapter is stateless and safe for concurrent use.
type OllamaAdapter struct{}

var _ agent.ProviderAdapter = (*OllamaAdapter)(nil)

// NewOllamaAdapter creates the Ollama adapter.
func NewOllamaAdapter() *OllamaAdapter {
	return &OllamaAdapter{}
}

// Kind returns agent.ProviderOllama.
func (a *OllamaAdapter) Kind() agent.ProviderKind {
	return agent.ProviderOllama
}

// Capabilities returns the features of /api/chat.
func (a *OllamaAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Tools:             true,
		ParallelToolCalls: true,
		Seed:              true,
		JSONMode:          true,
		TopP:              true,
		Images:            true,
		MaxStopSequences:  16,
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openai.Tool   `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// TranslateRequest builds the /api/chat body.
func (a *OllamaAdapter) TranslateRequest(req *agent.ProviderRequest) (any, error) {
	return a.translate(req)
}

func (a *OllamaAdapter) translate(req *agent.ProviderRequest) (*ollamaRequest, error) {
	provider := string(agent.ProviderOllama)
	if req == nil {
		return nil, agent.NewError(agent.KindInvalidRequest, "request is nil")
	}
	if err := a.Capabilities().Check(provider, req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, agent.NewError(agent.KindInvalidRequest, "model is required").WithProvider(provider, "")
	}

	messages, err := buildOllamaMessages(req)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}
	tools, err := toolconv.ToOpenAITools(req.Tools)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}

	out := &ollamaRequest{Model: req.Model, Messages: messages, Tools: tools, Stream: req.Stream}
	if req.Params.JSONMode {
		out.Format = "json"
	}
	options := map[string]any{}
	if req.Params.Temperature != nil {
		options["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		options["top_p"] = *req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		options["num_predict"] = req.Params.MaxTokens
	}
	if req.Params.Seed != nil {
		options["seed"] = *req.Params.Seed
	}
	if len(req.Params.StopSequences) > 0 {
		options["stop"] = req.Params.StopSequences
	}
	if len(options) > 0 {
		out.Options = options
	}
	return out, nil
}

// Open posts to /api/chat.
func (a *OllamaAdapter) Open(ctx context.Context, cfg agent.ProviderConfig, req *agent.ProviderRequest) (agent.FrameSource, error) {
	body, err := a.translate(req)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOllamaBaseURL
	}
	header := http.Header{}
	if cfg.Credentials.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.Credentials.APIKey)
	}
	return openHTTP(ctx, cfg, wireRequest{URL: base + "/api/chat", Header: header, Body: body})
}

// ParseChunk converts one NDJSON line, or the whole non-streamed body.
func (a *OllamaAdapter) ParseChunk(st *agent.ChunkState, frame agent.Frame) ([]agent.StreamDelta, error) {
	if e, ok := streamError(string(agent.ProviderOllama), frame.Data); ok {
		return []agent.StreamDelta{agent.ErrorDelta(e)}, nil
	}

	var chunk ollamaChunk
	if err := json.Unmarshal(frame.Data, &chunk); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}

	var out []agent.StreamDelta
	if chunk.Message.Content != "" {
		out = append(out, agent.TextDelta(chunk.Message.Content))
	}
	for _, tc := range chunk.Message.ToolCalls {
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if args == "" || args == "null" {
			args = "{}"
		}
		out = append(out, agent.ToolCallFragment(st.IndexFor(""), "", tc.Function.Name, args))
	}

	if chunk.Done {
		reason := chunk.DoneReason
		// Ollama reports "stop" when the model called tools.
		if st.Calls() > 0 && agent.NormalizeFinishReason(reason) == agent.FinishStop {
			reason = agent.FinishToolCalls
		}
		out = append(out,
			agent.UsageDelta(chunk.PromptEvalCount, chunk.EvalCount),
			agent.FinishDelta(agent.NormalizeFinishReason(reason)),
		)
	}
	return out, nil
}

// MapError classifies transport and HTTP failures.
func (a *OllamaAdapter) MapError(err error) *agent.Error {
	return mapHTTPError(string(agent.ProviderOllama), err)
}

func buildOllamaMessages(req *agent.ProviderRequest) ([]ollamaMessage, error) {
	out := make([]ollamaMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := ollamaMessage{Role: "assistant", Content: msg.Text()}
			for _, tc := range msg.ToolCalls {
				var call ollamaToolCall
				call.Function.Name = tc.Name
				call.Function.Arguments = tc.Input
				if len(call.Function.Arguments) == 0 {
					call.Function.Arguments = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, call)
			}
			out = append(out, m)
		case models.RoleTool:
			if msg.ToolResult == nil {
				return nil, fmt.Errorf("tool message without result")
			}
			out = append(out, ollamaMessage{Role: "tool", Content: msg.ToolResult.Text(), ToolName: msg.ToolResult.ToolName})
		case models.RoleSystem:
			out = append(out, ollamaMessage{Role: "system", Content: msg.Text()})
		default:
			m := ollamaMessage{Role: "user", Content: partsText(msg)}
			for _, p := range msg.Parts {
				if p.Type != models.PartImageURL {
					continue
				}
				// Ollama only accepts inline base64 images.
				if !strings.HasPrefix(p.URL, "data:") {
					return nil, fmt.Errorf("ollama images must be data URLs")
				}
				_, payload, ok := strings.Cut(p.URL, ",")
				if !ok {
					return nil, fmt.Errorf("invalid data URL")
				}
				m.Images = append(m.Images, payload)
			}
			out = append(out, m)
		}
	}
	return out, nil
}
