package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/toolconv"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultAzureAPIVersion   = "2024-10-21"
)

// OpenAIAdapter implements agent.ProviderAdapter for the Chat Completions
// protocol. The same wire format is served by OpenAI, Azure OpenAI and
// OpenRouter; only the endpoint layout and auth header differ.
//
// Streaming responses are server-sent events whose data fields hold
// ChatCompletionStreamResponse documents and end with "data: [DONE]". Tool
// call arguments arrive as string fragments keyed by the choice's tool index.
//
// Thread Safety:
// OpenAIAdapter is stateless and safe for concurrent use.
type OpenAIAdapter struct {
	kind           agent.ProviderKind
	defaultBaseURL string
}

var _ agent.ProviderAdapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates the adapter for api.openai.com.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{kind: agent.ProviderOpenAI, defaultBaseURL: defaultOpenAIBaseURL}
}

// NewAzureOpenAIAdapter creates the adapter for Azure OpenAI deployments.
// ProviderConfig.BaseURL must point at the resource endpoint and Model names
// the deployment.
func NewAzureOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{kind: agent.ProviderAzureOpenAI}
}

// NewOpenRouterAdapter creates the adapter for OpenRouter.
func NewOpenRouterAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{kind: agent.ProviderOpenRouter, defaultBaseURL: defaultOpenRouterBaseURL}
}

// Kind returns the provider kind.
func (a *OpenAIAdapter) Kind() agent.ProviderKind {
	return a.kind
}

// Capabilities returns the features of the Chat Completions API.
func (a *OpenAIAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Tools:             true,
		ParallelToolCalls: true,
		Seed:              true,
		JSONMode:          true,
		TopP:              true,
		Images:            true,
		MaxStopSequences:  4,
	}
}

// TranslateRequest builds an openai.ChatCompletionRequest.
func (a *OpenAIAdapter) TranslateRequest(req *agent.ProviderRequest) (any, error) {
	return a.translate(req)
}

func (a *OpenAIAdapter) translate(req *agent.ProviderRequest) (*openai.ChatCompletionRequest, error) {
	if req == nil {
		return nil, agent.NewError(agent.KindInvalidRequest, "request is nil")
	}
	if err := a.Capabilities().Check(string(a.kind), req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, agent.NewError(agent.KindInvalidRequest, "model is required").WithProvider(string(a.kind), "")
	}

	tools, err := toolconv.ToOpenAITools(req.Tools)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(string(a.kind), req.Model)
	}

	out := &openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildOpenAIMessages(req),
		Tools:    tools,
		Stop:     req.Params.StopSequences,
		Seed:     req.Params.Seed,
		Stream:   req.Stream,
	}
	if req.Params.MaxTokens > 0 {
		out.MaxTokens = req.Params.MaxTokens
	}
	if req.Params.Temperature != nil {
		out.Temperature = float32(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		out.TopP = float32(*req.Params.TopP)
	}
	if req.Params.JSONMode {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	if req.Params.ParallelToolCalls != nil && len(tools) > 0 {
		out.ParallelToolCalls = *req.Params.ParallelToolCalls
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

// Open sends the request and returns the response transport.
func (a *OpenAIAdapter) Open(ctx context.Context, cfg agent.ProviderConfig, req *agent.ProviderRequest) (agent.FrameSource, error) {
	body, err := a.translate(req)
	if err != nil {
		return nil, err
	}

	endpoint, header, err := a.endpoint(cfg, req.Model)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		header.Set("Accept", "text/event-stream")
	}
	return openHTTP(ctx, cfg, wireRequest{URL: endpoint, Header: header, Body: body})
}

func (a *OpenAIAdapter) endpoint(cfg agent.ProviderConfig, model string) (string, http.Header, error) {
	header := http.Header{}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	switch a.kind {
	case agent.ProviderAzureOpenAI:
		if base == "" {
			return "", nil, agent.NewError(agent.KindInvalidRequest, "azure-openai requires base_url").WithProvider(cfg.Name(), model)
		}
		version := cfg.APIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		if cfg.Credentials.APIKey != "" {
			header.Set("api-key", cfg.Credentials.APIKey)
		}
		endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, url.PathEscape(model), url.QueryEscape(version))
		return endpoint, header, nil
	default:
		if base == "" {
			base = a.defaultBaseURL
		}
		if cfg.Credentials.APIKey != "" {
			header.Set("Authorization", "Bearer "+cfg.Credentials.APIKey)
		}
		return base + "/chat/completions", header, nil
	}
}

// ParseChunk converts one SSE event or a whole JSON response into deltas.
func (a *OpenAIAdapter) ParseChunk(st *agent.ChunkState, frame agent.Frame) ([]agent.StreamDelta, error) {
	if isDone(frame) {
		reason, ok := st.TakeFinish()
		if !ok {
			reason = agent.FinishIncomplete
		}
		return []agent.StreamDelta{agent.FinishDelta(reason)}, nil
	}
	if e, ok := streamError(string(a.kind), frame.Data); ok {
		return []agent.StreamDelta{agent.ErrorDelta(e)}, nil
	}
	if frame.Event == FrameJSON {
		return a.parseResponse(frame.Data)
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(frame.Data, &chunk); err != nil {
		return nil, fmt.Errorf("decode stream chunk: %w", err)
	}

	var out []agent.StreamDelta
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			out = append(out, agent.TextDelta(choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			var idx int
			switch {
			case tc.Index != nil:
				idx = *tc.Index
				st.Reserve(idx)
			case tc.ID != "":
				idx = st.IndexFor(tc.ID)
			default:
				idx = st.Current()
			}
			out = append(out, agent.ToolCallFragment(idx, tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
		if choice.FinishReason != "" {
			st.SetFinish(string(choice.FinishReason))
		}
	}
	if chunk.Usage != nil {
		out = append(out, agent.UsageDelta(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens))
	}
	return out, nil
}

func (a *OpenAIAdapter) parseResponse(data []byte) ([]agent.StreamDelta, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := resp.Choices[0]
	var out []agent.StreamDelta
	if choice.Message.Content != "" {
		out = append(out, agent.TextDelta(choice.Message.Content))
	}
	for i, tc := range choice.Message.ToolCalls {
		out = append(out, agent.ToolCallFragment(i, tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	out = append(out,
		agent.UsageDelta(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		agent.FinishDelta(agent.NormalizeFinishReason(string(choice.FinishReason))),
	)
	return out, nil
}

// MapError classifies transport and HTTP failures.
func (a *OpenAIAdapter) MapError(err error) *agent.Error {
	return mapHTTPError(string(a.kind), err)
}

func buildOpenAIMessages(req *agent.ProviderRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, out)
		case models.RoleTool:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: msg.Content}
			if msg.ToolResult != nil {
				out.ToolCallID = msg.ToolResult.ToolCallID
				out.Content = msg.ToolResult.Text()
			}
			messages = append(messages, out)
		case models.RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text()})
		default:
			messages = append(messages, openAIUserMessage(msg))
		}
	}
	return messages
}

func openAIUserMessage(msg models.Message) openai.ChatCompletionMessage {
	hasImage := false
	for _, p := range msg.Parts {
		if p.Type == models.PartImageURL {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: partsText(msg)}
	}

	parts := make([]openai.ChatMessagePart, 0, len(msg.Parts)+1)
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartImageURL:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.URL},
			})
		case models.PartJSON:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: string(p.JSON)})
		default:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// partsText flattens a message body, inlining JSON parts as text.
func partsText(msg models.Message) string {
	if msg.Content != "" || len(msg.Parts) == 0 {
		return msg.Content
	}
	var b strings.Builder
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			b.WriteString(p.Text)
		case models.PartJSON:
			b.Write(p.JSON)
		}
	}
	return b.String()
}
