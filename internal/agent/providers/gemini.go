package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/toolconv"
	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAdapter implements agent.ProviderAdapter for the Gemini
// generateContent REST API.
//
// Bodies are built from genai's Content, Tool and GenerationConfig types,
// which carry the REST field names. Streaming uses
// streamGenerateContent?alt=sse; every event is a complete
// GenerateContentResponse. Function calls arrive whole rather than in
// fragments, so each one becomes a single tool call delta with an index
// assigned in arrival order.
//
// The stream has no end marker. The final event carries finishReason and
// usage, and the finish delta is emitted when the body closes.
//
// Thread Safety:
// GeminiAdapter is stateless and safe for concurrent use.
type GeminiAdapter struct{}

var _ agent.ProviderAdapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates the Gemini adapter.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{}
}

// Kind returns agent.ProviderGemini.
func (a *GeminiAdapter) Kind() agent.ProviderKind {
	return agent.ProviderGemini
}

// Capabilities returns the features of generateContent.
func (a *GeminiAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Tools:             true,
		ParallelToolCalls: true,
		Seed:              true,
		JSONMode:          true,
		TopP:              true,
		Images:            true,
		MaxStopSequences:  5,
	}
}

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// TranslateRequest builds the generateContent body.
func (a *GeminiAdapter) TranslateRequest(req *agent.ProviderRequest) (any, error) {
	return a.translate(req)
}

func (a *GeminiAdapter) translate(req *agent.ProviderRequest) (*geminiRequest, error) {
	provider := string(agent.ProviderGemini)
	if req == nil {
		return nil, agent.NewError(agent.KindInvalidRequest, "request is nil")
	}
	if err := a.Capabilities().Check(provider, req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, agent.NewError(agent.KindInvalidRequest, "model is required").WithProvider(provider, "")
	}

	contents, err := buildGeminiContents(req.Messages)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}
	tools, err := toolconv.ToGeminiTools(req.Tools)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}

	out := &geminiRequest{Contents: contents, Tools: tools}
	if system := strings.TrimSpace(req.System); system != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(tools) > 0 {
		out.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}

	gc := &genai.GenerationConfig{StopSequences: req.Params.StopSequences}
	if req.Params.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.Params.MaxTokens)
	}
	if req.Params.Temperature != nil {
		t := float32(*req.Params.Temperature)
		gc.Temperature = &t
	}
	if req.Params.TopP != nil {
		p := float32(*req.Params.TopP)
		gc.TopP = &p
	}
	if req.Params.Seed != nil {
		s := int32(*req.Params.Seed)
		gc.Seed = &s
	}
	if req.Params.JSONMode {
		gc.ResponseMIMEType = "application/json"
	}
	out.GenerationConfig = gc
	return out, nil
}

// Open posts to models/{model}:streamGenerateContent or :generateContent.
func (a *GeminiAdapter) Open(ctx context.Context, cfg agent.ProviderConfig, req *agent.ProviderRequest) (agent.FrameSource, error) {
	body, err := a.translate(req)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultGeminiBaseURL
	}
	model := url.PathEscape(strings.TrimPrefix(req.Model, "models/"))
	endpoint := base + "/models/" + model + ":generateContent"
	if req.Stream {
		endpoint = base + "/models/" + model + ":streamGenerateContent?alt=sse"
	}

	header := http.Header{}
	if cfg.Credentials.APIKey != "" {
		header.Set("x-goog-api-key", cfg.Credentials.APIKey)
	}
	return openHTTP(ctx, cfg, wireRequest{URL: endpoint, Header: header, Body: body})
}

// ParseChunk converts one GenerateContentResponse into deltas.
func (a *GeminiAdapter) ParseChunk(st *agent.ChunkState, frame agent.Frame) ([]agent.StreamDelta, error) {
	if e, ok := streamError(string(agent.ProviderGemini), frame.Data); ok {
		return []agent.StreamDelta{agent.ErrorDelta(e)}, nil
	}

	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var out []agent.StreamDelta
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.Text != "" {
					out = append(out, agent.TextDelta(part.Text))
				}
				if fc := part.FunctionCall; fc != nil {
					args, err := json.Marshal(fc.Args)
					if err != nil {
						return nil, fmt.Errorf("encode function args: %w", err)
					}
					if fc.Args == nil {
						args = []byte("{}")
					}
					out = append(out, agent.ToolCallFragment(st.IndexFor(""), fc.ID, fc.Name, string(args)))
				}
			}
		}
		if cand.FinishReason != "" {
			reason := string(cand.FinishReason)
			// Gemini reports STOP after function calls.
			if st.Calls() > 0 && agent.NormalizeFinishReason(reason) == agent.FinishStop {
				reason = agent.FinishToolCalls
			}
			st.SetFinish(reason)
		}
	} else if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		st.SetFinish(agent.FinishContentFilter)
	}

	if u := resp.UsageMetadata; u != nil {
		out = append(out, agent.UsageDelta(int(u.PromptTokenCount), int(u.CandidatesTokenCount)))
	}

	if frame.Event == FrameJSON {
		reason, ok := st.TakeFinish()
		if !ok {
			reason = agent.FinishStop
		}
		out = append(out, agent.FinishDelta(reason))
	}
	return out, nil
}

// MapError classifies transport and HTTP failures.
func (a *GeminiAdapter) MapError(err error) *agent.Error {
	return mapHTTPError(string(agent.ProviderGemini), err)
}

func buildGeminiContents(msgs []models.Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(msgs))
	add := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant:
			var parts []*genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &args); err != nil {
						return nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			add(genai.RoleModel, parts)
		case models.RoleTool:
			if msg.ToolResult == nil {
				return nil, fmt.Errorf("tool message without result")
			}
			add(genai.RoleUser, []*genai.Part{{FunctionResponse: geminiFunctionResponse(*msg.ToolResult)}})
		default:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, p := range msg.Parts {
				switch p.Type {
				case models.PartImageURL:
					parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: p.URL, MIMEType: imageMimeType(p)}})
				case models.PartJSON:
					parts = append(parts, &genai.Part{Text: string(p.JSON)})
				default:
					if p.Text != "" {
						parts = append(parts, &genai.Part{Text: p.Text})
					}
				}
			}
			add(genai.RoleUser, parts)
		}
	}
	return out, nil
}

// geminiFunctionResponse wraps a tool result in the {"output": ...} or
// {"error": ...} object Gemini expects.
func geminiFunctionResponse(res models.ToolResult) *genai.FunctionResponse {
	body := map[string]any{}
	switch {
	case res.IsError():
		body["error"] = res.Text()
	case len(res.Payload) > 0:
		var v any
		if err := json.Unmarshal(res.Payload, &v); err == nil {
			body["output"] = v
		} else {
			body["output"] = string(res.Payload)
		}
	default:
		body["output"] = res.Content
	}
	return &genai.FunctionResponse{ID: res.ToolCallID, Name: res.ToolName, Response: body}
}

func imageMimeType(p models.Part) string {
	if p.MimeType != "" {
		return p.MimeType
	}
	if u, err := url.Parse(p.URL); err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
			return t
		}
	}
	return "image/jpeg"
}
