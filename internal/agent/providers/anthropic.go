package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/toolconv"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicAdapter implements agent.ProviderAdapter for the Anthropic Messages
// API.
//
// Requests are assembled with the SDK's param types and sent over the shared
// HTTP transport, which keeps connect and read timeouts uniform across
// providers. Streaming responses are named SSE events:
//
//	message_start        input token usage
//	content_block_start  text block or tool_use block (id and name)
//	content_block_delta  text_delta or input_json_delta fragments
//	message_delta        stop_reason and output token usage
//	message_stop         end of stream
//
// Tool call indices are the content block indices, so a text block before a
// tool_use block shifts the tool index. The accumulator reorders by index and
// renumbers densely, which makes the gap harmless.
//
// Thread Safety:
// AnthropicAdapter is stateless and safe for concurrent use.
type AnthropicAdapter struct{}

var _ agent.ProviderAdapter = (*AnthropicAdapter)(nil)

// NewAnthropicAdapter creates the Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

// Kind returns agent.ProviderAnthropic.
func (a *AnthropicAdapter) Kind() agent.ProviderKind {
	return agent.ProviderAnthropic
}

// Capabilities reports that Anthropic has no seed and no JSON response mode.
func (a *AnthropicAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Tools:             true,
		ParallelToolCalls: true,
		TopP:              true,
		Images:            true,
		MaxStopSequences:  8,
	}
}

// TranslateRequest builds anthropic.MessageNewParams.
func (a *AnthropicAdapter) TranslateRequest(req *agent.ProviderRequest) (any, error) {
	return a.translate(req)
}

func (a *AnthropicAdapter) translate(req *agent.ProviderRequest) (*anthropic.MessageNewParams, error) {
	provider := string(agent.ProviderAnthropic)
	if req == nil {
		return nil, agent.NewError(agent.KindInvalidRequest, "request is nil")
	}
	if err := a.Capabilities().Check(provider, req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, agent.NewError(agent.KindInvalidRequest, "model is required").WithProvider(provider, "")
	}

	messages, err := buildAnthropicMessages(req.Messages)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}
	tools, err := toolconv.ToAnthropicTools(req.Tools)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}

	maxTokens := int64(req.Params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := &anthropic.MessageNewParams{
		Model:         anthropic.Model(req.Model),
		MaxTokens:     maxTokens,
		Messages:      messages,
		Tools:         tools,
		StopSequences: req.Params.StopSequences,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Params.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		params.TopP = anthropic.Float(*req.Params.TopP)
	}
	if len(tools) > 0 && req.Params.ParallelToolCalls != nil && !*req.Params.ParallelToolCalls {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
		}
	}
	return params, nil
}

// Open sends the request to /v1/messages.
func (a *AnthropicAdapter) Open(ctx context.Context, cfg agent.ProviderConfig, req *agent.ProviderRequest) (agent.FrameSource, error) {
	params, err := a.translate(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, "marshal request: "+err.Error())
	}
	if req.Stream {
		// MessageNewParams has no stream field; the SDK sets it per call.
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, agent.NewError(agent.KindInvalidRequest, "marshal request: "+err.Error())
		}
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	header := http.Header{}
	header.Set("anthropic-version", version)
	if cfg.Credentials.APIKey != "" {
		header.Set("x-api-key", cfg.Credentials.APIKey)
	}
	if req.Stream {
		header.Set("Accept", "text/event-stream")
	}
	return openHTTP(ctx, cfg, wireRequest{URL: base + "/messages", Header: header, Body: body})
}

// ParseChunk converts one SSE event or a whole Message body into deltas.
func (a *AnthropicAdapter) ParseChunk(st *agent.ChunkState, frame agent.Frame) ([]agent.StreamDelta, error) {
	if gjson.GetBytes(frame.Data, "type").String() == "error" {
		return []agent.StreamDelta{agent.ErrorDelta(anthropicStreamError(frame.Data))}, nil
	}
	if frame.Event == FrameJSON {
		return parseAnthropicMessage(frame.Data)
	}

	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		u := ev.Message.Usage
		return []agent.StreamDelta{agent.UsageDelta(int(u.InputTokens), int(u.OutputTokens))}, nil
	case "content_block_start":
		if ev.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		idx := int(ev.Index)
		st.Reserve(idx)
		return []agent.StreamDelta{agent.ToolCallFragment(idx, ev.ContentBlock.ID, ev.ContentBlock.Name, "")}, nil
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil, nil
			}
			return []agent.StreamDelta{agent.TextDelta(ev.Delta.Text)}, nil
		case "input_json_delta":
			if ev.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []agent.StreamDelta{agent.ToolCallFragment(int(ev.Index), "", "", ev.Delta.PartialJSON)}, nil
		}
		return nil, nil
	case "message_delta":
		if ev.Delta.StopReason != "" {
			st.SetFinish(string(ev.Delta.StopReason))
		}
		// input_tokens here repeats message_start's count.
		if ev.Usage.OutputTokens > 0 {
			return []agent.StreamDelta{agent.UsageDelta(0, int(ev.Usage.OutputTokens))}, nil
		}
		return nil, nil
	case "message_stop":
		reason, ok := st.TakeFinish()
		if !ok {
			reason = agent.FinishStop
		}
		return []agent.StreamDelta{agent.FinishDelta(reason)}, nil
	default:
		// ping, content_block_stop and future event types.
		return nil, nil
	}
}

func parseAnthropicMessage(data []byte) ([]agent.StreamDelta, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var out []agent.StreamDelta
	tool := 0
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, agent.TextDelta(block.Text))
			}
		case "tool_use":
			out = append(out, agent.ToolCallFragment(tool, block.ID, block.Name, string(block.Input)))
			tool++
		}
	}
	out = append(out,
		agent.UsageDelta(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
		agent.FinishDelta(agent.NormalizeFinishReason(string(msg.StopReason))),
	)
	return out, nil
}

func anthropicStreamError(data []byte) *agent.Error {
	msg, code := errorFields(data)
	if msg == "" {
		msg = "stream error"
	}
	out := &agent.Error{Kind: agent.KindProviderUnavailable, Provider: string(agent.ProviderAnthropic), Message: msg}
	if code != "" {
		out.WithCode(code)
	}
	return out
}

// MapError classifies transport and HTTP failures.
func (a *AnthropicAdapter) MapError(err error) *agent.Error {
	return mapHTTPError(string(agent.ProviderAnthropic), err)
}

// buildAnthropicMessages converts the conversation. Tool results become
// tool_result blocks on a user turn, and consecutive same-role turns are
// merged because the API requires strict alternation.
func buildAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			// System text travels in MessageNewParams.System.
			continue
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks)
		case models.RoleTool:
			if msg.ToolResult == nil {
				return nil, fmt.Errorf("tool message without result")
			}
			res := msg.ToolResult
			appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(res.ToolCallID, res.Text(), res.IsError()),
			})
		default:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, p := range msg.Parts {
				switch p.Type {
				case models.PartImageURL:
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.URL}))
				case models.PartJSON:
					blocks = append(blocks, anthropic.NewTextBlock(string(p.JSON)))
				default:
					if p.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(p.Text))
					}
				}
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		}
	}
	return out, nil
}
