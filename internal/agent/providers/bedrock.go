package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/toolconv"
	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultBedrockRegion = "us-east-1"

// BedrockAdapter implements agent.ProviderAdapter for the Bedrock Converse
// API through the AWS SDK.
//
// The SDK owns request signing and the binary event-stream framing, so the
// adapter's FrameSource yields decoded types.ConverseStreamOutput values in
// Frame.Value instead of raw bytes. Tool input arrives as string fragments
// keyed by content block index.
//
// Converse sends messageStop before the metadata event that carries usage,
// so the stop reason is held until the event stream closes.
//
// Credentials come from ProviderConfig.Credentials when set, and from the
// default AWS chain (environment, shared config, instance role) otherwise.
// SDK retries are disabled; the dispatcher owns retry policy.
//
// Thread Safety:
// BedrockAdapter caches one client per region and credential set and is safe
// for concurrent use.
type BedrockAdapter struct {
	mu      sync.Mutex
	clients map[bedrockClientKey]*bedrockruntime.Client

	// loadConfig is replaceable for tests.
	loadConfig func(ctx context.Context, cfg agent.ProviderConfig) (aws.Config, error)
}

type bedrockClientKey struct {
	region   string
	baseURL  string
	keyID    string
	secret   string
	token    string
	override bool
}

var _ agent.ProviderAdapter = (*BedrockAdapter)(nil)

// NewBedrockAdapter creates the Bedrock adapter.
func NewBedrockAdapter() *BedrockAdapter {
	return &BedrockAdapter{
		clients:    make(map[bedrockClientKey]*bedrockruntime.Client),
		loadConfig: loadAWSConfig,
	}
}

// Kind returns agent.ProviderBedrock.
func (a *BedrockAdapter) Kind() agent.ProviderKind {
	return agent.ProviderBedrock
}

// Capabilities returns the features common to Converse models. Seed and JSON
// mode are model specific and not exposed by Converse.
func (a *BedrockAdapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Tools:             true,
		ParallelToolCalls: true,
		TopP:              true,
		Images:            true,
		MaxStopSequences:  4,
	}
}

// TranslateRequest builds a bedrockruntime.ConverseStreamInput.
func (a *BedrockAdapter) TranslateRequest(req *agent.ProviderRequest) (any, error) {
	return a.translate(req)
}

func (a *BedrockAdapter) translate(req *agent.ProviderRequest) (*bedrockruntime.ConverseStreamInput, error) {
	provider := string(agent.ProviderBedrock)
	if req == nil {
		return nil, agent.NewError(agent.KindInvalidRequest, "request is nil")
	}
	if err := a.Capabilities().Check(provider, req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, agent.NewError(agent.KindInvalidRequest, "model is required").WithProvider(provider, "")
	}

	messages, err := buildBedrockMessages(req.Messages)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}
	toolConfig, err := toolconv.ToBedrockTools(req.Tools)
	if err != nil {
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error()).WithProvider(provider, req.Model)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:    aws.String(req.Model),
		Messages:   messages,
		ToolConfig: toolConfig,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	inference := &types.InferenceConfiguration{StopSequences: req.Params.StopSequences}
	if req.Params.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(min(req.Params.MaxTokens, math.MaxInt32)))
	}
	if req.Params.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Params.Temperature))
	}
	if req.Params.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.Params.TopP))
	}
	input.InferenceConfig = inference
	return input, nil
}

// Open calls ConverseStream, or Converse when streaming is disabled.
func (a *BedrockAdapter) Open(ctx context.Context, cfg agent.ProviderConfig, req *agent.ProviderRequest) (agent.FrameSource, error) {
	input, err := a.translate(req)
	if err != nil {
		return nil, err
	}
	client, err := a.client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	connect, read := timeouts(cfg)
	callCtx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(connect+read, cancel)
	defer headerTimer.Stop()

	if !req.Stream {
		defer cancel()
		out, err := client.Converse(callCtx, &bedrockruntime.ConverseInput{
			ModelId:         input.ModelId,
			Messages:        input.Messages,
			System:          input.System,
			InferenceConfig: input.InferenceConfig,
			ToolConfig:      input.ToolConfig,
		})
		if err != nil {
			return nil, err
		}
		return &singleFrameSource{frame: agent.Frame{Event: FrameJSON, Value: out}}, nil
	}

	out, err := client.ConverseStream(callCtx, input)
	if err != nil {
		cancel()
		return nil, err
	}
	return &bedrockStreamSource{stream: out.GetStream(), cancel: cancel, readTimeout: read}, nil
}

func (a *BedrockAdapter) client(ctx context.Context, cfg agent.ProviderConfig) (*bedrockruntime.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	key := bedrockClientKey{
		region:   region,
		baseURL:  cfg.BaseURL,
		keyID:    cfg.Credentials.AccessKeyID,
		secret:   cfg.Credentials.SecretAccessKey,
		token:    cfg.Credentials.SessionToken,
		override: cfg.HTTPClient != nil,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[key]; ok && !key.override {
		return c, nil
	}

	cfg.Region = region
	awsCfg, err := a.loadConfig(ctx, cfg)
	if err != nil {
		return nil, agent.WrapError(string(agent.ProviderBedrock), "", fmt.Errorf("load AWS config: %w", err))
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		o.Retryer = aws.NopRetryer{}
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	if !key.override {
		a.clients[key] = client
	}
	return client, nil
}

func loadAWSConfig(ctx context.Context, cfg agent.ProviderConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	creds := cfg.Credentials
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// ParseChunk converts one Converse stream event, or a whole ConverseOutput,
// into deltas.
func (a *BedrockAdapter) ParseChunk(st *agent.ChunkState, frame agent.Frame) ([]agent.StreamDelta, error) {
	switch ev := frame.Value.(type) {
	case *bedrockruntime.ConverseOutput:
		return parseConverseOutput(ev)
	case *types.ConverseStreamOutputMemberMessageStart:
		return nil, nil
	case *types.ConverseStreamOutputMemberContentBlockStart:
		start, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil, nil
		}
		idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
		st.Reserve(idx)
		return []agent.StreamDelta{agent.ToolCallFragment(idx,
			aws.ToString(start.Value.ToolUseId), aws.ToString(start.Value.Name), "")}, nil
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		idx := int(aws.ToInt32(ev.Value.ContentBlockIndex))
		switch d := ev.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if d.Value == "" {
				return nil, nil
			}
			return []agent.StreamDelta{agent.TextDelta(d.Value)}, nil
		case *types.ContentBlockDeltaMemberToolUse:
			args := aws.ToString(d.Value.Input)
			if args == "" {
				return nil, nil
			}
			return []agent.StreamDelta{agent.ToolCallFragment(idx, "", "", args)}, nil
		}
		return nil, nil
	case *types.ConverseStreamOutputMemberContentBlockStop:
		return nil, nil
	case *types.ConverseStreamOutputMemberMessageStop:
		st.SetFinish(string(ev.Value.StopReason))
		return nil, nil
	case *types.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			return []agent.StreamDelta{agent.UsageDelta(int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens)))}, nil
		}
		return nil, nil
	case nil:
		return nil, fmt.Errorf("frame has no event value")
	default:
		// Event types added to the SDK after this adapter was written.
		return nil, nil
	}
}

func parseConverseOutput(out *bedrockruntime.ConverseOutput) ([]agent.StreamDelta, error) {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected converse output %T", out.Output)
	}
	var deltas []agent.StreamDelta
	tool := 0
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			if b.Value != "" {
				deltas = append(deltas, agent.TextDelta(b.Value))
			}
		case *types.ContentBlockMemberToolUse:
			args := []byte("{}")
			if b.Value.Input != nil {
				raw, err := b.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return nil, fmt.Errorf("decode tool input: %w", err)
				}
				args = raw
			}
			deltas = append(deltas, agent.ToolCallFragment(tool, aws.ToString(b.Value.ToolUseId), aws.ToString(b.Value.Name), string(args)))
			tool++
		}
	}
	if u := out.Usage; u != nil {
		deltas = append(deltas, agent.UsageDelta(int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))))
	}
	deltas = append(deltas, agent.FinishDelta(agent.NormalizeFinishReason(string(out.StopReason))))
	return deltas, nil
}

// MapError classifies SDK failures by API error code and HTTP status.
func (a *BedrockAdapter) MapError(err error) *agent.Error {
	if err == nil {
		return nil
	}
	if e, ok := agent.AsError(err); ok {
		return e
	}
	out := agent.WrapError(string(agent.ProviderBedrock), "", err)

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		out.WithStatus(re.HTTPStatusCode())
		out.WithRequestID(re.ServiceRequestID())
		if re.Response != nil {
			out.WithRetryAfter(agent.RetryAfterFromHeader(re.Response.Header, time.Now()))
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		out.WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			out.WithMessage(msg)
		}
	}
	if out.Kind == agent.KindUnknown {
		out.Kind = agent.KindTransport
	}
	return out
}

// bedrockStreamSource adapts the SDK event stream to agent.FrameSource.
type bedrockStreamSource struct {
	stream      *bedrockruntime.ConverseStreamEventStream
	cancel      context.CancelFunc
	readTimeout time.Duration
	closeOnce   sync.Once
}

func (s *bedrockStreamSource) Next(ctx context.Context) (agent.Frame, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case ev, ok := <-s.stream.Events():
		if !ok {
			if err := s.stream.Err(); err != nil {
				return agent.Frame{}, err
			}
			return agent.Frame{}, io.EOF
		}
		return agent.Frame{Value: ev}, nil
	case <-ctx.Done():
		s.Close()
		return agent.Frame{}, ctx.Err()
	case <-timer.C:
		s.Close()
		return agent.Frame{}, errReadTimeout{after: s.readTimeout}
	}
}

func (s *bedrockStreamSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
		s.cancel()
	})
	return err
}

// singleFrameSource yields one frame and then io.EOF.
type singleFrameSource struct {
	frame agent.Frame
	done  bool
}

func (s *singleFrameSource) Next(ctx context.Context) (agent.Frame, error) {
	if err := ctx.Err(); err != nil {
		return agent.Frame{}, err
	}
	if s.done {
		return agent.Frame{}, io.EOF
	}
	s.done = true
	return s.frame, nil
}

func (s *singleFrameSource) Close() error { return nil }

func buildBedrockMessages(msgs []models.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	add := func(role types.ConversationRole, blocks []types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant:
			var blocks []types.ContentBlock
			if text := msg.Text(); text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: text})
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				}})
			}
			add(types.ConversationRoleAssistant, blocks)
		case models.RoleTool:
			if msg.ToolResult == nil {
				return nil, fmt.Errorf("tool message without result")
			}
			res := msg.ToolResult
			block := types.ToolResultBlock{
				ToolUseId: aws.String(res.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: res.Text()}},
			}
			if res.IsError() {
				block.Status = types.ToolResultStatusError
			}
			add(types.ConversationRoleUser, []types.ContentBlock{&types.ContentBlockMemberToolResult{Value: block}})
		default:
			var blocks []types.ContentBlock
			if msg.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, p := range msg.Parts {
				switch p.Type {
				case models.PartImageURL:
					img, err := bedrockImage(p)
					if err != nil {
						return nil, err
					}
					blocks = append(blocks, img)
				case models.PartJSON:
					blocks = append(blocks, &types.ContentBlockMemberText{Value: string(p.JSON)})
				default:
					if p.Text != "" {
						blocks = append(blocks, &types.ContentBlockMemberText{Value: p.Text})
					}
				}
			}
			add(types.ConversationRoleUser, blocks)
		}
	}
	return out, nil
}

// bedrockImage converts an inline data URL. Converse takes image bytes, not
// URLs, and fetching remote images is left to the caller.
func bedrockImage(p models.Part) (*types.ContentBlockMemberImage, error) {
	if !strings.HasPrefix(p.URL, "data:") {
		return nil, fmt.Errorf("bedrock images must be data URLs")
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(p.URL, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("invalid data URL")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data URL: %w", err)
	}
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType, _, _ = strings.Cut(meta, ";")
	}
	var format types.ImageFormat
	switch strings.ToLower(mimeType) {
	case "image/png":
		format = types.ImageFormatPng
	case "image/jpeg", "image/jpg":
		format = types.ImageFormatJpeg
	case "image/gif":
		format = types.ImageFormatGif
	case "image/webp":
		format = types.ImageFormatWebp
	default:
		return nil, fmt.Errorf("unsupported image type %q", mimeType)
	}
	return &types.ContentBlockMemberImage{Value: types.ImageBlock{
		Format: format,
		Source: &types.ImageSourceMemberBytes{Value: data},
	}}, nil
}
