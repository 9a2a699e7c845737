package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ProviderKind identifies a backend wire protocol. The set is closed: every
// kind has exactly one adapter registered in an AdapterRegistry.
type ProviderKind string

const (
	ProviderOpenAI      ProviderKind = "openai"
	ProviderAzureOpenAI ProviderKind = "azure-openai"
	ProviderOpenRouter  ProviderKind = "openrouter"
	ProviderAnthropic   ProviderKind = "anthropic"
	ProviderGemini      ProviderKind = "gemini"
	ProviderBedrock     ProviderKind = "bedrock"
	ProviderOllama      ProviderKind = "ollama"
)

// ProviderKinds lists every known kind in a stable order.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{
		ProviderOpenAI,
		ProviderAzureOpenAI,
		ProviderOpenRouter,
		ProviderAnthropic,
		ProviderGemini,
		ProviderBedrock,
		ProviderOllama,
	}
}

// ParseProviderKind validates a configured kind string.
func ParseProviderKind(s string) (ProviderKind, error) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case "azure", "azure_openai":
		return ProviderAzureOpenAI, nil
	case "google", "vertex":
		return ProviderGemini, nil
	}
	for _, k := range ProviderKinds() {
		if k == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Credentials carries the secrets used to authenticate with a provider.
type Credentials struct {
	// APIKey is the bearer/API key for HTTP providers.
	APIKey string `json:"-"`

	// AccessKeyID, SecretAccessKey and SessionToken are used by Bedrock.
	// When all are empty the AWS default credential chain is used.
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
	SessionToken    string `json:"-"`
}

// ProviderConfig selects and configures the backend for one dispatch.
type ProviderConfig struct {
	// ID is the configured name of the provider (e.g. "primary").
	ID string `json:"id"`

	// Kind selects the adapter.
	Kind ProviderKind `json:"kind"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// APIVersion is used by Azure OpenAI and Anthropic.
	APIVersion string `json:"api_version,omitempty"`

	// Region is used by Bedrock.
	Region string `json:"region,omitempty"`

	// Headers are added to every outbound HTTP request.
	Headers map[string]string `json:"headers,omitempty"`

	// Credentials authenticate the request.
	Credentials Credentials `json:"-"`

	// Params are the default generation parameters.
	Params GenerationParams `json:"params"`

	// DisableStreaming requests single-document responses.
	DisableStreaming bool `json:"disable_streaming,omitempty"`

	// ConnectTimeout bounds connection establishment and time to headers.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`

	// ReadTimeout bounds the idle gap between two frames of a stream.
	ReadTimeout time.Duration `json:"read_timeout,omitempty"`

	// HTTPClient overrides the client used by HTTP adapters.
	HTTPClient *http.Client `json:"-"`
}

// Name returns the label used in logs and errors.
func (c ProviderConfig) Name() string {
	if c.ID != "" {
		return c.ID
	}
	return string(c.Kind)
}

// GenerationParams holds sampling and output controls. Pointer fields are
// unset when nil so that provider defaults apply.
type GenerationParams struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	JSONMode          bool     `json:"json_mode,omitempty"`
	ParallelToolCalls *bool    `json:"parallel_tool_calls,omitempty"`
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ProviderRequest is the provider-agnostic request built fresh for every
// provider round trip of a turn.
type ProviderRequest struct {
	// Model specifies which model to use.
	Model string `json:"model"`

	// System is the system prompt, separated from the message list because
	// most provider APIs carry it out of band.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history without system messages.
	Messages []models.Message `json:"messages"`

	// Params are the generation parameters.
	Params GenerationParams `json:"params"`

	// Tools are the tools declared to the model for this request.
	Tools []ToolSpec `json:"tools,omitempty"`

	// Stream requests an incremental response.
	Stream bool `json:"stream"`
}

// HasImages reports whether any message carries an image part.
func (r *ProviderRequest) HasImages() bool {
	for _, m := range r.Messages {
		for _, p := range m.Parts {
			if p.Type == models.PartImageURL {
				return true
			}
		}
	}
	return false
}

// Capabilities describes the optional features an adapter can serve.
type Capabilities struct {
	Tools             bool
	ParallelToolCalls bool
	Seed              bool
	JSONMode          bool
	TopP              bool
	Images            bool
	MaxStopSequences  int
}

// Check rejects requests that use features outside the capability set.
func (c Capabilities) Check(provider string, req *ProviderRequest) error {
	if len(req.Tools) > 0 && !c.Tools {
		return UnsupportedCapability(provider, "tool calling")
	}
	if req.Params.ParallelToolCalls != nil && *req.Params.ParallelToolCalls && !c.ParallelToolCalls {
		return UnsupportedCapability(provider, "parallel tool calls")
	}
	if req.Params.Seed != nil && !c.Seed {
		return UnsupportedCapability(provider, "seeded sampling")
	}
	if req.Params.JSONMode && !c.JSONMode {
		return UnsupportedCapability(provider, "JSON mode")
	}
	if req.Params.TopP != nil && !c.TopP {
		return UnsupportedCapability(provider, "top_p")
	}
	if len(req.Params.StopSequences) > c.MaxStopSequences {
		return UnsupportedCapability(provider, fmt.Sprintf("more than %d stop sequences", c.MaxStopSequences))
	}
	if req.HasImages() && !c.Images {
		return UnsupportedCapability(provider, "image input")
	}
	return nil
}

// Frame is one unit read off a provider transport: an SSE event, an NDJSON
// line, a whole JSON document, or an SDK event value.
type Frame struct {
	// Event is the SSE event name, when the transport has one.
	Event string

	// Data is the raw frame payload.
	Data []byte

	// Value is set by SDK-backed transports that yield decoded events.
	Value any
}

// FrameSource is an open provider stream.
//
// Next blocks until the next frame is available. It returns io.EOF when the
// transport closed cleanly and an error classified by the adapter's MapError
// otherwise. Close releases the underlying connection and may be called more
// than once.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// ChunkState is per-stream scratch state handed to ParseChunk. Adapters whose
// providers do not index tool calls use it to assign stable indices.
type ChunkState struct {
	nextIndex int
	indices   map[string]int

	finish    string
	hasFinish bool
}

// NewChunkState creates empty parse state for one stream.
func NewChunkState() *ChunkState {
	return &ChunkState{indices: make(map[string]int)}
}

// IndexFor returns the tool call index for key, assigning the next free index
// on first sight. An empty key always allocates a fresh index.
func (s *ChunkState) IndexFor(key string) int {
	if key != "" {
		if idx, ok := s.indices[key]; ok {
			return idx
		}
	}
	idx := s.nextIndex
	s.nextIndex++
	if key != "" {
		s.indices[key] = idx
	}
	return idx
}

// Reserve marks idx as used so that later IndexFor calls never return it.
func (s *ChunkState) Reserve(idx int) {
	if idx >= s.nextIndex {
		s.nextIndex = idx + 1
	}
}

// Current returns the most recently assigned index, or 0 when none has been
// assigned yet. It serves fragments that carry neither index nor id.
func (s *ChunkState) Current() int {
	if s.nextIndex == 0 {
		return s.IndexFor("")
	}
	return s.nextIndex - 1
}

// Calls returns how many tool call indices have been assigned or reserved.
func (s *ChunkState) Calls() int {
	return s.nextIndex
}

// SetFinish records a stop reason whose finish delta is deferred until the
// provider's end-of-stream marker, so trailing usage frames are not lost.
func (s *ChunkState) SetFinish(reason string) {
	s.finish = NormalizeFinishReason(reason)
	s.hasFinish = true
}

// TakeFinish returns and clears the deferred stop reason.
func (s *ChunkState) TakeFinish() (string, bool) {
	reason, ok := s.finish, s.hasFinish
	s.finish, s.hasFinish = "", false
	return reason, ok
}

// ProviderAdapter translates between the canonical runtime types and one
// provider's wire protocol.
//
// Thread Safety:
// Adapters are stateless and safe for concurrent use; per-stream state lives
// in the FrameSource and the ChunkState.
type ProviderAdapter interface {
	// Kind returns the provider kind served by this adapter.
	Kind() ProviderKind

	// Capabilities returns the optional features the adapter supports.
	Capabilities() Capabilities

	// TranslateRequest converts req into the provider-native request value.
	// Unsupported parameter combinations are rejected with an
	// UnsupportedCapability error before any network activity.
	TranslateRequest(req *ProviderRequest) (any, error)

	// Open sends req and returns the response transport. Both streamed and
	// single-document responses are exposed as frames.
	Open(ctx context.Context, cfg ProviderConfig, req *ProviderRequest) (FrameSource, error)

	// ParseChunk converts one frame into zero or more deltas. An unparseable
	// frame returns an error and leaves st untouched.
	ParseChunk(st *ChunkState, frame Frame) ([]StreamDelta, error)

	// MapError classifies a transport or provider failure.
	MapError(err error) *Error
}

// AdapterRegistry resolves a ProviderKind to its adapter with a single lookup.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[ProviderKind]ProviderAdapter
}

// NewAdapterRegistry creates a registry pre-populated with adapters.
func NewAdapterRegistry(adapters ...ProviderAdapter) *AdapterRegistry {
	r := &AdapterRegistry{adapters: make(map[ProviderKind]ProviderAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *AdapterRegistry) Register(a ProviderAdapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *AdapterRegistry) Get(kind ProviderKind) (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return a, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *AdapterRegistry) Kinds() []ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderKind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
