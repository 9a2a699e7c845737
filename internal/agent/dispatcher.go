package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Dispatcher defaults.
const (
	DefaultMaxIterations      = 10
	DefaultMaxRetries         = 2
	DefaultToolConcurrency    = 4
	DefaultToolResultMaxBytes = 64 * 1024
	DefaultStreamBuffer       = 32
)

// DispatcherConfig tunes turn execution.
type DispatcherConfig struct {
	// MaxIterations bounds the number of provider round trips per turn.
	MaxIterations int

	// MaxRetries is the number of retries for a retryable provider failure.
	MaxRetries int

	// Backoff computes delays between retries when the provider gives no hint.
	Backoff backoff.Policy

	// ToolConcurrency bounds parallel tool invocations within one round.
	ToolConcurrency int

	// ToolResultGuard bounds and redacts tool output before it enters history.
	ToolResultGuard ToolResultGuard

	// MaxMalformedChunks is passed to the stream normalizer.
	MaxMalformedChunks int

	// StreamBuffer is the number of deltas the turn may produce ahead of the
	// caller. Buffered deltas are dropped once the turn is cancelled.
	StreamBuffer int
}

func (c DispatcherConfig) sanitized() DispatcherConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = DefaultToolConcurrency
	}
	if c.ToolResultGuard.MaxBytes <= 0 {
		c.ToolResultGuard.MaxBytes = DefaultToolResultMaxBytes
	}
	if c.MaxMalformedChunks <= 0 {
		c.MaxMalformedChunks = DefaultMaxMalformedChunks
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
	return c
}

// DefaultDispatcherConfig returns the default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxRetries: DefaultMaxRetries}.sanitized()
}

// DispatchRequest is one caller turn.
type DispatchRequest struct {
	// ConversationID keys the RuntimeSession. A random ID is used when empty.
	ConversationID string

	// Conversation is the history to send. The dispatcher works on a copy.
	Conversation models.Conversation

	// EnabledTools names the tools the model may call in this turn.
	EnabledTools []string

	// Provider selects and configures the backend.
	Provider ProviderConfig

	// Params override the provider's default generation parameters.
	Params *GenerationParams
}

// Dispatcher is the entry point of the runtime: it drives one adapter stream
// per round trip, forwards deltas to the caller, runs requested tools through
// the gateway and recurses until the model stops calling tools.
type Dispatcher struct {
	adapters *AdapterRegistry
	tools    ToolGateway
	sessions *SessionRegistry
	cfg      DispatcherConfig
	logger   *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTracer sets the tracer used for turn and round-trip spans.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithSessions shares a session registry between dispatchers.
func WithSessions(s *SessionRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		if s != nil {
			d.sessions = s
		}
	}
}

// WithConfig sets the dispatcher configuration.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.cfg = cfg.sanitized()
	}
}

// NewDispatcher creates a dispatcher. tools may be nil when no tools are
// ever enabled.
func NewDispatcher(adapters *AdapterRegistry, tools ToolGateway, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		adapters: adapters,
		tools:    tools,
		sessions: NewSessionRegistry(),
		cfg:      DefaultDispatcherConfig(),
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("github.com/haasonsaas/conduit/internal/agent"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	// Invalid patterns are rejected by config validation; any that reach
	// this point are skipped.
	if err := d.cfg.ToolResultGuard.Compile(); err != nil {
		d.logger.Warn("skipping invalid tool result redact patterns", "error", err)
	}
	return d
}

// Sessions returns the session registry.
func (d *Dispatcher) Sessions() *SessionRegistry {
	return d.sessions
}

// Cancel aborts the running turn for conversationID.
func (d *Dispatcher) Cancel(conversationID string) bool {
	return d.sessions.Cancel(conversationID)
}

// turn is the immutable context of one dispatched turn.
type turn struct {
	session *RuntimeSession
	adapter ProviderAdapter
	tools   ToolSet
	enabled map[string]struct{}
	specs   []ToolSpec
	cfg     ProviderConfig
	params  GenerationParams
	out     chan<- *StreamDelta
	logger  *slog.Logger
	usage   Usage
}

// Dispatch starts a turn and returns the live delta stream.
//
// Validation failures (empty conversation, unknown provider, unknown enabled
// tool, a turn already active for the conversation) are returned
// synchronously. Otherwise the stream ends with exactly one terminal delta,
// or is closed without one if ctx is cancelled or the session is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (<-chan *StreamDelta, error) {
	if len(req.Conversation) == 0 {
		return nil, ErrEmptyConversation
	}
	if req.Provider.Kind == "" {
		return nil, ErrNoProvider
	}
	if d.adapters == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider.Kind)
	}
	adapter, err := d.adapters.Get(req.Provider.Kind)
	if err != nil {
		return nil, err
	}

	var tools ToolSet = emptyToolSet{}
	if d.tools != nil {
		tools = d.tools.Snapshot()
	}
	specs, err := tools.Specs(req.EnabledTools)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]struct{}, len(req.EnabledTools))
	for _, name := range req.EnabledTools {
		enabled[name] = struct{}{}
	}

	params := req.Provider.Params
	if req.Params != nil {
		params = mergeParams(params, *req.Params)
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	deliverCtx, cancel := context.WithCancel(ctx)
	session, err := d.sessions.Start(conversationID, req.Provider.Name(), cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	turnCtx, endTurn := context.WithCancel(deliverCtx)

	buffered := make(chan *StreamDelta, d.cfg.StreamBuffer)
	out := make(chan *StreamDelta)
	t := &turn{
		session: session,
		adapter: adapter,
		tools:   tools,
		enabled: enabled,
		specs:   specs,
		cfg:     req.Provider,
		params:  params,
		out:     buffered,
		logger: d.logger.With(
			"conversation_id", conversationID,
			"session_id", session.ID,
			"provider", req.Provider.Name(),
			"model", req.Provider.Model,
		),
	}

	d.metrics.SessionStarted(req.Provider.Name())
	start := time.Now()
	go d.run(turnCtx, endTurn, t, req.Conversation.Clone())
	go d.forward(deliverCtx, cancel, t, buffered, out, start)
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, endTurn context.CancelFunc, t *turn, conv models.Conversation) {
	ctx, span := d.tracer.Start(ctx, "conduit.turn", trace.WithAttributes(
		attribute.String("conversation.id", t.session.ConversationID),
		attribute.String("provider", t.cfg.Name()),
		attribute.String("model", t.cfg.Model),
	))
	defer func() {
		span.End()
		endTurn()
		close(t.out)
	}()

	err := d.iterate(ctx, t, conv, 0)
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", t.usage.PromptTokens),
		attribute.Int("usage.completion_tokens", t.usage.CompletionTokens),
	)
	switch {
	case err == nil:
		t.logger.Debug("turn finished",
			"prompt_tokens", t.usage.PromptTokens,
			"completion_tokens", t.usage.CompletionTokens,
		)
	case ctx.Err() != nil:
		t.logger.Info("turn cancelled", "error", ctx.Err())
		span.SetStatus(codes.Error, "cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// forward hands deltas from the turn's buffer to the caller one at a time.
// Once ctx is done nothing more is delivered; the rest of the buffer is
// drained so the turn goroutine can exit. The session is released before
// out is closed.
func (d *Dispatcher) forward(ctx context.Context, cancel context.CancelFunc, t *turn, in <-chan *StreamDelta, out chan<- *StreamDelta, start time.Time) {
	defer func() {
		cancel()
		d.sessions.Release(t.session)
		d.metrics.SessionEnded(t.cfg.Name(), time.Since(start).Seconds())
		close(out)
	}()

	for delta := range in {
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- delta:
		case <-ctx.Done():
		}
	}
}

// iterate performs one provider round trip and recurses while the model
// requests tools. depth is the number of completed round trips.
func (d *Dispatcher) iterate(ctx context.Context, t *turn, conv models.Conversation, depth int) error {
	if depth >= d.cfg.MaxIterations {
		err := &Error{
			Kind:     KindTooManyIterations,
			Provider: t.cfg.Name(),
			Message:  fmt.Sprintf("tool recursion exceeded %d iterations", d.cfg.MaxIterations),
			Cause:    ErrMaxIterations,
		}
		t.logger.Warn("iteration limit reached", "max_iterations", d.cfg.MaxIterations)
		d.metrics.RecordError("dispatcher", string(KindTooManyIterations))
		d.emit(ctx, t, ErrorDelta(err))
		return err
	}

	d.emit(ctx, t, EventDelta(models.NewRuntimeEvent(models.EventIterationStart).WithIteration(depth)))

	round, err := d.roundTrip(ctx, t, conv, depth)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.emit(ctx, t, ErrorDelta(err))
		return &LoopError{Phase: "stream", Iteration: depth, Cause: err}
	}

	d.emit(ctx, t, EventDelta(models.NewRuntimeEvent(models.EventIterationEnd).
		WithIteration(depth).
		WithMeta("finish_reason", round.finish).
		WithMeta("tool_calls", len(round.calls))))

	if len(round.calls) == 0 {
		assistant := models.Message{Role: models.RoleAssistant, Content: round.text}
		d.emit(ctx, t, MessageDelta(assistant))
		d.emit(ctx, t, FinishDelta(round.finish))
		return nil
	}

	calls := make([]models.ToolCall, len(round.calls))
	for i, c := range round.calls {
		calls[i] = c.Call
	}
	assistant := models.Message{Role: models.RoleAssistant, Content: round.text, ToolCalls: calls}

	results := d.runTools(ctx, t, round.calls, depth)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	followUp := make([]models.Message, 0, len(results)+1)
	followUp = append(followUp, assistant)
	d.emit(ctx, t, MessageDelta(assistant))
	for _, res := range results {
		msg := models.NewToolMessage(res)
		followUp = append(followUp, msg)
		d.emit(ctx, t, MessageDelta(msg))
	}

	return d.iterate(ctx, t, conv.Append(followUp...), depth+1)
}

// roundResult is the outcome of one successful provider stream.
type roundResult struct {
	text   string
	calls  []AccumulatedCall
	finish string
	usage  Usage
}

// attemptError carries a stream failure together with whether any content
// had already been forwarded to the caller in that attempt.
type attemptError struct {
	err       *Error
	forwarded bool
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func (d *Dispatcher) roundTrip(ctx context.Context, t *turn, conv models.Conversation, depth int) (*roundResult, error) {
	retrier := backoff.Retrier{
		Policy:     d.cfg.Backoff,
		MaxRetries: d.cfg.MaxRetries,
		Retryable: func(err error) bool {
			var ae *attemptError
			if !errors.As(err, &ae) {
				return false
			}
			return ae.err.Retryable() && !ae.forwarded && ctx.Err() == nil
		},
		Hint: func(err error) time.Duration {
			var ae *attemptError
			if errors.As(err, &ae) {
				return ae.err.RetryAfter
			}
			return 0
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			kind := KindOf(err)
			t.logger.Info("retrying provider request",
				"attempt", attempt,
				"delay", delay,
				"kind", kind,
				"error", err,
			)
			d.metrics.RecordRetry(t.cfg.Name(), string(kind))
			d.emit(ctx, t, EventDelta(models.NewRuntimeEvent(models.EventRetrying).
				WithIteration(depth).
				WithMessage(err.Error()).
				WithMeta("attempt", attempt).
				WithMeta("delay_ms", delay.Milliseconds()).
				WithMeta("kind", string(kind))))
		},
	}

	result, err := backoff.Do(ctx, retrier, func(attempt int) (*roundResult, error) {
		return d.attempt(ctx, t, conv, depth, attempt)
	})
	if err != nil {
		var ae *attemptError
		if errors.As(err, &ae) {
			return nil, ae.err
		}
		return nil, err
	}
	return result.Value, nil
}

func (d *Dispatcher) attempt(ctx context.Context, t *turn, conv models.Conversation, depth, attempt int) (*roundResult, error) {
	ctx, span := d.tracer.Start(ctx, "conduit.provider.stream", trace.WithAttributes(
		attribute.String("provider", t.cfg.Name()),
		attribute.Int("iteration", depth),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	req := buildRequest(t, conv)
	src, err := t.adapter.Open(ctx, t.cfg, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mapped := t.adapter.MapError(err)
		if mapped == nil {
			mapped = WrapError(t.cfg.Name(), t.cfg.Model, err)
		}
		mapped.WithProvider(t.cfg.Name(), t.cfg.Model)
		d.metrics.RecordLLMRequest(t.cfg.Name(), t.cfg.Model, string(mapped.Kind), time.Since(start).Seconds(), 0, 0)
		span.RecordError(mapped)
		span.SetStatus(codes.Error, string(mapped.Kind))
		return nil, &attemptError{err: mapped}
	}

	stream := Normalize(ctx, t.adapter, src, NormalizerOptions{
		Provider:     t.cfg.Name(),
		Model:        t.cfg.Model,
		MaxMalformed: d.cfg.MaxMalformedChunks,
		Logger:       t.logger,
	})

	acc := NewToolCallAccumulator()
	var text strings.Builder
	var usage Usage
	forwarded := false

	for delta := range stream {
		switch delta.Type {
		case DeltaText:
			text.WriteString(delta.Text)
			forwarded = true
			d.emit(ctx, t, *delta)
		case DeltaToolCall:
			if err := acc.Add(delta.ToolCall); err != nil {
				t.logger.Warn("dropping late tool call fragment", "error", err)
				continue
			}
			forwarded = true
			d.emit(ctx, t, *delta)
		case DeltaUsage:
			usage.Add(*delta.Usage)
			t.usage.Add(*delta.Usage)
			d.emit(ctx, t, *delta)
		case DeltaError:
			if !delta.IsTerminal() {
				d.metrics.RecordError("normalizer", string(KindMalformedChunk))
				d.emit(ctx, t, *delta)
				continue
			}
			e := delta.Err()
			d.metrics.RecordLLMRequest(t.cfg.Name(), t.cfg.Model, string(e.Kind), time.Since(start).Seconds(), usage.PromptTokens, usage.CompletionTokens)
			span.SetStatus(codes.Error, string(e.Kind))
			// The normalizer stops after a terminal delta, so the channel
			// is already closing.
			for range stream {
			}
			return nil, &attemptError{err: e, forwarded: forwarded}
		case DeltaFinish:
			calls := acc.Finish()
			d.metrics.RecordLLMRequest(t.cfg.Name(), t.cfg.Model, "success", time.Since(start).Seconds(), usage.PromptTokens, usage.CompletionTokens)
			span.SetAttributes(
				attribute.String("finish_reason", delta.FinishReason),
				attribute.Int("tool_calls", len(calls)),
			)
			for range stream {
			}
			return &roundResult{
				text:   text.String(),
				calls:  calls,
				finish: delta.FinishReason,
				usage:  usage,
			}, nil
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// The normalizer always ends with a terminal delta unless cancelled.
	return nil, &attemptError{err: NewError(KindTransport, "stream ended without terminal event"), forwarded: forwarded}
}

// runTools invokes every call of a round concurrently and returns one result
// per call, ordered by call index. Failures never short-circuit siblings.
func (d *Dispatcher) runTools(ctx context.Context, t *turn, calls []AccumulatedCall, depth int) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.ToolConcurrency)

	for i, c := range calls {
		call := c.Call
		if res, invalid := c.FailedResult(); invalid {
			t.logger.Warn("invalid tool call", "tool", call.Name, "tool_call_id", call.ID, "error", c.Err)
			results[i] = res
			d.emit(ctx, t, EventDelta(models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).
				WithIteration(depth).
				WithMessage(res.Text())))
			continue
		}
		if _, ok := t.enabled[call.Name]; !ok {
			res := models.FailedResult(call.ID, models.ToolFailureUnknownTool, "unknown tool: "+call.Name)
			res.ToolName = call.Name
			results[i] = res
			d.emit(ctx, t, EventDelta(models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).
				WithIteration(depth).
				WithMessage(res.Text())))
			continue
		}

		g.Go(func() error {
			d.emit(gctx, t, EventDelta(models.NewToolEvent(models.EventToolStarted, call.Name, call.ID).WithIteration(depth)))
			started := time.Now()
			res := t.tools.Invoke(gctx, call)
			res.ToolCallID = call.ID
			res.ToolName = call.Name
			results[i] = d.cfg.ToolResultGuard.Apply(res)

			ev := models.NewToolEvent(models.ToolEventFor(res), call.Name, call.ID).
				WithIteration(depth).
				WithMeta("duration_ms", time.Since(started).Milliseconds())
			if !res.Success {
				ev.WithMessage(res.Text())
				t.logger.Warn("tool failed", "tool", call.Name, "tool_call_id", call.ID, "result", res.Text())
			}
			d.emit(gctx, t, EventDelta(ev))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// emit forwards a delta unless the turn has been cancelled.
func (d *Dispatcher) emit(ctx context.Context, t *turn, delta StreamDelta) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case t.out <- &delta:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildRequest(t *turn, conv models.Conversation) *ProviderRequest {
	system, rest := conv.System()
	return &ProviderRequest{
		Model:    t.cfg.Model,
		System:   system,
		Messages: repairTranscript(rest),
		Params:   t.params,
		Tools:    t.specs,
		Stream:   !t.cfg.DisableStreaming,
	}
}

func mergeParams(base, override GenerationParams) GenerationParams {
	out := base
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if len(override.StopSequences) > 0 {
		out.StopSequences = override.StopSequences
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	if override.JSONMode {
		out.JSONMode = true
	}
	if override.ParallelToolCalls != nil {
		out.ParallelToolCalls = override.ParallelToolCalls
	}
	return out
}
