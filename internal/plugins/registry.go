package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// DefaultToolTimeout bounds a tool call when neither the descriptor nor the
// registry sets a timeout.
const DefaultToolTimeout = 30 * time.Second

// Registry holds the registered tools. Writers build a new Snapshot and swap
// it in atomically; readers never lock.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// Metrics records tool invocations. Status is "success" or the failure kind.
type Metrics interface {
	RecordToolExecution(tool, status string, durationSeconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordToolExecution(string, string, float64) {}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDefaultTimeout sets the timeout for descriptors that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics sets the recorder for tool invocations.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithTracer sets the tracer used for tool spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		timeout: DefaultToolTimeout,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/haasonsaas/conduit/internal/plugins"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "plugins")
	r.store(map[string]entry{})
	return r
}

var (
	_ agent.ToolGateway = (*Registry)(nil)
	_ agent.ToolSet     = (*Snapshot)(nil)
)

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() agent.ToolSet {
	return r.current.Load()
}

// Current returns the current snapshot with its inspection methods.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Register adds descriptors to the registry. A name that is already
// registered is an error and nothing is added.
func (r *Registry) Register(descs ...Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := make(map[string]entry, len(cur.entries)+len(descs))
	for name, e := range cur.entries {
		next[name] = e
	}
	if err := addEntries(next, descs); err != nil {
		return err
	}
	r.store(next)
	return nil
}

// Replace swaps the whole tool set. On error the registry is unchanged.
func (r *Registry) Replace(descs []Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]entry, len(descs))
	if err := addEntries(next, descs); err != nil {
		return err
	}
	r.store(next)
	return nil
}

// Unregister removes the named tools. Unknown names are ignored.
func (r *Registry) Unregister(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := make(map[string]entry, len(cur.entries))
	for name, e := range cur.entries {
		next[name] = e
	}
	for _, name := range names {
		delete(next, name)
	}
	r.store(next)
}

func (r *Registry) store(entries map[string]entry) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	r.current.Store(&Snapshot{
		entries: entries,
		names:   names,
		timeout: r.timeout,
		logger:  r.logger,
		metrics: r.metrics,
		tracer:  r.tracer,
	})
	r.logger.Debug("tool registry updated", "tools", len(names))
}

func addEntries(dst map[string]entry, descs []Descriptor) error {
	for _, d := range descs {
		schema, err := d.Validate()
		if err != nil {
			return err
		}
		if _, dup := dst[d.Name]; dup {
			return fmt.Errorf("tool %s is already registered", d.Name)
		}
		dst[d.Name] = entry{desc: d, schema: schema}
	}
	return nil
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	entries map[string]entry
	names   []string
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// Names returns the registered tool names in sorted order.
func (s *Snapshot) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of registered tools.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Descriptor returns the descriptor registered under name.
func (s *Snapshot) Descriptor(name string) (Descriptor, bool) {
	e, ok := s.entries[name]
	return e.desc, ok
}

// Specs returns declarations for the named tools in the given order.
func (s *Snapshot) Specs(names []string) ([]agent.ToolSpec, error) {
	specs := make([]agent.ToolSpec, 0, len(names))
	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			return nil, agent.NewError(agent.KindUnknownTool, "unknown tool: "+name)
		}
		schema := e.desc.Schema
		if len(schema) == 0 {
			schema = pluginsdk.EmptyObjectSchema
		}
		specs = append(specs, agent.ToolSpec{Name: name, Description: e.desc.Description, Schema: schema})
	}
	return specs, nil
}

type outcome struct {
	resp *pluginsdk.ExecResponse
	err  error
}

// Invoke runs call and returns exactly one result. Unknown tools and
// arguments rejected by the schema never reach an executor. The call is
// bounded by the tool timeout and by ctx; an executor that ignores its
// context is abandoned, not waited for.
func (s *Snapshot) Invoke(ctx context.Context, call models.ToolCall) (res models.ToolResult) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "conduit.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer func() {
		res.ToolCallID = call.ID
		res.ToolName = call.Name
		status := "success"
		if res.Failure != nil {
			status = string(res.Failure.Kind)
		}
		span.SetAttributes(attribute.String("tool.status", status))
		span.End()
		s.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}()

	e, ok := s.entries[call.Name]
	if !ok {
		return models.FailedResult(call.ID, models.ToolFailureUnknownTool, "unknown tool: "+call.Name)
	}
	if err := ctx.Err(); err != nil {
		return models.FailedResult(call.ID, models.ToolFailureCancelled, "tool call cancelled before it started")
	}
	if err := pluginsdk.ValidateArguments(e.schema, call.Input); err != nil {
		return models.FailedResult(call.ID, models.ToolFailureInvalidArguments, err.Error())
	}

	timeout := e.desc.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &pluginsdk.ExecRequest{
		CallID:    call.ID,
		Tool:      call.Name,
		Arguments: pluginsdk.NormalizeArguments(call.Input),
		TimeoutMs: timeout.Milliseconds(),
	}
	logger := s.logger.With("tool", call.Name, "tool_call_id", call.ID, "mode", string(e.desc.Mode))

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("tool executor panicked", "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		resp, err := e.desc.Executor.Execute(callCtx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			if err := out.resp.Validate(); err != nil {
				out.err = err
			}
		}
		if out.err != nil {
			if interrupted, ok := contextFailure(ctx, callCtx, call.ID, timeout); ok {
				return interrupted
			}
			logger.Warn("tool executor failed", "error", out.err)
			return models.FailedResult(call.ID, models.ToolFailureExecution, out.err.Error())
		}
		return resultFromResponse(call.ID, out.resp)
	case <-callCtx.Done():
		res, _ := contextFailure(ctx, callCtx, call.ID, timeout)
		logger.Warn("tool call interrupted", "reason", string(res.Failure.Kind))
		return res
	}
}

// contextFailure maps an expired call context to a cancelled or timed out
// result. It reports false while both contexts are live.
func contextFailure(parent, callCtx context.Context, callID string, timeout time.Duration) (models.ToolResult, bool) {
	if parent.Err() != nil {
		return models.FailedResult(callID, models.ToolFailureCancelled, "tool call cancelled"), true
	}
	if callCtx.Err() != nil {
		return models.FailedResult(callID, models.ToolFailureTimeout, fmt.Sprintf("tool did not finish within %s", timeout)), true
	}
	return models.ToolResult{}, false
}
