package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/pkg/models"
)

// fakeTools is a ToolGateway serving a fixed tool set.
type fakeTools struct {
	specs map[string]ToolSpec
	run   func(ctx context.Context, call models.ToolCall) models.ToolResult

	invoked atomic.Int32
	mu      sync.Mutex
	names   []string
}

func newFakeTools(run func(ctx context.Context, call models.ToolCall) models.ToolResult, names ...string) *fakeTools {
	ft := &fakeTools{specs: make(map[string]ToolSpec), run: run}
	for _, n := range names {
		ft.specs[n] = ToolSpec{Name: n, Schema: json.RawMessage(`{"type":"object"}`)}
	}
	return ft
}

func (f *fakeTools) Snapshot() ToolSet { return f }

func (f *fakeTools) Specs(names []string) ([]ToolSpec, error) {
	out := make([]ToolSpec, 0, len(names))
	for _, n := range names {
		spec, ok := f.specs[n]
		if !ok {
			return nil, NewError(KindUnknownTool, "unknown tool: "+n)
		}
		out = append(out, spec)
	}
	return out, nil
}

func (f *fakeTools) Invoke(ctx context.Context, call models.ToolCall) models.ToolResult {
	f.invoked.Add(1)
	f.mu.Lock()
	f.names = append(f.names, call.Name)
	f.mu.Unlock()
	return f.run(ctx, call)
}

func calculator(_ context.Context, call models.ToolCall) models.ToolResult {
	var args struct{ A, B float64 }
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return models.FailedResult(call.ID, models.ToolFailureInvalidArguments, err.Error())
	}
	payload, _ := json.Marshal(map[string]float64{"sum": args.A + args.B})
	return models.SuccessResult(call.ID, payload)
}

func testProvider() ProviderConfig {
	return ProviderConfig{ID: "test", Kind: ProviderOpenAI, Model: "test-model"}
}

func userTurn(conversationID, text string, tools ...string) DispatchRequest {
	return DispatchRequest{
		ConversationID: conversationID,
		Conversation:   models.Conversation{{Role: models.RoleUser, Content: text}},
		EnabledTools:   tools,
		Provider:       testProvider(),
	}
}

func newTestDispatcher(adapter ProviderAdapter, tools ToolGateway, cfg DispatcherConfig) *Dispatcher {
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Policy{Initial: time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	}
	return NewDispatcher(NewAdapterRegistry(adapter), tools, WithConfig(cfg))
}

func dispatchAll(t *testing.T, d *Dispatcher, req DispatchRequest) []*StreamDelta {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	out := drain(stream)
	if ctx.Err() != nil {
		t.Fatal("turn did not finish in time")
	}
	return out
}

// terminal asserts exactly one terminal delta, last in the stream.
func terminal(t *testing.T, ds []*StreamDelta) *StreamDelta {
	t.Helper()
	count := 0
	for _, d := range ds {
		if d.IsTerminal() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("terminal deltas = %d, want 1", count)
	}
	last := ds[len(ds)-1]
	if !last.IsTerminal() {
		t.Fatalf("last delta %+v is not terminal", last)
	}
	return last
}

func messages(ds []*StreamDelta) []models.Message {
	var out []models.Message
	for _, d := range ds {
		if d.Type == DeltaMessage {
			out = append(out, *d.Message)
		}
	}
	return out
}

func events(ds []*StreamDelta, typ models.RuntimeEventType) []*models.RuntimeEvent {
	var out []*models.RuntimeEvent
	for _, d := range ds {
		if d.Type == DeltaEvent && d.Event.Type == typ {
			out = append(out, d.Event)
		}
	}
	return out
}

func staticStreams(sources ...func() FrameSource) func(int, *ProviderRequest) (FrameSource, error) {
	return func(call int, _ *ProviderRequest) (FrameSource, error) {
		if call >= len(sources) {
			return nil, fmt.Errorf("unexpected provider call %d", call)
		}
		return sources[call](), nil
	}
}

func frames(fs ...Frame) func() FrameSource {
	return func() FrameSource { return &scriptSource{frames: fs} }
}

func toolCallFrame(index int, id, name, args string) Frame {
	return deltas(ToolCallFragment(index, id, name, args))
}

func TestDispatcher_SimpleAnswer(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(deltas(TextDelta("4")), deltas(UsageDelta(5, 1), FinishDelta(FinishStop))),
	)}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{})

	out := dispatchAll(t, d, userTurn("conv", "2+2?"))

	last := terminal(t, out)
	if last.Type != DeltaFinish || last.FinishReason != FinishStop {
		t.Fatalf("terminal = %+v", last)
	}
	msgs := messages(out)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Content != "4" {
		t.Errorf("messages = %+v", msgs)
	}
	if d.Sessions().Active() != 0 {
		t.Error("session not released")
	}

	reqs := adapter.Requests()
	if len(reqs) != 1 || len(reqs[0].Messages) != 1 || !reqs[0].Stream {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestDispatcher_SystemPromptSeparated(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(frames(deltas(FinishDelta(FinishStop))))}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{})

	req := userTurn("conv", "hi")
	req.Conversation = append(models.Conversation{{Role: models.RoleSystem, Content: "be brief"}}, req.Conversation...)
	dispatchAll(t, d, req)

	got := adapter.Requests()[0]
	if got.System != "be brief" || len(got.Messages) != 1 {
		t.Errorf("request system = %q, messages = %d", got.System, len(got.Messages))
	}
}

func TestDispatcher_CalculatorRecursion(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(
			toolCallFrame(0, "call_1", "calculator", `{"a":2,`),
			toolCallFrame(0, "", "", `"b":2}`),
			deltas(FinishDelta(FinishToolCalls)),
		),
		frames(deltas(TextDelta("The sum is 4.")), deltas(FinishDelta(FinishStop))),
	)}
	tools := newFakeTools(calculator, "calculator")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{})

	out := dispatchAll(t, d, userTurn("conv", "add 2 and 2", "calculator"))

	if last := terminal(t, out); last.Type != DeltaFinish || last.FinishReason != FinishStop {
		t.Fatalf("terminal = %+v", last)
	}
	msgs := messages(out)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(msgs), msgs)
	}
	if len(msgs[0].ToolCalls) != 1 || string(msgs[0].ToolCalls[0].Input) != `{"a":2,"b":2}` {
		t.Errorf("assistant tool call = %+v", msgs[0].ToolCalls)
	}
	if msgs[1].Role != models.RoleTool || string(msgs[1].ToolResult.Payload) != `{"sum":4}` {
		t.Errorf("tool message = %+v", msgs[1])
	}
	if msgs[2].Content != "The sum is 4." {
		t.Errorf("final message = %+v", msgs[2])
	}

	reqs := adapter.Requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "calculator" {
		t.Errorf("declared tools = %+v", reqs[0].Tools)
	}
	followUp := reqs[1].Messages
	if len(followUp) != 3 || followUp[2].ToolResult == nil || followUp[2].ToolResult.ToolCallID != "call_1" {
		t.Errorf("follow-up messages = %+v", followUp)
	}
	if len(events(out, models.EventToolCompleted)) != 1 {
		t.Error("missing tool_completed event")
	}
}

func TestDispatcher_ToolMessagesOrderedByIndex(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(
			toolCallFrame(2, "c", "echo", `{"n":2}`),
			toolCallFrame(0, "a", "echo", `{"n":0}`),
			toolCallFrame(1, "b", "echo", `{"n":1}`),
			deltas(FinishDelta(FinishToolCalls)),
		),
		frames(deltas(FinishDelta(FinishStop))),
	)}
	// Earlier calls finish last so that completion order differs from index order.
	tools := newFakeTools(func(ctx context.Context, call models.ToolCall) models.ToolResult {
		var args struct{ N int }
		_ = json.Unmarshal(call.Input, &args)
		select {
		case <-time.After(time.Duration(3-args.N) * 20 * time.Millisecond):
		case <-ctx.Done():
		}
		return models.TextResult(call.ID, fmt.Sprint(args.N))
	}, "echo")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{})

	out := dispatchAll(t, d, userTurn("conv", "three", "echo"))
	terminal(t, out)

	msgs := messages(out)
	var toolMsgs []models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("tool messages = %d, want 3", len(toolMsgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := toolMsgs[i].ToolResult.ToolCallID; got != want {
			t.Errorf("tool message %d id = %q, want %q", i, got, want)
		}
		if toolMsgs[i].Content != fmt.Sprint(i) {
			t.Errorf("tool message %d content = %q", i, toolMsgs[i].Content)
		}
	}
	if calls := msgs[0].ToolCalls; len(calls) != 3 || calls[0].ID != "a" || calls[2].ID != "c" {
		t.Errorf("assistant tool calls = %+v", calls)
	}
}

func TestDispatcher_UnknownToolIsNotExecuted(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(toolCallFrame(0, "x", "delete_everything", `{}`), deltas(FinishDelta(FinishToolCalls))),
		frames(deltas(TextDelta("sorry")), deltas(FinishDelta(FinishStop))),
	)}
	tools := newFakeTools(calculator, "calculator", "delete_everything")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{})

	// delete_everything is registered but not enabled for this turn.
	out := dispatchAll(t, d, userTurn("conv", "do it", "calculator"))

	if last := terminal(t, out); last.Type != DeltaFinish {
		t.Fatalf("terminal = %+v", last)
	}
	if n := tools.invoked.Load(); n != 0 {
		t.Errorf("tool invoked %d times", n)
	}
	msgs := messages(out)
	res := msgs[1].ToolResult
	if res == nil || res.Success || res.Failure.Kind != models.ToolFailureUnknownTool {
		t.Errorf("tool result = %+v", res)
	}
	if len(events(out, models.EventToolFailed)) != 1 {
		t.Error("missing tool_failed event")
	}
}

func TestDispatcher_InvalidArgumentsAreNotExecuted(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(
			toolCallFrame(0, "bad", "calculator", `{"a":`),
			toolCallFrame(1, "good", "calculator", `{"a":1,"b":2}`),
			deltas(FinishDelta(FinishToolCalls)),
		),
		frames(deltas(FinishDelta(FinishStop))),
	)}
	tools := newFakeTools(calculator, "calculator")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{})

	out := dispatchAll(t, d, userTurn("conv", "add", "calculator"))
	terminal(t, out)

	if n := tools.invoked.Load(); n != 1 {
		t.Errorf("tool invoked %d times, want 1", n)
	}
	msgs := messages(out)
	if bad := msgs[1].ToolResult; bad.Success || bad.Failure.Kind != models.ToolFailureInvalidArguments {
		t.Errorf("invalid call result = %+v", bad)
	}
	if good := msgs[2].ToolResult; !good.Success || string(good.Payload) != `{"sum":3}` {
		t.Errorf("valid call result = %+v", good)
	}
}

func TestDispatcher_TooManyIterations(t *testing.T) {
	adapter := &scriptAdapter{open: func(call int, _ *ProviderRequest) (FrameSource, error) {
		id := fmt.Sprintf("call_%d", call)
		return &scriptSource{frames: []Frame{
			toolCallFrame(0, id, "calculator", `{"a":1,"b":1}`),
			deltas(FinishDelta(FinishToolCalls)),
		}}, nil
	}}
	tools := newFakeTools(calculator, "calculator")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{MaxIterations: 2})

	out := dispatchAll(t, d, userTurn("conv", "loop", "calculator"))

	last := terminal(t, out)
	if last.Type != DeltaError || last.Error.Kind != KindTooManyIterations {
		t.Fatalf("terminal = %+v", last)
	}
	if n := len(adapter.Requests()); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func TestDispatcher_CancelReleasesSession(t *testing.T) {
	var src *scriptSource
	adapter := &scriptAdapter{open: func(int, *ProviderRequest) (FrameSource, error) {
		src = &scriptSource{frames: []Frame{deltas(TextDelta("partial"))}, hold: true}
		return src, nil
	}}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{})

	stream, err := d.Dispatch(context.Background(), userTurn("conv", "long story"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	for delta := range stream {
		if delta.Type == DeltaText {
			break
		}
	}
	if !d.Cancel("conv") {
		t.Fatal("Cancel() = false")
	}

	done := make(chan []*StreamDelta)
	go func() { done <- drain(stream) }()
	select {
	case rest := <-done:
		for _, delta := range rest {
			if delta.IsTerminal() || delta.IsContent() {
				t.Errorf("delta after cancel: %+v", delta)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
	if d.Sessions().Active() != 0 {
		t.Error("session not released after cancel")
	}
	if !src.closed.Load() {
		t.Error("provider stream not closed after cancel")
	}
}

func TestDispatcher_CancelDropsBufferedDeltas(t *testing.T) {
	fs := make([]Frame, 40)
	for i := range fs {
		fs[i] = deltas(TextDelta(fmt.Sprintf("chunk %d ", i)))
	}
	adapter := &scriptAdapter{open: func(int, *ProviderRequest) (FrameSource, error) {
		return &scriptSource{frames: fs, hold: true}, nil
	}}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{StreamBuffer: 32})

	stream, err := d.Dispatch(context.Background(), userTurn("conv", "long story"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	<-stream
	// Let the turn run ahead of the caller and fill its buffer.
	time.Sleep(200 * time.Millisecond)
	if !d.Cancel("conv") {
		t.Fatal("Cancel() = false")
	}

	content := 0
	for delta := range stream {
		if delta.IsContent() || delta.IsTerminal() {
			content++
		}
	}
	if content != 0 {
		t.Errorf("deltas delivered after Cancel = %d, want 0", content)
	}
	if d.Sessions().Active() != 0 {
		t.Error("session not released after cancel")
	}
}

func TestDispatcher_RecordsTurnUsage(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(toolCallFrame(0, "c1", "calculator", `{"a":2,"b":2}`), deltas(UsageDelta(10, 3), FinishDelta(FinishToolCalls))),
		frames(deltas(TextDelta("4")), deltas(UsageDelta(14, 1), FinishDelta(FinishStop))),
	)}
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	d := NewDispatcher(NewAdapterRegistry(adapter), newFakeTools(calculator, "calculator"),
		WithConfig(DispatcherConfig{}),
		WithTracer(tp.Tracer("test")),
	)

	dispatchAll(t, d, userTurn("conv", "2+2?", "calculator"))

	var turnSpan sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "conduit.turn" {
			turnSpan = span
		}
	}
	if turnSpan == nil {
		t.Fatal("turn span not recorded")
	}
	got := make(map[attribute.Key]int64)
	for _, kv := range turnSpan.Attributes() {
		got[kv.Key] = kv.Value.AsInt64()
	}
	if got["usage.prompt_tokens"] != 24 || got["usage.completion_tokens"] != 4 {
		t.Errorf("usage attributes = %v", got)
	}
}

func TestNewDispatcher_WarnsOnInvalidRedactPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	d := NewDispatcher(NewAdapterRegistry(), nil,
		WithLogger(logger),
		WithConfig(DispatcherConfig{ToolResultGuard: ToolResultGuard{RedactPatterns: []string{"sk-[a-z]+", "("}}}),
	)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "skipping invalid tool result redact patterns") {
		t.Fatalf("log output = %q", out)
	}
	res := d.cfg.ToolResultGuard.Apply(models.TextResult("c1", "key sk-abc"))
	if strings.Contains(res.Content, "sk-abc") {
		t.Errorf("valid pattern not applied: %s", res.Content)
	}
}

func TestDispatcher_CancelStopsTools(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(
		frames(toolCallFrame(0, "s", "sleep", `{}`), deltas(FinishDelta(FinishToolCalls))),
	)}
	started := make(chan struct{})
	var stopped atomic.Bool
	tools := newFakeTools(func(ctx context.Context, call models.ToolCall) models.ToolResult {
		close(started)
		<-ctx.Done()
		stopped.Store(true)
		return models.FailedResult(call.ID, models.ToolFailureCancelled, ctx.Err().Error())
	}, "sleep")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := d.Dispatch(ctx, userTurn("conv", "wait", "sleep"))
	if err != nil {
		t.Fatal(err)
	}
	<-started
	cancel()

	for delta := range stream {
		if delta.IsTerminal() {
			t.Errorf("terminal delta after cancel: %+v", delta)
		}
	}
	if !stopped.Load() {
		t.Error("tool did not observe cancellation")
	}
	if len(adapter.Requests()) != 1 {
		t.Error("turn recursed after cancel")
	}
}

func TestDispatcher_RetriesBeforeContent(t *testing.T) {
	adapter := &scriptAdapter{open: func(call int, _ *ProviderRequest) (FrameSource, error) {
		if call == 0 {
			return nil, NewError(KindRateLimited, "slow down").WithRetryAfter(5 * time.Millisecond)
		}
		return &scriptSource{frames: []Frame{deltas(TextDelta("ok"), FinishDelta(FinishStop))}}, nil
	}}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{MaxRetries: 2})

	out := dispatchAll(t, d, userTurn("conv", "hi"))

	if last := terminal(t, out); last.Type != DeltaFinish {
		t.Fatalf("terminal = %+v", last)
	}
	retries := events(out, models.EventRetrying)
	if len(retries) != 1 {
		t.Fatalf("retry events = %d, want 1", len(retries))
	}
	if retries[0].Meta["kind"] != string(KindRateLimited) {
		t.Errorf("retry meta = %+v", retries[0].Meta)
	}
}

func TestDispatcher_NoRetryAfterContent(t *testing.T) {
	adapter := &scriptAdapter{open: func(int, *ProviderRequest) (FrameSource, error) {
		return &scriptSource{
			frames: []Frame{deltas(TextDelta("par"))},
			err:    NewError(KindProviderUnavailable, "server error"),
		}, nil
	}}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{MaxRetries: 3})

	out := dispatchAll(t, d, userTurn("conv", "hi"))

	last := terminal(t, out)
	if last.Type != DeltaError || last.Error.Kind != KindProviderUnavailable || !last.Error.Retryable {
		t.Fatalf("terminal = %+v", last)
	}
	if n := len(adapter.Requests()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestDispatcher_NonRetryableSurfacesImmediately(t *testing.T) {
	adapter := &scriptAdapter{open: func(int, *ProviderRequest) (FrameSource, error) {
		return nil, NewError(KindAuth, "bad key").WithStatus(401)
	}}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{MaxRetries: 3})

	out := dispatchAll(t, d, userTurn("conv", "hi"))

	last := terminal(t, out)
	if last.Error == nil || last.Error.Kind != KindAuth || last.Error.Retryable {
		t.Fatalf("terminal = %+v", last)
	}
	if n := len(adapter.Requests()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestDispatcher_Validation(t *testing.T) {
	adapter := &scriptAdapter{open: func(int, *ProviderRequest) (FrameSource, error) {
		return &scriptSource{hold: true}, nil
	}}
	tools := newFakeTools(calculator, "calculator")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{})
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, DispatchRequest{Provider: testProvider()}); !errors.Is(err, ErrEmptyConversation) {
		t.Errorf("empty conversation error = %v", err)
	}

	req := userTurn("conv", "hi")
	req.Provider.Kind = ProviderGemini
	if _, err := d.Dispatch(ctx, req); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unregistered provider error = %v", err)
	}

	req = userTurn("conv", "hi")
	req.Provider.Kind = ""
	if _, err := d.Dispatch(ctx, req); !errors.Is(err, ErrNoProvider) {
		t.Errorf("missing provider error = %v", err)
	}

	if _, err := d.Dispatch(ctx, userTurn("conv", "hi", "nope")); KindOf(err) != KindUnknownTool {
		t.Errorf("unknown enabled tool error = %v", err)
	}

	stream, err := d.Dispatch(ctx, userTurn("conv", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch(ctx, userTurn("conv", "again")); !errors.Is(err, ErrSessionActive) {
		t.Errorf("concurrent turn error = %v", err)
	}
	d.Cancel("conv")
	drain(stream)
}

func TestDispatcher_ParamsOverride(t *testing.T) {
	adapter := &scriptAdapter{open: staticStreams(frames(deltas(FinishDelta(FinishStop))))}
	d := newTestDispatcher(adapter, nil, DispatcherConfig{})

	req := userTurn("conv", "hi")
	temp, override := 0.2, 0.9
	req.Provider.Params = GenerationParams{Temperature: &temp, MaxTokens: 10}
	req.Params = &GenerationParams{Temperature: &override}
	dispatchAll(t, d, req)

	got := adapter.Requests()[0].Params
	if *got.Temperature != 0.9 || got.MaxTokens != 10 {
		t.Errorf("params = %+v", got)
	}
}

func TestDispatcher_ConcurrentTurnsAreIndependent(t *testing.T) {
	adapter := &scriptAdapter{open: func(int, *ProviderRequest) (FrameSource, error) {
		return &scriptSource{frames: []Frame{
			toolCallFrame(0, "", "calculator", `{"a":2,"b":2}`),
			deltas(FinishDelta(FinishToolCalls)),
		}}, nil
	}}
	// Every turn recurses once and then stops because the limit is 2.
	tools := newFakeTools(calculator, "calculator")
	d := newTestDispatcher(adapter, tools, DispatcherConfig{MaxIterations: 2})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := d.Dispatch(context.Background(), userTurn(fmt.Sprintf("conv-%d", i), "go", "calculator"))
			if err != nil {
				t.Errorf("turn %d: Dispatch() error = %v", i, err)
				return
			}
			out := drain(stream)
			if last := out[len(out)-1]; last.Type != DeltaError || last.Error.Kind != KindTooManyIterations {
				t.Errorf("turn %d terminal = %+v", i, last)
			}
		}()
	}
	wg.Wait()
	if d.Sessions().Active() != 0 {
		t.Errorf("active sessions = %d", d.Sessions().Active())
	}
}
