package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/conduit/pkg/models"
)

// CallState is the lifecycle state of one tool call being assembled.
type CallState int

const (
	// CallOpening means the call index has been seen but no arguments yet.
	CallOpening CallState = iota
	// CallAccumulating means argument fragments are being appended.
	CallAccumulating
	// CallComplete means the arguments parsed as a JSON object.
	CallComplete
	// CallInvalid means the call could not be completed.
	CallInvalid
)

// String returns the state name.
func (s CallState) String() string {
	switch s {
	case CallOpening:
		return "opening"
	case CallAccumulating:
		return "accumulating"
	case CallComplete:
		return "complete"
	case CallInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// ErrAccumulatorClosed is returned when fragments arrive after Finish.
var ErrAccumulatorClosed = errors.New("tool call accumulator already finished")

// AccumulatedCall is the outcome for one tool call index.
type AccumulatedCall struct {
	Call  models.ToolCall
	State CallState
	Err   error
}

// FailedResult returns the InvalidArguments result reported for an invalid
// call. It returns false for complete calls.
func (c AccumulatedCall) FailedResult() (models.ToolResult, bool) {
	if c.State != CallInvalid {
		return models.ToolResult{}, false
	}
	msg := "invalid tool call"
	if c.Err != nil {
		msg = c.Err.Error()
	}
	res := models.FailedResult(c.Call.ID, models.ToolFailureInvalidArguments, msg)
	res.ToolName = c.Call.Name
	return res, true
}

type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
	state CallState
}

// ToolCallAccumulator reassembles fragmented tool call deltas, keyed by index.
// It is owned by a single turn and is not safe for concurrent use.
type ToolCallAccumulator struct {
	calls    map[int]*pendingCall
	finished bool
	newID    func() string
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		calls: make(map[int]*pendingCall),
		newID: func() string { return "call_" + uuid.NewString() },
	}
}

// Add applies one fragment.
func (a *ToolCallAccumulator) Add(d *ToolCallDelta) error {
	if d == nil {
		return nil
	}
	if a.finished {
		return ErrAccumulatorClosed
	}
	pc, ok := a.calls[d.Index]
	if !ok {
		pc = &pendingCall{index: d.Index, state: CallOpening}
		a.calls[d.Index] = pc
	}
	if pc.id == "" && d.ID != "" {
		pc.id = d.ID
	}
	if pc.name == "" && d.Name != "" {
		pc.name = d.Name
	}
	if d.Arguments != "" {
		pc.args.WriteString(d.Arguments)
		pc.state = CallAccumulating
	}
	return nil
}

// Len returns the number of distinct call indices seen.
func (a *ToolCallAccumulator) Len() int {
	return len(a.calls)
}

// State returns the current state for index.
func (a *ToolCallAccumulator) State(index int) (CallState, bool) {
	pc, ok := a.calls[index]
	if !ok {
		return 0, false
	}
	return pc.state, true
}

// Finish closes the accumulator at end of stream and resolves every call to
// Complete or Invalid. Calls are returned ordered by index.
func (a *ToolCallAccumulator) Finish() []AccumulatedCall {
	a.finished = true

	indices := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]AccumulatedCall, 0, len(indices))
	for pos, idx := range indices {
		pc := a.calls[idx]
		if pc.id == "" {
			pc.id = a.newID()
		}
		call := models.ToolCall{ID: pc.id, Name: pc.name, Index: pos}

		args, err := completeArguments(pc.args.String())
		switch {
		case pc.name == "":
			pc.state = CallInvalid
			err = errors.New("tool call has no name")
			call.Input = json.RawMessage(`{}`)
		case err != nil:
			// Invalid calls still appear in history; providers require an
			// object there, so the raw text only survives in the error.
			pc.state = CallInvalid
			call.Input = json.RawMessage(`{}`)
		default:
			pc.state = CallComplete
			call.Input = args
		}
		out = append(out, AccumulatedCall{Call: call, State: pc.state, Err: err})
	}
	return out
}

func completeArguments(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("arguments are not valid JSON: %s", truncate(trimmed, 200))
	}
	if !bytes.HasPrefix([]byte(trimmed), []byte("{")) {
		return nil, fmt.Errorf("arguments must be a JSON object: %s", truncate(trimmed, 200))
	}
	return json.RawMessage(trimmed), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
