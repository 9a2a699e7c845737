// Package pluginsdk defines the contract between the conduit plugin gateway
// and tools that run outside the runtime process, and provides helpers for
// writing such tools.
//
// A sandboxed tool receives exactly one ExecRequest and answers with exactly
// one ExecResponse. In exec mode the request arrives on stdin and the
// response is written to stdout; in http mode both travel as JSON bodies of a
// single POST.
package pluginsdk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is sent to exec plugins in the CONDUIT_PLUGIN_PROTOCOL
// environment variable and to http plugins in the X-Conduit-Plugin-Protocol
// header.
const ProtocolVersion = "1"

const (
	ProtocolEnv    = "CONDUIT_PLUGIN_PROTOCOL"
	ProtocolHeader = "X-Conduit-Plugin-Protocol"
)

// Status is the outcome reported by a plugin.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Failure kinds a plugin may report. They share their values with the
// runtime's tool failure taxonomy.
const (
	KindUnknownTool      = "unknown_tool"
	KindInvalidArguments = "invalid_arguments"
	KindExecution        = "tool_execution_failed"
	KindTimeout          = "tool_timeout"
)

// ExecRequest asks a plugin to run one tool call.
type ExecRequest struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	// TimeoutMs is the deadline the gateway enforces. Plugins may use it to
	// bound their own work; the gateway kills or abandons them regardless.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// ExecResponse carries the result of one tool call.
type ExecResponse struct {
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OK builds a successful response.
func OK(payload json.RawMessage) *ExecResponse {
	return &ExecResponse{Status: StatusOK, Payload: payload}
}

// Failure builds a failed response.
func Failure(kind, message string) *ExecResponse {
	if kind == "" {
		kind = KindExecution
	}
	return &ExecResponse{Status: StatusError, Kind: kind, Message: message}
}

// ErrMalformedResponse is returned when a plugin answer does not follow the
// protocol.
var ErrMalformedResponse = errors.New("malformed plugin response")

// Validate checks the response against the protocol.
func (r *ExecResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	switch r.Status {
	case StatusOK:
		if len(r.Payload) > 0 && !json.Valid(r.Payload) {
			return fmt.Errorf("%w: payload is not valid JSON", ErrMalformedResponse)
		}
	case StatusError:
		if r.Message == "" && r.Kind == "" {
			return fmt.Errorf("%w: error status without kind or message", ErrMalformedResponse)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, r.Status)
	}
	return nil
}

// DecodeResponse parses and validates a plugin answer.
func DecodeResponse(data []byte) (*ExecResponse, error) {
	var resp ExecResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}
