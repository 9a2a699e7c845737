// Package plugins implements the tool gateway: a registry of tool
// descriptors, each bound to an executor that runs in-process, in a child
// process, behind an HTTP endpoint or on an MCP server.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// Mode selects how a tool is executed.
type Mode string

const (
	ModeBuiltin Mode = "builtin"
	ModeExec    Mode = "exec"
	ModeHTTP    Mode = "http"
	ModeMCP     Mode = "mcp"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBuiltin, ModeExec, ModeHTTP, ModeMCP:
		return true
	}
	return false
}

// Sandboxed reports whether tools of this mode run outside the process.
func (m Mode) Sandboxed() bool {
	return m == ModeExec || m == ModeHTTP
}

// Executor runs one tool request. A returned error means the executor could
// not produce a protocol response (crash, transport failure, malformed
// output); tool-level failures travel inside the response.
type Executor interface {
	Execute(ctx context.Context, req *pluginsdk.ExecRequest) (*pluginsdk.ExecResponse, error)
}

// Descriptor registers one tool with the gateway.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Mode        Mode
	// Timeout bounds each call. Zero uses the registry default.
	Timeout time.Duration
	// Source names where the descriptor came from (config entry, manifest
	// path or MCP server) for logs and listings.
	Source   string
	Executor Executor
}

// Validate checks the descriptor and compiles its schema.
func (d Descriptor) Validate() (*jsonschema.Schema, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if !d.Mode.Valid() {
		return nil, fmt.Errorf("tool %s: unknown mode %q", d.Name, d.Mode)
	}
	if d.Executor == nil {
		return nil, fmt.Errorf("tool %s: no executor", d.Name)
	}
	if d.Timeout < 0 {
		return nil, fmt.Errorf("tool %s: negative timeout", d.Name)
	}
	schema, err := pluginsdk.CompileSchema(d.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", d.Name, err)
	}
	return schema, nil
}
