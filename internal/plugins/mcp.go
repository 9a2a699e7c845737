package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// MCPServer configures one Model Context Protocol server. Command starts a
// stdio server; URL connects to a streamable HTTP server.
type MCPServer struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// InheritEnv names parent variables passed to a stdio server besides
	// the base allowlist.
	InheritEnv []string
	Dir        string
	URL        string
	Headers    map[string]string
	// Timeout bounds each tool call on this server.
	Timeout time.Duration
	// Tools limits which remote tools are registered. Empty registers all.
	Tools []string
}

func (s MCPServer) transport() (mcp.Transport, error) {
	switch {
	case s.Command != "":
		cmd := exec.Command(s.Command, s.Args...)
		cmd.Dir = s.Dir
		cmd.Env = childEnv(s.InheritEnv, formatEnv(s.Env))
		return &mcp.CommandTransport{Command: cmd}, nil
	case s.URL != "":
		client := &http.Client{}
		if len(s.Headers) > 0 {
			client.Transport = &headerTransport{base: http.DefaultTransport, headers: s.Headers}
		}
		return &mcp.StreamableClientTransport{Endpoint: s.URL, HTTPClient: client}, nil
	default:
		return nil, fmt.Errorf("mcp server %s: command or url is required", s.Name)
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func formatEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type mcpConn struct {
	server  MCPServer
	session *mcp.ClientSession
}

// MCPManager owns the client sessions of the configured MCP servers and
// exposes their tools as descriptors named "<server>_<tool>".
//
// Thread Safety:
// All methods are safe for concurrent use.
type MCPManager struct {
	client *mcp.Client
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*mcpConn
}

// NewMCPManager creates a manager that identifies itself with version.
func NewMCPManager(version string, logger *slog.Logger) *MCPManager {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	return &MCPManager{
		client: mcp.NewClient(&mcp.Implementation{Name: "conduit", Version: version}, nil),
		logger: logger.With("component", "mcp"),
		conns:  make(map[string]*mcpConn),
	}
}

// Connect starts or dials the server and performs the MCP handshake.
func (m *MCPManager) Connect(ctx context.Context, server MCPServer) error {
	t, err := server.transport()
	if err != nil {
		return err
	}
	return m.ConnectTransport(ctx, server, t)
}

// ConnectTransport connects server over an explicit transport.
func (m *MCPManager) ConnectTransport(ctx context.Context, server MCPServer, t mcp.Transport) error {
	if strings.TrimSpace(server.Name) == "" {
		return fmt.Errorf("mcp server name is required")
	}
	m.mu.Lock()
	_, exists := m.conns[server.Name]
	m.mu.Unlock()
	if exists {
		return fmt.Errorf("mcp server %s is already connected", server.Name)
	}

	session, err := m.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server %s: %w", server.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[server.Name]; exists {
		_ = session.Close()
		return fmt.Errorf("mcp server %s is already connected", server.Name)
	}
	m.conns[server.Name] = &mcpConn{server: server, session: session}
	m.logger.Info("mcp server connected", "server", server.Name)
	return nil
}

// Servers returns the connected server names in sorted order.
func (m *MCPManager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors lists the tools of every connected server.
func (m *MCPManager) Descriptors(ctx context.Context) ([]Descriptor, error) {
	var descs []Descriptor
	used := make(map[string]struct{})
	for _, name := range m.Servers() {
		m.mu.Lock()
		conn := m.conns[name]
		m.mu.Unlock()
		if conn == nil {
			continue
		}
		serverDescs, err := conn.descriptors(ctx, used)
		if err != nil {
			return nil, err
		}
		descs = append(descs, serverDescs...)
	}
	return descs, nil
}

func (c *mcpConn) descriptors(ctx context.Context, used map[string]struct{}) ([]Descriptor, error) {
	allow := make(map[string]struct{}, len(c.server.Tools))
	for _, name := range c.server.Tools {
		allow[name] = struct{}{}
	}

	var descs []Descriptor
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools of mcp server %s: %w", c.server.Name, err)
		}
		if len(allow) > 0 {
			if _, ok := allow[tool.Name]; !ok {
				continue
			}
		}
		descs = append(descs, Descriptor{
			Name:        namespacedToolName(c.server.Name, tool.Name, used),
			Description: mcpDescription(c.server.Name, tool),
			Schema:      mcpSchema(tool.InputSchema),
			Mode:        ModeMCP,
			Timeout:     c.server.Timeout,
			Source:      "mcp:" + c.server.Name,
			Executor:    &MCPExecutor{session: c.session, server: c.server.Name, remote: tool.Name},
		})
	}
	return descs, nil
}

func mcpDescription(server string, tool *mcp.Tool) string {
	if tool.Description == "" {
		return fmt.Sprintf("MCP tool %s from %s", tool.Name, server)
	}
	return tool.Description
}

func mcpSchema(schema any) json.RawMessage {
	if schema == nil {
		return pluginsdk.EmptyObjectSchema
	}
	if raw, ok := schema.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return pluginsdk.EmptyObjectSchema
	}
	return data
}

// Disconnect ends the session of one server. Unknown names are ignored.
func (m *MCPManager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.Info("mcp server disconnected", "server", name)
	return conn.session.Close()
}

// Connected reports whether a session for name is open.
func (m *MCPManager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[name]
	return ok
}

// Close ends every session.
func (m *MCPManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*mcpConn)
	m.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// MCPExecutor calls one remote tool through an MCP session.
type MCPExecutor struct {
	session *mcp.ClientSession
	server  string
	remote  string
}

// Execute calls the remote tool on the server session.
func (e *MCPExecutor) Execute(ctx context.Context, req *pluginsdk.ExecRequest) (*pluginsdk.ExecResponse, error) {
	var args map[string]any
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return pluginsdk.Failure(pluginsdk.KindInvalidArguments, err.Error()), nil
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := e.session.CallTool(ctx, &mcp.CallToolParams{Name: e.remote, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mcp server %s: call %s: %w", e.server, e.remote, err)
	}
	if res.IsError {
		msg := formatMCPContent(res.Content)
		if msg == "" {
			msg = "MCP tool returned an error"
		}
		return pluginsdk.Failure(pluginsdk.KindExecution, msg), nil
	}
	if res.StructuredContent != nil {
		if payload, err := json.Marshal(res.StructuredContent); err == nil {
			return pluginsdk.OK(payload), nil
		}
	}
	payload, err := json.Marshal(formatMCPContent(res.Content))
	if err != nil {
		return nil, fmt.Errorf("encode mcp result: %w", err)
	}
	return pluginsdk.OK(payload), nil
}

func formatMCPContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch c := item.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[Image: %s]", c.MIMEType))
		case *mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[Audio: %s]", c.MIMEType))
		default:
			data, err := json.Marshal(item)
			if err != nil {
				parts = append(parts, fmt.Sprintf("[Unknown content type: %T]", item))
				continue
			}
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}
