package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// Loader resolves the plugins and mcp_servers sections of a configuration
// into descriptors.
type Loader struct {
	// Builtins are the in-process tools that builtin entries may enable.
	Builtins map[string]pluginsdk.Tool
	// MCP owns the MCP sessions. Nil disables mcp_servers.
	MCP *MCPManager
	// BaseDir resolves relative manifest paths and working directories.
	BaseDir    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Sync loads descriptors for cfg and swaps them into reg. On error the
// registry keeps its previous tools.
func (l *Loader) Sync(ctx context.Context, reg *Registry, cfg *config.Config) error {
	descs, err := l.Descriptors(ctx, cfg)
	if err != nil {
		return err
	}
	if err := reg.Replace(descs); err != nil {
		return err
	}
	l.logger().Info("tool registry loaded", "tools", len(descs))
	return nil
}

// Descriptors resolves every configured tool.
func (l *Loader) Descriptors(ctx context.Context, cfg *config.Config) ([]Descriptor, error) {
	var descs []Descriptor
	for _, p := range cfg.Plugins.Tools {
		resolved, err := l.plugin(p)
		if err != nil {
			return nil, err
		}
		descs = append(descs, resolved...)
	}

	if len(cfg.MCPServers) > 0 {
		if l.MCP == nil {
			return nil, fmt.Errorf("mcp_servers configured without an MCP manager")
		}
		if err := l.syncMCP(ctx, cfg.MCPServers); err != nil {
			return nil, err
		}
		mcpDescs, err := l.MCP.Descriptors(ctx)
		if err != nil {
			return nil, err
		}
		descs = append(descs, mcpDescs...)
	}
	return descs, nil
}

// ManifestPaths returns the manifest files referenced by cfg, for watching.
func (l *Loader) ManifestPaths(cfg *config.Config) []string {
	var paths []string
	for _, p := range cfg.Plugins.Tools {
		if p.Manifest != "" {
			paths = append(paths, l.resolve(p.Manifest))
		}
	}
	return paths
}

func (l *Loader) plugin(p config.PluginConfig) ([]Descriptor, error) {
	mode := Mode(strings.ToLower(p.Mode))
	switch mode {
	case ModeBuiltin:
		tool, ok := l.Builtins[p.Name]
		if !ok {
			return nil, fmt.Errorf("plugin %s: unknown builtin tool", p.Name)
		}
		d := BuiltinDescriptor(tool, p.Timeout)
		if p.Description != "" {
			d.Description = p.Description
		}
		return []Descriptor{d}, nil
	case ModeExec, ModeHTTP:
	default:
		return nil, fmt.Errorf("plugin %s: unsupported mode %q", p.Name, p.Mode)
	}

	ex := l.executor(mode, p)
	if p.Manifest == "" {
		schema, err := encodeSchema(p.Schema)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
		}
		return []Descriptor{{
			Name:        p.Name,
			Description: p.Description,
			Schema:      schema,
			Mode:        mode,
			Timeout:     p.Timeout,
			Source:      "config",
			Executor:    ex,
		}}, nil
	}

	path := l.resolve(p.Manifest)
	manifest, err := pluginsdk.DecodeManifestFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	descs := make([]Descriptor, 0, len(manifest.Tools))
	for _, tool := range manifest.Tools {
		timeout := p.Timeout
		if tool.TimeoutMs > 0 {
			timeout = time.Duration(tool.TimeoutMs) * time.Millisecond
		}
		descs = append(descs, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
			Mode:        mode,
			Timeout:     timeout,
			Source:      path,
			Executor:    ex,
		})
	}
	return descs, nil
}

func (l *Loader) executor(mode Mode, p config.PluginConfig) Executor {
	if mode == ModeHTTP {
		return &HTTPExecutor{URL: p.URL, Headers: p.Headers, Client: l.HTTPClient}
	}
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	dir := p.Dir
	if dir != "" {
		dir = l.resolve(dir)
	}
	return &ProcessExecutor{
		Command:    p.Command,
		Args:       p.Args,
		Env:        env,
		InheritEnv: p.InheritEnv,
		Dir:        dir,
		Logger:     l.logger(),
	}
}

func (l *Loader) syncMCP(ctx context.Context, servers []config.MCPServerConfig) error {
	wanted := make(map[string]struct{}, len(servers))
	var errs []error
	for _, s := range servers {
		wanted[s.Name] = struct{}{}
		if l.MCP.Connected(s.Name) {
			continue
		}
		server := MCPServer{
			Name:       s.Name,
			Command:    s.Command,
			Args:       s.Args,
			Env:        s.Env,
			InheritEnv: s.InheritEnv,
			Dir:        s.Dir,
			URL:        s.URL,
			Headers:    s.Headers,
			Timeout:    s.Timeout,
			Tools:      s.Tools,
		}
		if server.Dir != "" {
			server.Dir = l.resolve(server.Dir)
		}
		if err := l.MCP.Connect(ctx, server); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range l.MCP.Servers() {
		if _, ok := wanted[name]; !ok {
			if err := l.MCP.Disconnect(name); err != nil {
				l.logger().Warn("mcp disconnect failed", "server", name, "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) resolve(path string) string {
	if filepath.IsAbs(path) || l.BaseDir == "" {
		return path
	}
	return filepath.Join(l.BaseDir, path)
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func encodeSchema(schema map[string]any) (json.RawMessage, error) {
	if len(schema) == 0 {
		return pluginsdk.EmptyObjectSchema, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return data, nil
}
