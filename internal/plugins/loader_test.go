package plugins

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

const testManifest = `{
  "id": "math",
  "version": "0.0.1",
  "tools": [
    {"name": "sum", "description": "Adds two numbers", "schema": {"type": "object", "properties": {"a": {"type": "number"}, "b": {"type": "number"}}, "required": ["a", "b"]}},
    {"name": "protocol", "timeout_ms": 1500}
  ]
}`

func testLoader(t *testing.T) *Loader {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, pluginsdk.ManifestFilename), []byte(testManifest), 0o600); err != nil {
		t.Fatal(err)
	}
	return &Loader{
		Builtins: map[string]pluginsdk.Tool{"sum": testSumTool()},
		BaseDir:  dir,
	}
}

func TestLoader_Descriptors(t *testing.T) {
	l := testLoader(t)
	srv := httptest.NewServer(mustToolbox(t).HTTPHandler())
	defer srv.Close()

	cfg := &config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{
		{Name: "sum", Mode: "builtin", Description: "Add"},
		{Name: "math", Mode: "exec", Manifest: pluginsdk.ManifestFilename, Command: os.Args[0], Args: []string{"-test.run=^$"}, Env: map[string]string{testPluginEnv: "serve"}, Timeout: 5 * time.Second},
		{Name: "remote_sum", Mode: "HTTP", URL: srv.URL, Schema: map[string]any{"type": "object"}},
	}}}

	descs, err := l.Descriptors(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Descriptors() error = %v", err)
	}
	if len(descs) != 4 {
		t.Fatalf("descriptors = %d, want 4", len(descs))
	}

	if d := descs[0]; d.Mode != ModeBuiltin || d.Description != "Add" || d.Source != "builtin" {
		t.Errorf("builtin = %+v", d)
	}
	if d := descs[1]; d.Name != "sum" || d.Mode != ModeExec || d.Timeout != 5*time.Second || !strings.HasSuffix(d.Source, pluginsdk.ManifestFilename) {
		t.Errorf("manifest sum = %+v", d)
	}
	if d := descs[2]; d.Name != "protocol" || d.Timeout != 1500*time.Millisecond {
		t.Errorf("manifest protocol = %+v", d)
	}
	if d := descs[3]; d.Mode != ModeHTTP || d.Source != "config" || string(d.Schema) != `{"type":"object"}` {
		t.Errorf("http = %+v", d)
	}
	if _, ok := descs[3].Executor.(*HTTPExecutor); !ok {
		t.Errorf("http executor = %T", descs[3].Executor)
	}
	if paths := l.ManifestPaths(cfg); len(paths) != 1 || paths[0] != filepath.Join(l.BaseDir, pluginsdk.ManifestFilename) {
		t.Errorf("ManifestPaths() = %v", paths)
	}
}

func TestLoader_Errors(t *testing.T) {
	l := testLoader(t)
	tests := []struct {
		name   string
		cfg    config.Config
		substr string
	}{
		{
			name:   "unknown builtin",
			cfg:    config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{{Name: "nope", Mode: "builtin"}}}},
			substr: "unknown builtin",
		},
		{
			name:   "unsupported mode",
			cfg:    config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{{Name: "x", Mode: "wasm"}}}},
			substr: "unsupported mode",
		},
		{
			name:   "missing manifest",
			cfg:    config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{{Name: "x", Mode: "exec", Command: "x", Manifest: "missing.json"}}}},
			substr: "missing.json",
		},
		{
			name:   "mcp without manager",
			cfg:    config.Config{MCPServers: []config.MCPServerConfig{{Name: "fs", Command: "fs-server"}}},
			substr: "MCP manager",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Descriptors(context.Background(), &tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("Descriptors() error = %v, want %q", err, tt.substr)
			}
		})
	}
}

func TestLoader_SyncKeepsRegistryOnError(t *testing.T) {
	l := testLoader(t)
	reg := NewRegistry()

	good := &config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{{Name: "sum", Mode: "builtin"}}}}
	if err := l.Sync(context.Background(), reg, good); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	bad := &config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{{Name: "nope", Mode: "builtin"}}}}
	if err := l.Sync(context.Background(), reg, bad); err == nil {
		t.Fatal("Sync() accepted a bad config")
	}
	if names := reg.Current().Names(); len(names) != 1 || names[0] != "sum" {
		t.Errorf("registry after failed sync = %v", names)
	}

	res := reg.Snapshot().Invoke(context.Background(), toolCall("sum", `{"a":2,"b":2}`))
	if !res.Success || string(res.Payload) != `{"sum":4}` {
		t.Errorf("Invoke() = %+v", res)
	}
}

func TestLoader_ExecManifestEndToEnd(t *testing.T) {
	l := testLoader(t)
	reg := NewRegistry()
	cfg := &config.Config{Plugins: config.PluginsConfig{Tools: []config.PluginConfig{
		{Name: "math", Mode: "exec", Manifest: pluginsdk.ManifestFilename, Command: os.Args[0], Args: []string{"-test.run=^$"}, Env: map[string]string{testPluginEnv: "serve"}},
	}}}
	if err := l.Sync(context.Background(), reg, cfg); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	res := reg.Snapshot().Invoke(context.Background(), toolCall("sum", `{"a":2,"b":2}`))
	var out map[string]float64
	if !res.Success || json.Unmarshal(res.Payload, &out) != nil || out["sum"] != 4 {
		t.Errorf("Invoke() = %+v", res)
	}
}

func mustToolbox(t *testing.T) *pluginsdk.Toolbox {
	t.Helper()
	tb, err := pluginsdk.NewToolbox("remote", "0.0.1", testSumTool())
	if err != nil {
		t.Fatal(err)
	}
	return tb
}
