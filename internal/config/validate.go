package config

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/conduit/internal/agent"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate checks cfg after defaults have been applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Issues: []string{"config is nil"}}
	}
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		add("version: %v", err)
	}

	rt := cfg.Runtime
	if rt.MaxIterations < 1 {
		add("runtime.max_iterations must be at least 1")
	}
	if rt.MaxRetries != nil && *rt.MaxRetries < 0 {
		add("runtime.max_retries must not be negative")
	}
	if rt.ToolConcurrency < 1 {
		add("runtime.tool_concurrency must be at least 1")
	}
	if rt.ConnectTimeout < 0 || rt.ReadTimeout < 0 || rt.ToolTimeout < 0 {
		add("runtime timeouts must not be negative")
	}
	if rt.Backoff.Factor != 0 && rt.Backoff.Factor < 1 {
		add("runtime.backoff.factor must be at least 1")
	}
	if rt.Backoff.Jitter < 0 || rt.Backoff.Jitter > 1 {
		add("runtime.backoff.jitter must be between 0 and 1")
	}
	if rt.Backoff.Max != 0 && rt.Backoff.Max < rt.Backoff.Initial {
		add("runtime.backoff.max must not be below runtime.backoff.initial")
	}
	if rt.ToolResult.MaxBytes < 0 {
		add("runtime.tool_result.max_bytes must not be negative")
	}
	for _, pattern := range rt.ToolResult.Denylist {
		if _, err := path.Match(pattern, ""); err != nil {
			add("runtime.tool_result.denylist: invalid pattern %q", pattern)
		}
	}
	for _, pattern := range rt.ToolResult.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			add("runtime.tool_result.redact_patterns: %v", err)
		}
	}

	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := cfg.Providers[id]
		kind, err := agent.ParseProviderKind(p.Kind)
		if err != nil {
			add("providers.%s.kind: %v", id, err)
			continue
		}
		if kind == agent.ProviderAzureOpenAI && p.BaseURL == "" {
			add("providers.%s.base_url is required for azure-openai", id)
		}
	}
	if cfg.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
			add("default_provider %q is not configured under providers", cfg.DefaultProvider)
		}
	}

	seen := map[string]bool{}
	for i, p := range cfg.Plugins.Tools {
		label := fmt.Sprintf("plugins.tools[%d]", i)
		if p.Name != "" {
			label = "plugins.tools." + p.Name
		}
		if p.Name == "" && p.Manifest == "" {
			add("%s: name or manifest is required", label)
		}
		if p.Name != "" {
			if seen[p.Name] {
				add("%s: duplicate tool name", label)
			}
			seen[p.Name] = true
		}
		switch strings.ToLower(p.Mode) {
		case "builtin":
			if p.Manifest != "" || p.Command != "" || p.URL != "" {
				add("%s: builtin tools take no manifest, command or url", label)
			}
		case "exec":
			if p.Command == "" {
				add("%s: exec mode requires command", label)
			}
		case "http":
			if p.URL == "" {
				add("%s: http mode requires url", label)
			}
		case "mcp":
			add("%s: declare MCP servers under mcp_servers", label)
		default:
			add("%s: unknown mode %q (want builtin, exec or http)", label, p.Mode)
		}
		if p.Timeout < 0 {
			add("%s: timeout must not be negative", label)
		}
		validateInheritEnv(label, p.InheritEnv, add)
	}

	servers := map[string]bool{}
	for i, s := range cfg.MCPServers {
		if s.Name == "" {
			add("mcp_servers[%d]: name is required", i)
			continue
		}
		if servers[s.Name] {
			add("mcp_servers.%s: duplicate server name", s.Name)
		}
		servers[s.Name] = true
		if (s.Command == "") == (s.URL == "") {
			add("mcp_servers.%s: exactly one of command or url is required", s.Name)
		}
		validateInheritEnv("mcp_servers."+s.Name, s.InheritEnv, add)
	}

	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		add("server.rate_limit values must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format: unknown format %q", cfg.Logging.Format)
	}
	for _, pattern := range cfg.Logging.Redact {
		if _, err := regexp.Compile(pattern); err != nil {
			add("logging.redact: %v", err)
		}
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		add("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		add("tracing.sample_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateInheritEnv(label string, names []string, add func(string, ...any)) {
	for _, name := range names {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "= ") {
			add("%s.inherit_env: invalid variable name %q", label, name)
		}
	}
}
