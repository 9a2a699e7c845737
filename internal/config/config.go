package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/internal/ratelimit"
)

// Config is the main configuration structure for conduit.
type Config struct {
	Version         int                       `yaml:"version"`
	Runtime         RuntimeConfig             `yaml:"runtime"`
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	Plugins         PluginsConfig             `yaml:"plugins"`
	MCPServers      []MCPServerConfig         `yaml:"mcp_servers"`
	Server          ServerConfig              `yaml:"server"`
	Logging         LoggingConfig             `yaml:"logging"`
	Metrics         MetricsConfig             `yaml:"metrics"`
	Tracing         TracingConfig             `yaml:"tracing"`
}

// RuntimeConfig bounds a dispatched turn.
type RuntimeConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	// MaxRetries is a pointer so that an explicit 0 disables retries.
	MaxRetries      *int             `yaml:"max_retries"`
	Backoff         BackoffConfig    `yaml:"backoff"`
	ConnectTimeout  time.Duration    `yaml:"connect_timeout"`
	ReadTimeout     time.Duration    `yaml:"read_timeout"`
	ToolTimeout     time.Duration    `yaml:"tool_timeout"`
	ToolConcurrency int              `yaml:"tool_concurrency"`
	ToolResult      ToolResultConfig `yaml:"tool_result"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// ToolResultConfig limits and redacts tool output before it reaches the
// model.
type ToolResultConfig struct {
	MaxBytes       int      `yaml:"max_bytes"`
	Denylist       []string `yaml:"denylist"`
	RedactPatterns []string `yaml:"redact_patterns"`
	RedactionText  string   `yaml:"redaction_text"`
}

// ProviderConfig configures one named backend.
type ProviderConfig struct {
	Kind            string            `yaml:"kind"`
	APIKey          string            `yaml:"api_key"`
	BaseURL         string            `yaml:"base_url"`
	DefaultModel    string            `yaml:"default_model"`
	APIVersion      string            `yaml:"api_version"`
	Region          string            `yaml:"region"`
	AccessKeyID     string            `yaml:"access_key_id"`
	SecretAccessKey string            `yaml:"secret_access_key"`
	SessionToken    string            `yaml:"session_token"`
	Headers         map[string]string `yaml:"headers"`
	DisableStream   bool              `yaml:"disable_streaming"`
	Params          ParamsConfig      `yaml:"params"`
}

type ParamsConfig struct {
	Temperature       *float64 `yaml:"temperature"`
	TopP              *float64 `yaml:"top_p"`
	MaxTokens         int      `yaml:"max_tokens"`
	StopSequences     []string `yaml:"stop_sequences"`
	Seed              *int     `yaml:"seed"`
	JSONMode          bool     `yaml:"json_mode"`
	ParallelToolCalls *bool    `yaml:"parallel_tool_calls"`
}

// PluginsConfig lists the tools registered with the gateway.
type PluginsConfig struct {
	// Watch reloads the registry when the config file or a referenced
	// manifest changes.
	Watch         bool           `yaml:"watch"`
	WatchDebounce time.Duration  `yaml:"watch_debounce"`
	Tools         []PluginConfig `yaml:"tools"`
}

// PluginConfig describes one tool, or a set of tools read from a manifest.
type PluginConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Mode        string         `yaml:"mode"`
	Schema      map[string]any `yaml:"schema"`
	// Manifest points at a conduit.plugin.json declaring the plugin's tools.
	Manifest string            `yaml:"manifest"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	// InheritEnv names runtime environment variables passed to an exec
	// plugin. Only PATH, HOME, TMPDIR, LANG and TZ are passed otherwise.
	InheritEnv []string          `yaml:"inherit_env"`
	Dir        string            `yaml:"dir"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
}

type MCPServerConfig struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	InheritEnv []string          `yaml:"inherit_env"`
	Dir        string            `yaml:"dir"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
	Tools      []string          `yaml:"tools"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit throttles POST /v1/dispatch per client address.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Redact lists additional regular expressions scrubbed from log output.
	Redact []string `yaml:"redact"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Attributes  map[string]string `yaml:"attributes"`
}

// Load reads, merges and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// providers or tools.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Runtime.MaxIterations == 0 {
		cfg.Runtime.MaxIterations = 10
	}
	if cfg.Runtime.MaxRetries == nil {
		retries := 2
		cfg.Runtime.MaxRetries = &retries
	}
	if cfg.Runtime.ConnectTimeout == 0 {
		cfg.Runtime.ConnectTimeout = 30 * time.Second
	}
	if cfg.Runtime.ReadTimeout == 0 {
		cfg.Runtime.ReadTimeout = 2 * time.Minute
	}
	if cfg.Runtime.ToolTimeout == 0 {
		cfg.Runtime.ToolTimeout = 30 * time.Second
	}
	if cfg.Runtime.ToolConcurrency == 0 {
		cfg.Runtime.ToolConcurrency = 4
	}
	if cfg.Runtime.ToolResult.MaxBytes == 0 {
		cfg.Runtime.ToolResult.MaxBytes = 64 * 1024
	}
	if cfg.Plugins.WatchDebounce == 0 {
		cfg.Plugins.WatchDebounce = 250 * time.Millisecond
	}
	if cfg.DefaultProvider == "" && len(cfg.Providers) == 1 {
		for id := range cfg.Providers {
			cfg.DefaultProvider = id
		}
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "conduit"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1
	}
}
