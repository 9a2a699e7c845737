package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/providers"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/plugins"
	"github.com/haasonsaas/conduit/internal/tools/builtin"
)

// app holds the wired runtime shared by the chat and serve commands.
type app struct {
	configPath string
	cfg        atomic.Pointer[config.Config]

	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	shutdownTracer func(context.Context) error

	mcp        *plugins.MCPManager
	loader     *plugins.Loader
	registry   *plugins.Registry
	dispatcher *agent.Dispatcher
}

// newApp loads the configuration and wires logging, metrics, tracing, the
// tool registry and the dispatcher.
func newApp(ctx context.Context, configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		RedactPatterns: cfg.Logging.Redact,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
		traceCfg.EnableInsecure = cfg.Tracing.Insecure
		traceCfg.SamplingRate = cfg.Tracing.SampleRate
		traceCfg.Attributes = cfg.Tracing.Attributes
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	metrics := observability.NewMetrics(nil)

	a := &app{
		configPath:     configPath,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		shutdownTracer: shutdownTracer,
		mcp:            plugins.NewMCPManager(version, logger),
	}
	a.registry = plugins.NewRegistry(
		plugins.WithLogger(logger),
		plugins.WithDefaultTimeout(cfg.Runtime.ToolTimeout),
		plugins.WithMetrics(metrics),
		plugins.WithTracer(tracer.Tracer()),
	)
	a.loader = &plugins.Loader{
		Builtins: builtin.Tools(),
		MCP:      a.mcp,
		BaseDir:  filepath.Dir(configPath),
		Logger:   logger,
	}
	if err := a.loader.Sync(ctx, a.registry, cfg); err != nil {
		_ = a.Close(context.Background())
		return nil, fmt.Errorf("failed to load tools: %w", err)
	}

	a.dispatcher = agent.NewDispatcher(providers.DefaultRegistry(), a.registry,
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer.Tracer()),
		agent.WithConfig(cfg.DispatcherConfig()),
	)
	a.cfg.Store(cfg)
	return a, nil
}

// Config returns the active configuration.
func (a *app) Config() *config.Config {
	return a.cfg.Load()
}

// Reload re-reads the configuration file and swaps in the new tool set and
// provider table. Runtime limits keep the values loaded at startup. On error
// the previous configuration stays active.
func (a *app) Reload(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := a.loader.Sync(ctx, a.registry, cfg); err != nil {
		return err
	}
	a.cfg.Store(cfg)
	a.logger.Info("configuration reloaded", "config", a.configPath, "tools", a.registry.Current().Len())
	return nil
}

// WatchFiles lists the files whose changes trigger Reload.
func (a *app) WatchFiles() []string {
	return append([]string{a.configPath}, a.loader.ManifestPaths(a.Config())...)
}

// Provider resolves a configured provider for one dispatch.
func (a *app) Provider(id, model string) (agent.ProviderConfig, error) {
	p, err := a.Config().Provider(id, model)
	if err != nil {
		return agent.ProviderConfig{}, err
	}
	if p.Model == "" {
		return agent.ProviderConfig{}, fmt.Errorf("provider %s has no default_model; pass a model explicitly", p.Name())
	}
	return p, nil
}

// Close cancels running turns and releases MCP sessions and the trace exporter.
func (a *app) Close(ctx context.Context) error {
	if a.dispatcher != nil {
		a.dispatcher.Sessions().CancelAll()
	}
	return errors.Join(a.mcp.Close(), a.shutdownTracer(ctx))
}
