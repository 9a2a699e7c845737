package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/backoff"
)

// DispatcherConfig converts the runtime section.
func (c *Config) DispatcherConfig() agent.DispatcherConfig {
	rt := c.Runtime
	cfg := agent.DispatcherConfig{
		MaxIterations:   rt.MaxIterations,
		ToolConcurrency: rt.ToolConcurrency,
		ToolResultGuard: agent.ToolResultGuard{
			MaxBytes:       rt.ToolResult.MaxBytes,
			Denylist:       rt.ToolResult.Denylist,
			RedactPatterns: rt.ToolResult.RedactPatterns,
			RedactionText:  rt.ToolResult.RedactionText,
		},
	}
	if rt.MaxRetries != nil {
		cfg.MaxRetries = *rt.MaxRetries
	} else {
		cfg.MaxRetries = agent.DefaultMaxRetries
	}
	if rt.Backoff != (BackoffConfig{}) {
		def := backoff.DefaultPolicy()
		cfg.Backoff = backoff.Policy{
			Initial: orDuration(rt.Backoff.Initial, def.Initial),
			Max:     orDuration(rt.Backoff.Max, def.Max),
			Factor:  orFloat(rt.Backoff.Factor, def.Factor),
			Jitter:  rt.Backoff.Jitter,
		}
	}
	return cfg
}

// Provider resolves a configured provider. An empty id selects the default
// provider; an empty model selects the provider's default model.
func (c *Config) Provider(id, model string) (agent.ProviderConfig, error) {
	if id == "" {
		id = c.DefaultProvider
	}
	if id == "" {
		return agent.ProviderConfig{}, fmt.Errorf("%w: no provider selected and no default_provider configured", agent.ErrNoProvider)
	}
	p, ok := c.Providers[id]
	if !ok {
		return agent.ProviderConfig{}, fmt.Errorf("%w: %q is not configured", agent.ErrUnknownProvider, id)
	}
	kind, err := agent.ParseProviderKind(p.Kind)
	if err != nil {
		return agent.ProviderConfig{}, err
	}
	if model == "" {
		model = p.DefaultModel
	}
	return agent.ProviderConfig{
		ID:         id,
		Kind:       kind,
		Model:      model,
		BaseURL:    p.BaseURL,
		APIVersion: p.APIVersion,
		Region:     p.Region,
		Headers:    p.Headers,
		Credentials: agent.Credentials{
			APIKey:          p.APIKey,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			SessionToken:    p.SessionToken,
		},
		Params: agent.GenerationParams{
			Temperature:       p.Params.Temperature,
			TopP:              p.Params.TopP,
			MaxTokens:         p.Params.MaxTokens,
			StopSequences:     p.Params.StopSequences,
			Seed:              p.Params.Seed,
			JSONMode:          p.Params.JSONMode,
			ParallelToolCalls: p.Params.ParallelToolCalls,
		},
		DisableStreaming: p.DisableStream,
		ConnectTimeout:   c.Runtime.ConnectTimeout,
		ReadTimeout:      c.Runtime.ReadTimeout,
	}, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
