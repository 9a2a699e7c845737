// Package main provides the CLI entry point for conduit, a provider-agnostic
// LLM generation runtime.
//
// conduit streams a conversation to one of several LLM providers (OpenAI,
// Azure OpenAI, OpenRouter, Anthropic, Gemini, Bedrock, Ollama), executes the
// tools the model calls through the plugin gateway and feeds the results back
// until the model answers.
//
// # Basic Usage
//
// Ask a single question:
//
//	conduit chat --config conduit.yaml "2+2?"
//
// Serve the HTTP API:
//
//	conduit serve --config conduit.yaml
//
// # Environment Variables
//
//   - CONDUIT_CONFIG: Path to configuration file (default: conduit.yaml)
//   - Any ${VAR} referenced from the configuration, typically provider API keys
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "conduit.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "conduit - provider-agnostic LLM generation runtime",
		Long: `conduit streams conversations to LLM providers and runs the tools they call.

Supported providers: OpenAI, Azure OpenAI, OpenRouter, Anthropic, Gemini, Bedrock, Ollama
Tool modes: builtin, exec (sandboxed process), http, mcp`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildServeCmd(),
		buildToolsCmd(),
		buildProvidersCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies CONDUIT_CONFIG when the flag was left at its default.
func resolveConfigPath(path string) string {
	if path == "" || path == defaultConfigPath {
		if env := os.Getenv("CONDUIT_CONFIG"); env != "" {
			return env
		}
		return defaultConfigPath
	}
	return path
}
