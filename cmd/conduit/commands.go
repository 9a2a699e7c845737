package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Chat Command
// =============================================================================

type chatOptions struct {
	configPath     string
	provider       string
	model          string
	system         string
	conversationID string
	tools          []string
	allTools       bool
	jsonOutput     bool
	debug          bool
}

// buildChatCmd creates the "chat" command that runs one dispatch and streams
// the answer to stdout.
func buildChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt and stream the answer",
		Long: `Send one prompt to a configured provider and stream the answer.

When no prompt argument is given and stdin is not a terminal, the prompt is
read from stdin. Tool activity is reported on stderr.`,
		Example: `  # Ask the default provider
  conduit chat "2+2?"

  # Let the model use the calculator
  conduit chat --tool calculator "What is 2 plus 2?"

  # Stream raw deltas as JSON lines
  echo "hello" | conduit chat --provider local --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runChat(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Configured provider ID (default: default_provider)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model override")
	cmd.Flags().StringVar(&opts.system, "system", "", "System prompt")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Conversation ID (random when empty)")
	cmd.Flags().StringSliceVarP(&opts.tools, "tool", "t", nil, "Enable a registered tool (repeatable)")
	cmd.Flags().BoolVar(&opts.allTools, "all-tools", false, "Enable every registered tool")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print every delta as a JSON line")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP API.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit HTTP API",
		Long: `Start the conduit HTTP API.

Endpoints:
  POST   /v1/dispatch        run one turn, streaming deltas as server-sent events
  DELETE /v1/sessions/{id}   cancel the running turn of a conversation
  GET    /v1/tools           list registered tools
  GET    /healthz            liveness probe
  GET    /metrics            Prometheus metrics (when metrics.enabled)

With plugins.watch enabled the tool registry is reloaded when the config
file or a referenced plugin manifest changes. Graceful shutdown is handled on
SIGINT/SIGTERM.`,
		Example: `  conduit serve --config /etc/conduit/conduit.yaml
  conduit serve --listen :9090 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), listen, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

// buildToolsCmd creates the "tools" command that lists the registered tools.
func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the configuration registers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, resolveConfigPath(configPath), verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print input schemas")
	return cmd
}

// buildProvidersCmd creates the "providers" command.
func buildProvidersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List supported provider kinds and configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	cmd.AddCommand(schemaCmd, validateCmd)
	return cmd
}
