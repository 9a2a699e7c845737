package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/providers"
	"github.com/haasonsaas/conduit/internal/config"
)

// =============================================================================
// Inspection Command Handlers
// =============================================================================

func runTools(cmd *cobra.Command, configPath string, verbose bool) error {
	a, err := newApp(cmd.Context(), configPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	snap := a.registry.Current()
	out := cmd.OutOrStdout()
	if snap.Len() == 0 {
		fmt.Fprintln(out, "No tools registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tTIMEOUT\tSOURCE\tDESCRIPTION")
	for _, name := range snap.Names() {
		d, _ := snap.Descriptor(name)
		timeout := "default"
		if d.Timeout > 0 {
			timeout = d.Timeout.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Mode, timeout, d.Source, firstLine(d.Description))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if verbose {
		for _, name := range snap.Names() {
			d, _ := snap.Descriptor(name)
			fmt.Fprintf(out, "\n%s schema:\n%s\n", d.Name, d.Schema)
		}
	}
	return nil
}

func runProviders(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	registry := providers.DefaultRegistry()

	fmt.Fprintln(out, "Supported provider kinds:")
	for _, kind := range registry.Kinds() {
		adapter, err := registry.Get(kind)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "  - %-14s %s\n", kind, capabilitySummary(adapter.Capabilities()))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "\nNo configured providers (%v)\n", err)
		return nil
	}
	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(out, "\nConfigured providers:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tMODEL\tDEFAULT")
	for _, id := range ids {
		p := cfg.Providers[id]
		marker := ""
		if id == cfg.DefaultProvider {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, p.Kind, p.DefaultModel, marker)
	}
	return w.Flush()
}

func capabilitySummary(c agent.Capabilities) string {
	features := []string{"streaming"}
	if c.Tools {
		features = append(features, "tools")
	}
	if c.ParallelToolCalls {
		features = append(features, "parallel tools")
	}
	if c.Images {
		features = append(features, "images")
	}
	if c.JSONMode {
		features = append(features, "json")
	}
	if c.Seed {
		features = append(features, "seed")
	}
	return strings.Join(features, ", ")
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d providers, %d plugin entries, %d MCP servers\n",
		configPath, len(cfg.Providers), len(cfg.Plugins.Tools), len(cfg.MCPServers))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
