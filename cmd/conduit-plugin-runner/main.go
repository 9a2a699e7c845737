// Command conduit-plugin-runner serves the builtin tool set out of process.
// It speaks the exec protocol on stdio and the HTTP protocol on a listener,
// so the same tools can be mounted through either plugin mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/conduit/internal/tools/builtin"
	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

const (
	pluginID      = "conduit-builtin"
	pluginVersion = "1.0.0"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: conduit-plugin-runner <manifest|list|serve|http> [options]")
}

func run(ctx context.Context, cmd string, args []string, in io.Reader, out io.Writer) error {
	tb, err := toolbox()
	if err != nil {
		return err
	}
	switch cmd {
	case "manifest":
		return runManifest(tb, args, out)
	case "list":
		return runList(out)
	case "serve":
		return tb.Serve(ctx, in, out)
	case "http":
		return runHTTP(ctx, tb, args)
	default:
		return errUsage
	}
}

func toolbox() (*pluginsdk.Toolbox, error) {
	tools := builtin.Tools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make([]pluginsdk.Tool, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, tools[name])
	}
	return pluginsdk.NewToolbox(pluginID, pluginVersion, ordered...)
}

// runManifest prints the manifest, or writes it next to a plugin directory
// so exec-mode config can reference it.
func runManifest(tb *pluginsdk.Toolbox, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("manifest", flag.ContinueOnError)
	dir := flags.String("dir", "", "Write "+pluginsdk.ManifestFilename+" into this directory")
	timeout := flags.Duration("timeout", 0, "Per-tool timeout recorded in the manifest")
	if err := flags.Parse(args); err != nil {
		return err
	}

	manifest := tb.Manifest()
	manifest.Name = "Conduit builtin tools"
	if *timeout > 0 {
		for i := range manifest.Tools {
			manifest.Tools[i].TimeoutMs = timeout.Milliseconds()
		}
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if strings.TrimSpace(*dir) == "" {
		_, err = out.Write(data)
		return err
	}
	path := filepath.Join(*dir, pluginsdk.ManifestFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	fmt.Fprintln(out, path)
	return nil
}

func runList(out io.Writer) error {
	tools := builtin.Tools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(out, builtin.Describe(tools[name]))
	}
	return nil
}

func runHTTP(ctx context.Context, tb *pluginsdk.Toolbox, args []string) error {
	flags := flag.NewFlagSet("http", flag.ContinueOnError)
	listen := flags.String("listen", "127.0.0.1:9090", "Address to listen on")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "plugin-runner")
	srv := &http.Server{
		Addr:              *listen,
		Handler:           tb.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving tools", "addr", *listen, "tools", len(tb.Manifest().Tools))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
