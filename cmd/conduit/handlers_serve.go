package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/conduit/internal/plugins"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe starts the HTTP API and blocks until a shutdown signal arrives or
// the listener fails.
func runServe(ctx context.Context, configPath, listen string, debug bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	cfg := a.Config()
	if listen == "" {
		listen = cfg.Server.Listen
	}
	a.logger.Info("starting conduit",
		"version", version,
		"commit", commit,
		"config", configPath,
		"listen", listen,
		"tools", a.registry.Current().Len(),
	)

	if cfg.Plugins.Watch {
		watcher := &plugins.Watcher{
			Files:    a.WatchFiles(),
			Debounce: cfg.Plugins.WatchDebounce,
			Reload:   a.Reload,
			Logger:   a.logger,
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer func() { _ = watcher.Close() }()
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           newAPIServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "active_sessions", a.dispatcher.Sessions().Active())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Running turns end their streams on cancellation, which lets the
	// in-flight SSE responses complete.
	a.dispatcher.Sessions().CancelAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("conduit stopped")
	return nil
}
