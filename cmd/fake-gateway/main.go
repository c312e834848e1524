// ABOUTME: Entry point for fake-gateway, a scripted development server.
// ABOUTME: Serves the full gateway surface from a TOML scenario for local testing.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/loom/internal/auth"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	scenarioPath := flag.String("scenario", "", "TOML scenario file (default: built-in echo)")
	secret := flag.String("secret", os.Getenv("LOOM_SECRET"), "require bearer tokens signed with this secret")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := setupLogger(*logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *scenarioPath, *secret, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, scenarioPath, secret string, logger *slog.Logger) error {
	scenario := defaultScenario()
	if scenarioPath != "" {
		loaded, err := LoadScenario(scenarioPath)
		if err != nil {
			return err
		}
		scenario = loaded
		logger.Info("loaded scenario", "path", scenarioPath, "turns", len(scenario.Turns), "session_steps", len(scenario.Session))
	}

	var verifier auth.Verifier
	if secret != "" {
		verifier = auth.NewHS256([]byte(secret))
	}

	srv := newServer(scenario, verifier, logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake gateway listening", "addr", addr, "auth", verifier != nil)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	// The parent context is already canceled; shutdown gets a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// setupLogger configures slog text output at the requested level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
