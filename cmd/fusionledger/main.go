// Package main provides the fusionledger binary entry point.
// Fusionledger records badge fusion events in an append-only, digest-verified ledger
// and broadcasts them to a network for confirmation.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/fusionledger/api"
	"github.com/c360studio/fusionledger/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fusionledger"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Append-only fusion ledger with network broadcast",
		Long: `Fusionledger records badge fusion events in an append-only ledger.

Every record carries a digest over its identifying fields and the ledger keeps an
aggregate digest over all records, so tampering with persisted state is detected on
load. Records can be broadcast to a network of peers; a confirmed broadcast marks the
record as confirmed in the ledger.

State is persisted to a file, a SQLite database, or a NATS JetStream bucket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(opts),
		commitCmd(opts),
		listCmd(opts),
		showCmd(opts),
		verifyCmd(opts),
		exportCmd(opts),
		broadcastCmd(opts),
		retryCmd(opts),
		historyCmd(opts),
		peerCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// setup loads the configuration and builds the logger for a command.
func (o *globalOptions) setup(cmd *cobra.Command) (*config.Config, *config.Loader, *slog.Logger, error) {
	level := o.logLevel
	if level == "" {
		level = "info"
	}
	loader := config.NewLoader(newLogger(cmd.ErrOrStderr(), level, "text"))

	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = loader.LoadPath(o.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	return cfg, loader, newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format), nil
}

// withApp starts an App for the duration of fn.
func (o *globalOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, _, logger, err := o.setup(cmd)
	if err != nil {
		return err
	}
	return runApp(cmd.Context(), cfg, logger, fn)
}

func runApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(ctx context.Context, app *App) error) error {
	app := NewApp(cfg, logger)
	defer app.Shutdown(context.WithoutCancel(ctx))

	if err := app.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, app)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func serveCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and broadcast coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			slog.SetDefault(logger)

			signalCtx, signalCancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer signalCancel()

			return serve(signalCtx, cfg, loader, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

// serve runs until ctx is canceled or the HTTP server fails.
// A non-nil loader with a source file enables config hot reload.
func serve(ctx context.Context, cfg *config.Config, loader *config.Loader, logger *slog.Logger) error {
	return runApp(ctx, cfg, logger, func(ctx context.Context, app *App) error {
		if cfg.Broadcast.Network == config.NetworkNATS && cfg.Broadcast.Peers > 0 {
			if err := app.StartPeers(ctx, cfg.Broadcast.Peers); err != nil {
				return fmt.Errorf("start peers: %w", err)
			}
			logger.Info("Started in-process peers", "count", cfg.Broadcast.Peers)
		}

		if loader != nil && loader.Source() != "" {
			watcher, err := config.NewWatcher(loader, app.ApplyConfig, logger.With("component", "config"))
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Stop() }()
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("Config hot reload disabled", "path", loader.Source(), "error", err)
			}
		}

		mux := http.NewServeMux()
		api.NewHandler(app.ledger, app.coordinator, logger.With("component", "api")).RegisterHTTPHandlers(mux)
		mux.Handle("GET "+cfg.HTTP.MetricsPath, app.metrics.Handler())

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		logger.Info("Fusionledger ready",
			"version", Version,
			"addr", cfg.HTTP.Addr,
			"storage", cfg.Storage.Backend,
			"network", cfg.Broadcast.Network,
			"entries", app.ledger.Len())

		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", "error", err)
		}

		logger.Info("Fusionledger shutdown complete")
		return nil
	})
}
