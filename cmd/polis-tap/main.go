// Package main is the entry point for the polis-tap binary.
// It runs a tapping HTTP and TCP proxy with an admin API for streaming taps.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-tap/pkg/admin"
	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/logging"
	"github.com/polisai/polis-tap/pkg/proxy"
	"github.com/polisai/polis-tap/pkg/tap"
	"github.com/polisai/polis-tap/pkg/telemetry"
)

const (
	defaultServiceName       = "polis-tap"
	gracefulShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-tap
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-tap",
		Short: "Traffic tap proxy",
		Long: `A proxy that captures HTTP exchanges and raw TCP connections into tap traces.

Taps are declared in a tap file. Static taps write every matching trace to a
file per trace; admin taps stay idle until a client POSTs a config to /tap on
the admin listener and receives matching traces as a stream.

Example:
  polis-tap serve --config polis-tap.yaml
  polis-tap validate taps.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return err
			}
			return loadEnv(envFile)
		},
	}

	rootCmd.PersistentFlags().String("env-file", "", "Optional .env file loaded before configuration")
	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

// loadEnv loads path, or ./.env when path is empty and the file exists.
func loadEnv(path string) error {
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tapping proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <tap-file>",
		Short: "Check a tap file without starting the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadTapFile(args[0])
			if err != nil {
				return err
			}
			if err := tap.NewRegistry(slog.New(slog.DiscardHandler), nil).Apply(file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tap extensions OK\n", args[0], len(file.Taps))
			return nil
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  defaultServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  os.Getenv("TAP_ENVIRONMENT"),
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	registry := tap.NewRegistry(logger.Logger, tap.NewMetrics())
	if cfg.Taps.File != "" {
		provider, err := config.NewTapFileProvider(cfg.Taps.File, cfg.Taps.Watch, logger.Logger)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		if err := registry.Apply(provider.Current()); err != nil {
			return fmt.Errorf("failed to apply tap file: %w", err)
		}
		go watchTaps(ctx, provider, registry, logger.Logger)
	} else {
		logger.Warn("No tap file configured, no extensions are active")
	}

	var servers []*http.Server
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           admin.NewServer(registry, logger.Logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Admin streams end with the process context.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	servers = append(servers, adminSrv)

	if cfg.Upstream.HTTPURL != "" {
		upstream, err := url.Parse(cfg.Upstream.HTTPURL)
		if err != nil {
			return fmt.Errorf("invalid upstream url: %w", err)
		}
		handler := proxy.TapMiddleware(registry, proxy.NewReverseProxy(upstream, logger.Logger))
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.DataAddress,
			Handler:           otelhttp.NewHandler(handler, "polis.tap.data"),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		})
	} else {
		logger.Info("HTTP data listener disabled, no upstream url configured")
	}

	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		logger.Info("Listening", "address", ln.Addr().String())
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	if cfg.Server.TCPAddress != "" {
		ln, err := net.Listen("tcp", cfg.Server.TCPAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.TCPAddress, err)
		}
		logger.Info("TCP proxy listening", "address", ln.Addr().String(), "upstream", cfg.Upstream.TCPAddress)
		tcp := proxy.NewTCPProxy(cfg.Upstream.TCPAddress, registry, logger.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tcp.Serve(ctx, ln); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "address", srv.Addr, "error", err)
		}
	}
	wg.Wait()
	logger.Info("Shutdown complete")
	return runErr
}

func watchTaps(ctx context.Context, provider *config.TapFileProvider, registry *tap.Registry, logger *slog.Logger) {
	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case file, ok := <-updates:
			if !ok {
				return
			}
			if err := registry.Apply(file); err != nil {
				logger.Error("Failed to apply tap file, keeping previous extensions", "path", provider.Path(), "error", err)
			}
		}
	}
}
