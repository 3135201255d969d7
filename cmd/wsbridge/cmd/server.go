package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/config"
	"github.com/tsarna/wsbridge/pkg/bridge/metrics"
	"github.com/tsarna/wsbridge/pkg/bridge/otel"
	"github.com/tsarna/wsbridge/pkg/bridge/service"
)

// version is reported to OpenTelemetry as service.version.
var version = "dev"

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the bridge",
	Long: `Start the bridge: subscribe to the configured topic and serve WebSocket
clients on the configured path.

Examples:
  wsbridge server
  wsbridge server -c bridge.hcl
  wsbridge server --transport redis --redis-addr localhost:6379 --topic chatter
  wsbridge server --payload jq --query '.reading.value'`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

var (
	serverFlags configFlags
	listenAddr  string
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverFlags.register(serverCmd)
	serverCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (default :8000)")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := serverFlags.load(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.HTTP.Listen = listenAddr
	}

	logger.Info("Starting wsbridge server",
		zap.String("config", serverFlags.file),
		zap.String("transport", cfg.Transport),
		zap.String("topic", cfg.Topic),
		zap.String("listen", cfg.HTTP.Listen),
		zap.String("path", cfg.HTTP.Path),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	builder := service.NewService().
		WithConfig(cfg).
		WithLogger(logger)

	if cfg.Telemetry.Endpoint != "" {
		provider, shutdownTelemetry, err := setupTelemetry(ctx, cfg.Telemetry, logger)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("Failed to flush telemetry", zap.Error(err))
			}
		}()
		builder = builder.WithMetrics(provider).WithTracing(provider)
	} else {
		builder = builder.WithMetrics(metrics.NewRegistry(cfg.Telemetry.ServiceName))
	}

	svc, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build bridge: %w", err)
	}

	if err := svc.Startup(ctx); err != nil {
		return fmt.Errorf("bridge startup failed: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: svc.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.Info("Listening for WebSocket clients",
		zap.String("addr", cfg.HTTP.Listen),
		zap.String("path", cfg.HTTP.Path),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Signal received, shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// hijacked WebSocket connections are not tracked by http.Server, so the
	// bridge closes them itself
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Bridge shutdown incomplete", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return runErr
}

func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) (*otel.Provider, otel.ShutdownFunc, error) {
	shutdown, err := otel.Install(ctx, otel.ExporterConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Endpoint,
		Insecure:       cfg.Insecure,
	}, logger.Named("otel"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to install telemetry: %w", err)
	}

	return otel.NewProvider(cfg.ServiceName, version), shutdown, nil
}
