// Taod is the TAO workflow daemon: it runs pluggable Think-Act-Observe
// strategies behind an approval gate, with decision delivery over HTTP and
// NATS.
//
// Usage:
//
//	# Start the daemon with defaults
//	taod
//
//	# Use a specific config file
//	taod --config /etc/taod/config.yaml
//
//	# Show version information
//	taod version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taod/internal/approval"
	"github.com/fyrsmithlabs/taod/internal/audit"
	"github.com/fyrsmithlabs/taod/internal/config"
	"github.com/fyrsmithlabs/taod/internal/engine"
	"github.com/fyrsmithlabs/taod/internal/httpapi"
	"github.com/fyrsmithlabs/taod/internal/logging"
	"github.com/fyrsmithlabs/taod/internal/presenter"
	"github.com/fyrsmithlabs/taod/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taod",
	Short: "TAO workflow daemon",
	Long: `taod runs pluggable Think-Act-Observe strategies to completion,
gating iterations behind a human-approval checkpoint with rule-based
auto-approval and timeout semantics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taod by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/taod/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// serve starts the daemon and blocks until a shutdown signal arrives.
func serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return run(ctx)
}

// run initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to NATS for the presentation and audit channels
//  4. Creates the approval gate and governance rules watcher
//  5. Creates the workflow engine
//  6. Wires the HTTP surface and starts serving
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting taod",
		zap.Int("port", cfg.Server.Port),
		zap.Int("iteration_cap", cfg.Engine.IterationCap),
		zap.Duration("approval_timeout", cfg.Approval.DefaultTimeout))

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	var (
		gatePresenter approval.Presenter
		gateAudit     approval.AuditRecorder
		natsConn      *nats.Conn
	)
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer natsConn.Close()
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

		gatePresenter = presenter.New(natsConn, logger)
		gateAudit = audit.NewRecorder(natsConn, logger)
	}

	gate := approval.NewGate(cfg.Approval.GateConfig(), gatePresenter, gateAudit, logger)
	defer gate.Dispose()

	if cfg.Approval.RulesFile != "" {
		watcher, err := config.NewRuleWatcher(cfg.Approval.RulesFile, gate.ReplaceRules, logger)
		if err != nil {
			return fmt.Errorf("creating rules watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("loading governance rules: %w", err)
		}
		defer watcher.Stop()
	}

	eng := engine.New(cfg.Engine, gate, logger)

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServiceName:     cfg.Telemetry.ServiceName,
	})
	handler := httpapi.NewHandler(gate, eng, logger)
	handler.RegisterRoutes(srv.Echo())

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("nats_enabled", cfg.NATS.Enabled))

	return srv.Start(ctx)
}
