package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/canvaslink/relay/internal/config"
	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/relay"
)

var (
	// CLI flags
	cfgFile    string
	listenHost string
	listenPort int
	logLevel   string
	logFormat  string
	logOutput  string

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Canvaslink relay - real-time command bridge to creative-application plugins",
	Long: `Relay mediates between AI tool-call front ends and plugin processes
running inside creative applications. Plugins connect over a persistent
websocket and join a channel; callers execute typed commands against a
channel and receive correlated responses.

The relay does not interpret command semantics; it guarantees delivery,
isolation between channels, and exactly-once resolution of every
outstanding request.`,
	Version: relay.Version,
	RunE:    runRelay,
}

// runRelay executes the main relay serve loop
func runRelay(cmd *cobra.Command, args []string) error {
	if err := initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	r, err := relay.New(cfg, rootLog)
	if err != nil {
		rootLog.Error("Failed to build relay", "error", err)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	rootLog.Info("Relay is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigCh:
		rootLog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			rootLog.Error("Relay failed", "error", err)
			return err
		}
		return nil
	}

	if err := r.Stop(context.Background()); err != nil {
		rootLog.Error("Shutdown failed", "error", err)
		return err
	}

	rootLog.Info("Relay shutdown complete")
	return nil
}

// initLogger initializes the global logger based on CLI flags
func initLogger() error {
	cfg := config.DefaultLoggingConfig()

	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads configuration from file/environment and applies CLI overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if listenHost != "" {
		cfg.Server.Host = listenHost
	}
	if listenPort > 0 {
		cfg.Server.Port = listenPort
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	return cfg, cfg.Validate()
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/canvaslink/config.yaml)")

	rootCmd.Flags().StringVar(&listenHost, "listen-host", "",
		"Listen host (default: from config or env)")
	rootCmd.Flags().IntVar(&listenPort, "listen-port", 0,
		"Listen port (default: from config or env)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")
}
