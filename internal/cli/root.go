package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stockpilot/stockstream/internal/config"
	"github.com/stockpilot/stockstream/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	rootDir      string
	rootAPIURL   string
	rootLogLevel string
)

// settings is loaded before every subcommand runs.
var settings *config.Config

var rootCmd = &cobra.Command{
	Use:   "stockstream",
	Short: "Run AI stock analyses and follow their progress",
	Long: `Stockstream submits stock analysis jobs to the analysis service, follows
their progress over Server-Sent Events, and keeps a local history of
completed results.

Settings are read from .stockstream/config.yaml in the working directory
(or --dir), then .stockstream/.env, then the environment. PYTHON_API_URL
selects the service.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("stockstream version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&rootDir, "dir", "", "project directory holding .stockstream (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&rootAPIURL, "api-url", "", "analysis service URL (overrides config and PYTHON_API_URL)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level: debug, info, warn, error")
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func loadSettings(cmd *cobra.Command, args []string) error {
	dir := rootDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = cwd
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return err
	}
	if rootAPIURL != "" {
		cfg.API.BaseURL = rootAPIURL
	}
	if rootLogLevel != "" {
		cfg.LogLevel = rootLogLevel
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logging.SetLevel(level)
	}

	settings = cfg
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
