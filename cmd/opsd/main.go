package main

import (
	"fmt"
	"os"

	"opsignal/internal/config"
	"opsignal/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "opsd",
	Short: "opSignal - deterministic signal governance daemon",
	Long: `opSignal watches operational entities (tasks, invoices, commitments,
client relationships) and turns raw observations into a bounded, arbitrated
set of actionable signals.

All decision rules live in the config file as data. Given the same
observations and the same config, every cycle produces the same output.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (built-in defaults when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig resolves the effective config and initializes categorized
// logging from it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("built-in config invalid: %w", err)
		}
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := logging.Initialize(logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Dir:        cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
