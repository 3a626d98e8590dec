package main

import (
	"fmt"

	"opsignal/internal/config"
	"opsignal/internal/cycle"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config.yaml]",
	Short: "Validate a config file without running anything",
	Long: `Loads the config, runs structural validation, and builds every rule
engine against its registry so unknown condition tags, metrics, corrections,
and truth checks are caught before deployment. Exits non-zero on any error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		var (
			cfg *config.Config
			err error
		)
		if path == "" {
			cfg = config.DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}
		} else if cfg, err = config.Load(path); err != nil {
			return err
		}
		// Component constructors enforce the closed registries.
		if _, err := cycle.New(cfg, nil, nil); err != nil {
			return err
		}
		fmt.Printf("%s: %d classifier rules, %d gate actions, %d escalation paths, %d boundaries, %d truth layers\n",
			okStyle.Render("valid"),
			len(cfg.Classifier.Rules), len(cfg.Gate.Actions), len(cfg.Escalation.Paths),
			len(cfg.Drift.Boundaries), len(cfg.Truth.Layers))
		return nil
	},
}
