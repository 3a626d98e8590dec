package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"opsignal/internal/cycle"
	"opsignal/internal/store"
	"opsignal/internal/telemetry"

	"github.com/spf13/cobra"
)

var (
	cycleAt      string
	cycleJSON    bool
	cycleNoStore bool
)

var cycleCmd = &cobra.Command{
	Use:   "cycle [snapshots.yaml]",
	Short: "Run a single governance pass and print the result",
	Long: `Reads one snapshot file, runs exactly one cycle, and prints the
committed result. With --at, the pass is evaluated as of the given RFC3339
instant instead of now, which makes a run reproducible byte for byte.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOneCycle,
}

func init() {
	cycleCmd.Flags().StringVar(&cycleAt, "at", "", "Evaluate as of this RFC3339 instant")
	cycleCmd.Flags().BoolVar(&cycleJSON, "json", false, "Print the raw committed result as JSON")
	cycleCmd.Flags().BoolVar(&cycleNoStore, "no-store", false, "Skip persistence")
}

func runOneCycle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	if cycleAt != "" {
		now, err = time.Parse(time.RFC3339, cycleAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		now = now.UTC()
	}

	path := "snapshots.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	source := cycle.NewFileSource("file", path)
	snaps, err := source.Snapshots(cmd.Context())
	if err != nil {
		return err
	}

	var persist cycle.Persister
	if !cycleNoStore {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		persist = st
	}

	engine, err := cycle.New(cfg, persist, observeMetrics(telemetry.New()))
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	res, err := engine.RunCycle(cmd.Context(), cycle.Input{
		Snapshots: snaps,
		Hierarchy: source.Hierarchy(),
		Now:       now,
	})
	if err != nil {
		return err
	}

	if cycleJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Print(renderResult(res))
	return nil
}
