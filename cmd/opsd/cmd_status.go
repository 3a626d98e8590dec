package main

import (
	"fmt"
	"strings"

	"opsignal/internal/store"

	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted proposals and recent cycle outcomes",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of journal rows to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var b strings.Builder

	cycles, err := st.RecentCycles(statusLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(&b, titleStyle.Render("Recent cycles"))
	if len(cycles) == 0 {
		fmt.Fprintln(&b, mutedStyle.Render("  no cycles recorded"))
	}
	for _, rec := range cycles {
		outcome := okStyle.Render(rec.Outcome)
		switch rec.Outcome {
		case "failed":
			outcome = badStyle.Render(rec.Outcome)
		case "skipped":
			outcome = mutedStyle.Render(rec.Outcome)
		}
		line := fmt.Sprintf("  %s  %-9s  %3d active  %2d proposals",
			rec.StartedAt.Format("2006-01-02 15:04:05"), outcome, rec.ActiveSignals, rec.Proposals)
		if rec.Detail != "" {
			line += mutedStyle.Render("  " + rec.Detail)
		}
		fmt.Fprintln(&b, line)
	}

	proposals, err := st.LoadProposals()
	if err != nil {
		return err
	}
	fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Proposals (%d)", len(proposals))))
	if len(proposals) == 0 {
		fmt.Fprintln(&b, mutedStyle.Render("  none"))
	}
	for _, p := range proposals {
		line := fmt.Sprintf("  %-8s %-20s score %6.1f  worst %s",
			p.ScopeLevel, p.ScopeID, p.Score, p.WorstSignal)
		if p.Signature != "" {
			line += mutedStyle.Render("  [" + p.Signature + "]")
		}
		fmt.Fprintln(&b, line)
	}

	fmt.Print(b.String())
	return nil
}
