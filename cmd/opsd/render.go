package main

import (
	"fmt"
	"strings"

	"opsignal/internal/cycle"
	"opsignal/internal/drift"
	"opsignal/internal/signal"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors, matched to the tier ladder.
var (
	colInterrupt = lipgloss.Color("#e53935") // red
	colUrgent    = lipgloss.Color("#ff8a65") // orange-red
	colImportant = lipgloss.Color("#FFC107") // yellow
	colAdvisory  = lipgloss.Color("#2196F3") // blue
	colMuted     = lipgloss.Color("#6b7785")
	colOK        = lipgloss.Color("#8BC34A") // green

	titleStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
	mutedStyle   = lipgloss.NewStyle().Foreground(colMuted)
	okStyle      = lipgloss.NewStyle().Foreground(colOK)
	badStyle     = lipgloss.NewStyle().Foreground(colInterrupt)
	warnStyle    = lipgloss.NewStyle().Foreground(colImportant)
)

func tierStyle(t signal.Tier) lipgloss.Style {
	switch t {
	case signal.TierInterrupt:
		return lipgloss.NewStyle().Foreground(colInterrupt).Bold(true)
	case signal.TierUrgent:
		return lipgloss.NewStyle().Foreground(colUrgent)
	case signal.TierImportant:
		return lipgloss.NewStyle().Foreground(colImportant)
	case signal.TierAdvisory:
		return lipgloss.NewStyle().Foreground(colAdvisory)
	default:
		return mutedStyle
	}
}

func bandStyle(b drift.Band) lipgloss.Style {
	switch b {
	case drift.BandCritical:
		return badStyle
	case drift.BandWarning:
		return warnStyle
	default:
		return okStyle
	}
}

// renderResult formats one committed cycle for the terminal.
func renderResult(res *cycle.Result) string {
	var b strings.Builder

	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("Cycle %s", res.CycleID)))
	fmt.Fprintln(&b, mutedStyle.Render(fmt.Sprintf("started %s  committed %s",
		res.StartedAt.Format("15:04:05"), res.CommittedAt.Format("15:04:05"))))

	fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Active signals (%d)", len(res.Active))))
	if len(res.Active) == 0 {
		fmt.Fprintln(&b, mutedStyle.Render("  none"))
	}
	for _, sig := range res.Active {
		fmt.Fprintf(&b, "  %s  %-24s %-28s sev %5.1f\n",
			tierStyle(sig.Tier).Render(fmt.Sprintf("%-10s", sig.Tier)),
			sig.Type, sig.Source.String(), sig.Severity)
	}

	if len(res.Cleared) > 0 {
		fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Cleared (%d)", len(res.Cleared))))
		for _, sig := range res.Cleared {
			fmt.Fprintf(&b, "  %s\n", mutedStyle.Render(sig.ArbitrationKey))
		}
	}
	if len(res.Suppressed) > 0 {
		fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Suppressed (%d)", len(res.Suppressed))))
		for _, sig := range res.Suppressed {
			fmt.Fprintf(&b, "  %s\n", mutedStyle.Render(sig.ArbitrationKey))
		}
	}

	fmt.Fprintln(&b, sectionStyle.Render("Drift boundaries"))
	for _, br := range res.Drift.Boundaries {
		fmt.Fprintf(&b, "  %-28s %s  %.2f\n", br.Name, bandStyle(br.Band).Render(string(br.Band)), br.Value)
	}

	fmt.Fprintln(&b, sectionStyle.Render("Truth chain"))
	for _, layer := range res.Truth.Layers {
		state := okStyle.Render("healthy")
		switch {
		case layer.Blocked:
			state = mutedStyle.Render("blocked by " + layer.BlockedBy)
		case !layer.Healthy:
			state = badStyle.Render("unhealthy: " + strings.Join(layer.Issues, "; "))
		}
		fmt.Fprintf(&b, "  %-12s %s\n", layer.Name, state)
	}

	fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Proposals (%d)", len(res.Proposals))))
	if len(res.Proposals) == 0 {
		fmt.Fprintln(&b, mutedStyle.Render("  none"))
	}
	for _, p := range res.Proposals {
		line := fmt.Sprintf("  %-8s %-20s score %6.1f  x%.2f conf %.2f",
			p.ScopeLevel, p.ScopeID, p.Score, p.Breakdown.Multiplier, p.Breakdown.Confidence)
		if p.Signature != "" {
			line += mutedStyle.Render("  [" + p.Signature + "]")
		}
		fmt.Fprintln(&b, line)
	}

	if len(res.Mutations) > 0 {
		fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Mutations (%d)", len(res.Mutations))))
		for _, mut := range res.Mutations {
			fmt.Fprintf(&b, "  %s %s=%s (%s)\n", mut.Ref, mut.Field, mut.Value, mut.Reason)
		}
	}
	if len(res.InputErrors) > 0 {
		fmt.Fprintln(&b, sectionStyle.Render(fmt.Sprintf("Input errors (%d)", len(res.InputErrors))))
		for _, msg := range res.InputErrors {
			fmt.Fprintf(&b, "  %s\n", warnStyle.Render(msg))
		}
	}
	return b.String()
}
