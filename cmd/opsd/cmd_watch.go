package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsignal/internal/config"
	"opsignal/internal/cycle"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var watchSnapshots string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run cycles in-process and watch results live",
	Long: `Runs the governance loop in the foreground with a live terminal view.
Nothing is persisted; this is an operator lens on what the daemon would do
with the same snapshot file.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchSnapshots, "snapshots", "s", "snapshots.yaml", "Snapshot source file to poll")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := cycle.New(cfg, nil, nil)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	m := watchModel{
		cfg:    cfg,
		engine: engine,
		source: cycle.NewFileSource("file", watchSnapshots),
		spin:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		ctx:    cmd.Context(),
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type cycleDoneMsg struct {
	res *cycle.Result
	err error
}

type tickMsg struct{}

type watchModel struct {
	cfg    *config.Config
	engine *cycle.Engine
	source *cycle.FileSource
	spin   spinner.Model
	ctx    context.Context

	last    *cycle.Result
	lastErr error
	running bool
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.runCycle())
}

func (m watchModel) runCycle() tea.Cmd {
	return func() tea.Msg {
		snaps, err := m.source.Snapshots(m.ctx)
		if err != nil {
			return cycleDoneMsg{err: err}
		}
		res, err := m.engine.RunCycle(m.ctx, cycle.Input{
			Snapshots: snaps,
			Hierarchy: m.source.Hierarchy(),
			Now:       time.Now().UTC().Truncate(time.Second),
		})
		return cycleDoneMsg{res: res, err: err}
	}
}

func (m watchModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.cfg.Scheduler.Interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.running {
				m.running = true
				return m, m.runCycle()
			}
		}
	case tickMsg:
		if !m.running {
			m.running = true
			return m, m.runCycle()
		}
		return m, m.scheduleTick()
	case cycleDoneMsg:
		m.running = false
		if msg.err != nil && !errors.Is(msg.err, cycle.ErrCycleInProgress) {
			m.lastErr = msg.err
		} else if msg.res != nil {
			m.last = msg.res
			m.lastErr = nil
		}
		return m, m.scheduleTick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	header := titleStyle.Render("opSignal watch") + "  " +
		mutedStyle.Render(fmt.Sprintf("every %s  (q quit, r refresh)", m.cfg.Scheduler.Interval))
	if m.running {
		header += "  " + m.spin.View()
	}
	body := mutedStyle.Render("\n  waiting for first cycle...\n")
	if m.lastErr != nil {
		body = "\n" + badStyle.Render("  "+m.lastErr.Error()) + "\n"
	} else if m.last != nil {
		body = "\n" + renderResult(m.last)
	}
	return header + "\n" + body
}
