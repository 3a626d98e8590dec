package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"opsignal/internal/config"
	"opsignal/internal/cycle"
	"opsignal/internal/drift"
	"opsignal/internal/logging"
	"opsignal/internal/store"
	"opsignal/internal/telemetry"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var snapshotsPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the governance scheduler until interrupted",
	Long: `Starts the cycle scheduler: poll snapshot sources, run one governance
pass per interval, persist committed results. The config file is watched;
edits are validated and applied at the next cycle boundary. Invalid edits
are rejected and the running config stays in force.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVarP(&snapshotsPath, "snapshots", "s", "snapshots.yaml", "Snapshot source file to poll")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := telemetry.New()
	engine, err := buildEngine(cfg, st, metrics)
	if err != nil {
		return err
	}

	source := cycle.NewFileSource("file", snapshotsPath)
	sched := cycle.NewScheduler(engine, []cycle.SnapshotSource{source}, source.Hierarchy(), cfg.Scheduler.Interval)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		srv := &http.Server{Addr: cfg.Telemetry.Listen, Handler: metrics.Handler()}
		go func() {
			logger.Info("telemetry listening", zap.String("addr", cfg.Telemetry.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("telemetry server", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if configPath != "" {
		watcher, werr := watchConfig(ctx)
		if werr != nil {
			logger.Warn("config watch disabled", zap.Error(werr))
		} else {
			defer watcher.Close()
		}
	}

	logger.Info("scheduler starting",
		zap.Duration("interval", cfg.Scheduler.Interval),
		zap.String("store", cfg.Store.Path))
	logging.Boot("opsd run: interval=%s store=%s snapshots=%s",
		cfg.Scheduler.Interval, cfg.Store.Path, snapshotsPath)

	err = sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("scheduler stopped")
		return nil
	}
	return err
}

// buildEngine assembles the engine with persistence and metrics, restoring
// proposal identity from the store.
func buildEngine(cfg *config.Config, st *store.Store, metrics *telemetry.Metrics) (*cycle.Engine, error) {
	engine, err := cycle.New(cfg, st, observeMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("engine init: %w", err)
	}
	if prior, err := st.LoadProposals(); err != nil {
		logger.Warn("proposal restore failed", zap.Error(err))
	} else if len(prior) > 0 {
		engine.SeedProposals(prior)
		logger.Info("proposals restored", zap.Int("count", len(prior)))
	}
	return engine, nil
}

func observeMetrics(m *telemetry.Metrics) cycle.Observer {
	return func(res *cycle.Result) {
		m.CyclesTotal.WithLabelValues("committed").Inc()
		m.ActiveSignals.Set(float64(len(res.Active)))
		m.Proposals.Set(float64(len(res.Proposals)))
		for _, br := range res.Drift.Boundaries {
			m.BoundaryBand.WithLabelValues(br.Name).Set(bandValue(br.Band))
		}
		for _, dec := range res.Decisions {
			if !dec.Allowed {
				m.GateDenials.WithLabelValues(dec.Reason).Inc()
			}
		}
	}
}

func bandValue(b drift.Band) float64 {
	switch b {
	case drift.BandWarning:
		return 1
	case drift.BandCritical:
		return 2
	default:
		return 0
	}
}

// watchConfig revalidates the config file on every write. Structural rule
// changes require a restart to take effect; the watcher's job is to tell the
// operator immediately whether an edit would survive one.
func watchConfig(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops file watches.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, err
	}
	target := filepath.Clean(configPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if _, err := config.Load(configPath); err != nil {
					logger.Warn("config edit invalid, keeping running config", zap.Error(err))
					logging.CycleWarn("config edit rejected: %v", err)
					continue
				}
				logger.Info("config edit valid, restart to apply", zap.String("path", configPath))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}
