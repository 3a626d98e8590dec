package cycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"opsignal/internal/entity"
	"opsignal/internal/logging"
)

// SnapshotSource yields the current observations for one slice of the
// outside world (a task tracker, an invoicing system, a calendar).
type SnapshotSource interface {
	Name() string
	Snapshots(ctx context.Context) ([]entity.Snapshot, error)
}

// Scheduler runs the engine on a fixed interval. Sources are polled
// concurrently per tick, but the pass itself is strictly sequential.
type Scheduler struct {
	engine    *Engine
	sources   []SnapshotSource
	hierarchy entity.Hierarchy
	interval  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(engine *Engine, sources []SnapshotSource, hier entity.Hierarchy, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:    engine,
		sources:   sources,
		hierarchy: hier,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run ticks until Stop is called or ctx is cancelled. The first pass fires
// immediately. A pass skipped on lease contention is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests shutdown and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC().Truncate(time.Second)
	snaps, err := s.collect(ctx)
	if err != nil {
		logging.CycleError("snapshot collection failed: %v", err)
		return
	}
	if _, err := s.engine.RunCycle(ctx, Input{Snapshots: snaps, Hierarchy: s.hierarchy, Now: now}); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			return
		}
		logging.CycleError("cycle failed: %v", err)
	}
}

// collect polls every source concurrently and merges the results into one
// deterministic ordering. A failing source fails the whole tick; a partial
// world view would read as mass resolution to the reconciler.
func (s *Scheduler) collect(ctx context.Context) ([]entity.Snapshot, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]entity.Snapshot, len(s.sources))
	for i, src := range s.sources {
		g.Go(func() error {
			snaps, err := src.Snapshots(gctx)
			if err != nil {
				logging.CycleWarn("source %s: %v", src.Name(), err)
				return err
			}
			results[i] = snaps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var merged []entity.Snapshot
	for _, snaps := range results {
		merged = append(merged, snaps...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Ref.String() < merged[j].Ref.String()
	})
	return merged, nil
}
