// Package cycle drives the single-threaded governance pass: classify,
// arbitrate, escalate, monitor drift, verify truth, aggregate proposals.
// One exclusive lease guards the whole pass; external readers only ever see
// the last fully committed result.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"opsignal/internal/arbiter"
	"opsignal/internal/config"
	"opsignal/internal/drift"
	"opsignal/internal/entity"
	"opsignal/internal/escalate"
	"opsignal/internal/gate"
	"opsignal/internal/logging"
	"opsignal/internal/proposal"
	"opsignal/internal/signal"
	"opsignal/internal/truth"
)

// ErrCycleInProgress is returned when a new cycle cannot acquire the lease.
// The caller skips and logs; cycles are never queued.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Input is one cycle's immutable snapshot of the outside world.
type Input struct {
	Snapshots []entity.Snapshot
	Hierarchy entity.Hierarchy
	Now       time.Time
}

// Result is the committed output of one cycle.
type Result struct {
	CycleID     string              `json:"cycle_id"`
	StartedAt   time.Time           `json:"started_at"`
	CommittedAt time.Time           `json:"committed_at"`
	Active      []signal.Signal     `json:"active"`
	Cleared     []signal.Signal     `json:"cleared,omitempty"`
	Suppressed  []signal.Signal     `json:"suppressed,omitempty"`
	Mutations   []entity.Mutation   `json:"mutations,omitempty"`
	Truth       truth.Report        `json:"truth"`
	Drift       drift.Report        `json:"drift"`
	Proposals   []proposal.Proposal `json:"proposals"`
	Decisions   []gate.Decision     `json:"decisions,omitempty"`
	InputErrors []string            `json:"input_errors,omitempty"`
}

// Persister is the narrow persistence contract the engine hands committed
// state to. The core performs no I/O itself.
type Persister interface {
	SaveSignals(cycleID string, sigs []signal.Signal) error
	UpsertProposals(ps []proposal.Proposal) error
	RecordCycle(id string, startedAt time.Time, outcome string, activeSignals, proposals int, detail string) error
}

// Observer receives commit notifications, e.g. for metrics.
type Observer func(res *Result)

// Engine wires the seven core components and owns all shared mutable state.
type Engine struct {
	cfg        *config.Config
	classifier *signal.Classifier
	arb        *arbiter.Arbiter
	escalator  *escalate.Engine
	monitor    *drift.Monitor
	verifier   *truth.Engine
	aggregator *proposal.Aggregator
	keeper     *gate.Keeper

	persist  Persister
	observer Observer

	// lease guards the pass; TryLock failure means skip, never queue.
	lease sync.Mutex

	committed atomic.Pointer[Result]

	// delivery accounting for the daily-limit gate condition.
	deliveryMu  sync.Mutex
	deliveryDay string
	sentToday   int
}

// New builds an engine from config. Every component constructor validates
// its slice of the config against its closed registries; any failure here is
// a configuration error and must stop startup.
func New(cfg *config.Config, persist Persister, observer Observer) (*Engine, error) {
	classifier, err := signal.NewClassifier(cfg.Classifier, cfg.Arbitration.DefaultAccountRank)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	escalator, err := escalate.NewEngine(cfg.Escalation, classifier)
	if err != nil {
		return nil, fmt.Errorf("escalation: %w", err)
	}
	monitor, err := drift.NewMonitor(cfg.Drift)
	if err != nil {
		return nil, fmt.Errorf("drift: %w", err)
	}
	verifier, err := truth.NewEngine(cfg.Truth)
	if err != nil {
		return nil, fmt.Errorf("truth: %w", err)
	}
	keeper, err := gate.NewKeeper(cfg.Gate)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	return &Engine{
		cfg:        cfg,
		classifier: classifier,
		arb:        arbiter.New(cfg.Arbitration.DefaultCooldown),
		escalator:  escalator,
		monitor:    monitor,
		verifier:   verifier,
		aggregator: proposal.NewAggregator(cfg.Scoring),
		keeper:     keeper,
		persist:    persist,
		observer:   observer,
	}, nil
}

// SeedProposals restores persisted proposals into the aggregator so dedupe
// identity survives restarts.
func (e *Engine) SeedProposals(ps []proposal.Proposal) {
	e.aggregator.Seed(ps)
}

// RunCycle executes one full governance pass. It either commits a complete
// result or returns an error leaving the prior committed result
// authoritative. A pass that cannot acquire the lease returns
// ErrCycleInProgress.
func (e *Engine) RunCycle(ctx context.Context, in Input) (*Result, error) {
	if !e.lease.TryLock() {
		logging.CycleWarn("cycle skipped: lease held")
		if e.persist != nil {
			_ = e.persist.RecordCycle(cycleID(in.Now), in.Now, "skipped", 0, 0, "lease held")
		}
		return nil, ErrCycleInProgress
	}
	defer e.lease.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{CycleID: cycleID(in.Now), StartedAt: in.Now}
	seen := make(map[string]bool)

	// 1. Classify every snapshot; malformed snapshots are per-item input
	// errors, the cycle continues.
	for _, snap := range in.Snapshots {
		sigs, err := e.classifier.Classify(snap, in.Now)
		if err != nil {
			msg := fmt.Sprintf("snapshot %s rejected: %v", snap.Ref, err)
			logging.ClassifyWarn("%s", msg)
			res.InputErrors = append(res.InputErrors, msg)
			continue
		}
		for _, sig := range sigs {
			seen[sig.ArbitrationKey] = true
			e.arb.Ingest(sig, in.Now)
		}
	}

	// 2. Escalation walks each path and fires at most one step per entity.
	esc := e.escalator.Evaluate(in.Snapshots, res.CycleID, in.Now)
	for _, sig := range esc.Signals {
		seen[sig.ArbitrationKey] = true
		if surfaced := e.arb.Ingest(sig, in.Now); surfaced != nil {
			e.arb.MarkEscalated(sig.ArbitrationKey)
		}
	}

	// 3. Conditions not re-observed this cycle have resolved.
	res.Cleared = e.arb.Reconcile(seen)

	// 4. One surfaceable signal per entity; losers suppressed, retained.
	res.Suppressed = e.arb.ResolveEntityConflicts()

	// 5. Drift boundaries over the reconciled active set.
	res.Drift = e.monitor.Evaluate(drift.Input{
		Snapshots:      in.Snapshots,
		Active:         e.arb.Active(),
		Now:            in.Now,
		MaxSnapshotAge: e.cfg.Truth.MaxSnapshotAge,
	})
	e.applyDriftSignals(res, in.Now)

	// 6. Truth chain; its alert layer gates notification for this cycle.
	res.Truth = e.verifier.Evaluate(truth.Input{
		Snapshots:      in.Snapshots,
		Active:         e.arb.Active(),
		Now:            in.Now,
		MaxSnapshotAge: e.cfg.Truth.MaxSnapshotAge,
		GateLoaded:     true,
		Cooldowns:      e.cooldownView(),
	})

	// 7. Aggregate proposals over the final active set.
	res.Active = e.arb.Active()
	res.Proposals = e.aggregator.Evaluate(res.Active, in.Hierarchy, snapshotIndex(in.Snapshots), res.CycleID, in.Now)

	// 8. Entity mutations are externally visible: each one passes the gate.
	for _, mut := range esc.Mutations {
		dec := e.keeper.MayProceed("write_entity", gate.Context{
			Now:          in.Now,
			TruthHealthy: res.Truth.Healthy("entity"),
			Confidence:   1, // threshold-driven, fully determined by input
		})
		res.Decisions = append(res.Decisions, dec)
		if dec.Allowed {
			res.Mutations = append(res.Mutations, mut)
		} else {
			logging.Cycle("mutation %s on %s withheld: %s", mut.Field, mut.Ref, dec.Reason)
		}
	}

	// 9. Persist, then commit. Persist failure fails the cycle: the prior
	// committed result stays authoritative for readers.
	if e.persist != nil {
		history := append(e.arb.DrainHistory(), res.Active...)
		if err := e.persist.SaveSignals(res.CycleID, history); err != nil {
			return nil, fmt.Errorf("persist signals: %w", err)
		}
		// Persist everything the aggregator retains, not just the ranked
		// output, so dedupe identity survives a restart even while a scope
		// sits below the minimum signal count.
		if err := e.persist.UpsertProposals(e.aggregator.Known()); err != nil {
			return nil, fmt.Errorf("persist proposals: %w", err)
		}
		if err := e.persist.RecordCycle(res.CycleID, res.StartedAt, "committed", len(res.Active), len(res.Proposals), ""); err != nil {
			return nil, fmt.Errorf("record cycle: %w", err)
		}
	}

	res.CommittedAt = time.Now().UTC()
	e.committed.Store(res)
	if e.observer != nil {
		e.observer(res)
	}
	logging.Cycle("cycle %s committed: %d active, %d proposals, %d cleared",
		res.CycleID, len(res.Active), len(res.Proposals), len(res.Cleared))
	return res, nil
}

// applyDriftSignals installs advisories for breached boundaries and clears
// advisories whose boundary recovered. Both operations are idempotent.
func (e *Engine) applyDriftSignals(res *Result, now time.Time) {
	byBoundary := make(map[string]drift.Band)
	for _, br := range res.Drift.Boundaries {
		byBoundary[br.Name] = br.Band
	}
	for _, sig := range res.Drift.Signals {
		e.arb.Ingest(sig, now)
	}
	for name, band := range byBoundary {
		ref := entity.Ref{Class: entity.ClassSystem, ID: name}
		for _, stale := range staleDriftKeys(band, ref) {
			if cleared := e.arb.ClearKey(stale); cleared != nil {
				res.Cleared = append(res.Cleared, *cleared)
			}
		}
	}
	sort.Slice(res.Cleared, func(i, j int) bool {
		return res.Cleared[i].ArbitrationKey < res.Cleared[j].ArbitrationKey
	})
}

// staleDriftKeys lists the advisory keys that must not remain active for a
// boundary in the given band.
func staleDriftKeys(band drift.Band, ref entity.Ref) []string {
	warn := signal.Key("drift_warning", ref)
	crit := signal.Key("drift_critical", ref)
	switch band {
	case drift.BandHealthy:
		return []string{warn, crit}
	case drift.BandWarning:
		return []string{crit}
	default:
		return []string{warn}
	}
}

func (e *Engine) cooldownView() map[string]time.Time {
	view := make(map[string]time.Time)
	for _, sig := range e.arb.Active() {
		if until, ok := e.arb.CooldownUntil(sig.ArbitrationKey); ok {
			view[sig.ArbitrationKey] = until
		}
	}
	return view
}

// Committed returns the last fully committed result, nil before the first
// commit. Safe for concurrent readers; the result is never mutated after
// commit.
func (e *Engine) Committed() *Result {
	return e.committed.Load()
}

// MayNotify asks the gate whether a surfaced signal may be delivered now.
// Collaborators call this immediately before dispatch.
func (e *Engine) MayNotify(sig signal.Signal, now time.Time) gate.Decision {
	action := "notify"
	if sig.Tier == signal.TierInterrupt {
		action = "notify_interrupt"
	}
	ctx := gate.Context{
		Now:            now,
		Tier:           sig.Tier,
		ArbitrationKey: sig.ArbitrationKey,
		SentToday:      e.deliveredToday(now),
		TruthHealthy:   e.alertPermitted(),
	}
	if until, ok := e.arb.CooldownUntil(sig.ArbitrationKey); ok {
		ctx.CooldownUntil = until
	}
	return e.keeper.MayProceed(action, ctx)
}

// MayProceed exposes raw gate evaluation for collaborators with their own
// context (external sends, third-party writes). TruthHealthy is always
// resolved from the last committed cycle; callers cannot assert it either
// way.
func (e *Engine) MayProceed(action string, ctx gate.Context) gate.Decision {
	ctx.TruthHealthy = e.alertPermitted()
	return e.keeper.MayProceed(action, ctx)
}

// RecordDelivery is called by the notification collaborator after a
// successful dispatch: it counts toward the daily limit and starts the
// cooldown window for the key.
func (e *Engine) RecordDelivery(key string, cooldown time.Duration, now time.Time) {
	e.deliveryMu.Lock()
	day := now.UTC().Format("2006-01-02")
	if day != e.deliveryDay {
		e.deliveryDay = day
		e.sentToday = 0
	}
	e.sentToday++
	e.deliveryMu.Unlock()
	e.arb.SetCooldown(key, cooldown, now)
}

func (e *Engine) deliveredToday(now time.Time) int {
	e.deliveryMu.Lock()
	defer e.deliveryMu.Unlock()
	if now.UTC().Format("2006-01-02") != e.deliveryDay {
		return 0
	}
	return e.sentToday
}

func (e *Engine) alertPermitted() bool {
	res := e.committed.Load()
	return res != nil && res.Truth.AlertPermitted()
}

func cycleID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z")
}

func snapshotIndex(snaps []entity.Snapshot) map[string]entity.Snapshot {
	idx := make(map[string]entity.Snapshot, len(snaps))
	for _, s := range snaps {
		idx[s.Ref.String()] = s
	}
	return idx
}
