// Package escalate re-evaluates long-lived entity conditions against ordered
// time thresholds and emits signals or bounded entity mutations when a
// threshold is crossed.
package escalate

import (
	"fmt"
	"sort"
	"time"

	"opsignal/internal/config"
	"opsignal/internal/entity"
	"opsignal/internal/logging"
	"opsignal/internal/signal"
)

// compiledStep is a config step with its tier resolved.
type compiledStep struct {
	cfg  config.EscalationStep
	tier signal.Tier
}

type compiledPath struct {
	cfg   config.EscalationPath
	steps []compiledStep
}

// Result is the outcome of one cycle's escalation pass.
type Result struct {
	// Signals to ingest through the arbitrator, sorted deterministically.
	Signals []signal.Signal
	// Mutations are bounded single-field entity write-backs.
	Mutations []entity.Mutation
	// Fired maps entity ref strings to the path and threshold that fired,
	// for the drift/cycle reports.
	Fired map[string]FiredStep
}

// FiredStep records which step fired for an entity this cycle.
type FiredStep struct {
	Path      string  `json:"path"`
	Threshold float64 `json:"threshold"`
	Measure   float64 `json:"measure"`
}

// Engine walks escalation paths. Per-entity state is re-entrant: an instance
// regressing below a threshold simply stops escalating; its history of past
// crossings is kept.
type Engine struct {
	paths      []compiledPath
	classifier *signal.Classifier

	// highWater records the highest threshold ever fired per path+entity.
	// It survives regression and is never reset within a run.
	highWater map[string]float64
}

// NewEngine compiles the configured paths. Config validation has already
// enforced strictly increasing thresholds; tier names resolve here.
func NewEngine(cfg config.EscalationConfig, classifier *signal.Classifier) (*Engine, error) {
	e := &Engine{classifier: classifier, highWater: make(map[string]float64)}
	for _, pc := range cfg.Paths {
		cp := compiledPath{cfg: pc}
		for _, sc := range pc.Steps {
			st := compiledStep{cfg: sc}
			if sc.SignalType != "" {
				t, err := signal.ParseTier(sc.Tier)
				if err != nil {
					return nil, fmt.Errorf("escalation path %q: %w", pc.Name, err)
				}
				st.tier = t
			}
			cp.steps = append(cp.steps, st)
		}
		e.paths = append(e.paths, cp)
	}
	return e, nil
}

// Evaluate runs every registered path over the open entities for one cycle.
// At most one step fires per entity per cycle, and within a path only the
// highest met threshold fires; lower steps never double-fire.
func (e *Engine) Evaluate(snapshots []entity.Snapshot, cycleID string, now time.Time) Result {
	res := Result{Fired: make(map[string]FiredStep)}

	// Deterministic entity order regardless of collector ordering.
	sorted := make([]entity.Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ref.String() < sorted[j].Ref.String() })

	for _, snap := range sorted {
		if !snap.Open() || snap.Ref.ID == "" {
			continue
		}
		entKey := snap.Ref.String()
		if _, done := res.Fired[entKey]; done {
			continue
		}
		for _, path := range e.paths {
			if path.cfg.EntityClass != string(snap.Ref.Class) {
				continue
			}
			measure, ok := snap.NumField(path.cfg.Measure, now)
			if !ok {
				continue
			}
			step, threshold, met := highestMet(path, measure)
			if !met {
				continue
			}

			e.markHighWater(path.cfg.Name, entKey, threshold)
			res.Fired[entKey] = FiredStep{Path: path.cfg.Name, Threshold: threshold, Measure: measure}

			if step.cfg.SignalType != "" {
				sev, ok := e.classifier.SeverityFor(step.cfg.SignalType, snap, now)
				if !ok {
					sev = 25 + measure/10
					if sev > 100 {
						sev = 100
					}
				}
				sig := e.classifier.Build(snap, step.cfg.SignalType, step.tier, sev, now)
				sig.Status = signal.StatusEscalated
				res.Signals = append(res.Signals, sig)
			}
			if step.cfg.SetField != "" {
				res.Mutations = append(res.Mutations, entity.Mutation{
					Ref:     snap.Ref,
					Field:   step.cfg.SetField,
					Value:   step.cfg.SetValue,
					Reason:  fmt.Sprintf("%s crossed %.0f (%s=%.1f)", path.cfg.Name, threshold, path.cfg.Measure, measure),
					CycleID: cycleID,
				})
			}
			logging.Escalate("%s: %s fired at %.0f (%s=%.1f)", entKey, path.cfg.Name, threshold, path.cfg.Measure, measure)
			break // one step per entity per cycle
		}
	}
	return res
}

// highestMet walks the path from the highest threshold down and returns the
// first step whose threshold the measure meets.
func highestMet(path compiledPath, measure float64) (compiledStep, float64, bool) {
	for i := len(path.steps) - 1; i >= 0; i-- {
		if measure >= path.steps[i].cfg.Threshold {
			return path.steps[i], path.steps[i].cfg.Threshold, true
		}
	}
	return compiledStep{}, 0, false
}

func (e *Engine) markHighWater(path, entKey string, threshold float64) {
	k := path + "|" + entKey
	if threshold > e.highWater[k] {
		e.highWater[k] = threshold
	}
}

// HighWater reports the highest threshold ever fired for a path and entity,
// zero when the pair never escalated.
func (e *Engine) HighWater(path, entKey string) float64 {
	return e.highWater[path+"|"+entKey]
}
