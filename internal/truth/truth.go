// Package truth runs the layered readiness verification chain. Layers
// evaluate in a fixed total order; the first unhealthy layer stops
// evaluation and every later layer reports blocked, never a fabricated
// healthy state. The final alert layer gates external notification for the
// cycle.
package truth

import (
	"fmt"
	"time"

	"opsignal/internal/config"
	"opsignal/internal/entity"
	"opsignal/internal/logging"
	"opsignal/internal/signal"
)

// Input is the cycle state the check registry reads.
type Input struct {
	Snapshots      []entity.Snapshot
	Active         []signal.Signal
	Now            time.Time
	MaxSnapshotAge time.Duration
	// GateLoaded reports that the gate keeper compiled its rule set.
	GateLoaded bool
	// Cooldowns maps arbitration keys to expiry for the sanity check.
	Cooldowns map[string]time.Time
}

// LayerReport is the evaluation outcome for one layer.
type LayerReport struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Blocked   bool      `json:"blocked"`
	BlockedBy string    `json:"blocked_by,omitempty"`
	Issues    []string  `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the ordered per-layer result for a cycle.
type Report struct {
	Layers []LayerReport `json:"layers"`
}

// Healthy reports whether the named layer evaluated healthy this cycle.
// Blocked layers are not healthy.
func (r Report) Healthy(layer string) bool {
	for _, l := range r.Layers {
		if l.Name == layer {
			return l.Healthy
		}
	}
	return false
}

// AlertPermitted reports whether the final layer in the chain was reached
// and healthy, which is the precondition for any external notification.
func (r Report) AlertPermitted() bool {
	if len(r.Layers) == 0 {
		return false
	}
	return r.Layers[len(r.Layers)-1].Healthy
}

type checkFn func(in Input) []string

// checkRegistry is the closed set of layer checks.
var checkRegistry = map[string]checkFn{
	"snapshots_present":     checkSnapshotsPresent,
	"snapshots_fresh":       checkSnapshotsFresh,
	"entity_ids_unique":     checkEntityIDsUnique,
	"entity_refs_valid":     checkEntityRefsValid,
	"single_active_per_key": checkSingleActivePerKey,
	"cooldowns_sane":        checkCooldownsSane,
	"gate_rules_loaded":     checkGateLoaded,
}

// Engine evaluates the configured layer chain.
type Engine struct {
	layers []config.TruthLayer
}

// NewEngine validates the chain against the closed check registry. Config
// validation already enforced that dependencies reference earlier layers
// only, so the order is total and acyclic.
func NewEngine(cfg config.TruthConfig) (*Engine, error) {
	for _, l := range cfg.Layers {
		for _, c := range l.Checks {
			if _, ok := checkRegistry[c]; !ok {
				return nil, fmt.Errorf("truth layer %q: unknown check %q", l.Name, c)
			}
		}
	}
	return &Engine{layers: cfg.Layers}, nil
}

// Evaluate runs the chain in declared order. A layer is healthy iff all its
// checks pass and all dependency layers are healthy. On the first unhealthy
// layer, evaluation stops: later layers are reported blocked by it, not
// separately evaluated. A panicking check marks its layer unhealthy with the
// recovered error as an issue; it never crashes the cycle.
func (e *Engine) Evaluate(in Input) Report {
	var rep Report
	healthy := make(map[string]bool)
	blockedBy := ""

	for _, layer := range e.layers {
		if blockedBy != "" {
			rep.Layers = append(rep.Layers, LayerReport{
				Name: layer.Name, Blocked: true, BlockedBy: blockedBy, CheckedAt: in.Now,
			})
			continue
		}

		lr := LayerReport{Name: layer.Name, Healthy: true, CheckedAt: in.Now}
		for _, dep := range layer.DependsOn {
			if !healthy[dep] {
				lr.Healthy = false
				lr.Issues = append(lr.Issues, fmt.Sprintf("dependency %q unhealthy", dep))
			}
		}
		for _, name := range layer.Checks {
			issues := runCheck(name, checkRegistry[name], in)
			if len(issues) > 0 {
				lr.Healthy = false
				lr.Issues = append(lr.Issues, issues...)
			}
		}

		healthy[layer.Name] = lr.Healthy
		rep.Layers = append(rep.Layers, lr)
		if !lr.Healthy {
			blockedBy = layer.Name
			logging.TruthWarn("layer %s unhealthy: %v", layer.Name, lr.Issues)
		}
	}
	return rep
}

// runCheck isolates check panics as evaluation errors.
func runCheck(name string, fn checkFn, in Input) (issues []string) {
	defer func() {
		if r := recover(); r != nil {
			issues = []string{fmt.Sprintf("check %s panicked: %v", name, r)}
		}
	}()
	return fn(in)
}

func checkSnapshotsPresent(in Input) []string {
	if len(in.Snapshots) == 0 {
		return []string{"no entity snapshots collected this cycle"}
	}
	return nil
}

func checkSnapshotsFresh(in Input) []string {
	var issues []string
	for _, s := range in.Snapshots {
		if age := in.Now.Sub(s.UpdatedAt); age > in.MaxSnapshotAge {
			issues = append(issues, fmt.Sprintf("%s stale: updated %s ago", s.Ref, age.Round(time.Minute)))
			if len(issues) >= 5 { // bound issue volume
				issues = append(issues, "further stale snapshots elided")
				break
			}
		}
	}
	return issues
}

func checkEntityIDsUnique(in Input) []string {
	seen := make(map[string]bool, len(in.Snapshots))
	var issues []string
	for _, s := range in.Snapshots {
		key := s.Ref.String()
		if seen[key] {
			issues = append(issues, fmt.Sprintf("duplicate snapshot for %s", s.Ref))
		}
		seen[key] = true
	}
	return issues
}

func checkEntityRefsValid(in Input) []string {
	var issues []string
	for _, s := range in.Snapshots {
		if s.Ref.ID == "" || s.Ref.Class == "" {
			issues = append(issues, "snapshot with empty entity ref")
		}
	}
	return issues
}

func checkSingleActivePerKey(in Input) []string {
	seen := make(map[string]bool, len(in.Active))
	var issues []string
	for _, s := range in.Active {
		if seen[s.ArbitrationKey] {
			issues = append(issues, fmt.Sprintf("multiple active signals for key %s", s.ArbitrationKey))
		}
		seen[s.ArbitrationKey] = true
	}
	return issues
}

func checkCooldownsSane(in Input) []string {
	var issues []string
	for key, until := range in.Cooldowns {
		if until.Sub(in.Now) > 7*24*time.Hour {
			issues = append(issues, fmt.Sprintf("cooldown for %s extends past a week", key))
		}
	}
	return issues
}

func checkGateLoaded(in Input) []string {
	if !in.GateLoaded {
		return []string{"gate rule set not loaded"}
	}
	return nil
}
