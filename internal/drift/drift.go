// Package drift evaluates system-wide health metrics against configured
// healthy/warning/critical bands and applies bounded, idempotent corrections
// when a boundary is breached.
package drift

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"opsignal/internal/config"
	"opsignal/internal/entity"
	"opsignal/internal/logging"
	"opsignal/internal/signal"
)

// Band is the evaluated zone of a boundary metric.
type Band string

const (
	BandHealthy  Band = "healthy"
	BandWarning  Band = "warning"
	BandCritical Band = "critical"
)

// Input is the cycle state the metric registry reads. All values are
// snapshots; the monitor never mutates shared state.
type Input struct {
	Snapshots []entity.Snapshot
	Active    []signal.Signal
	Now       time.Time
	// MaxSnapshotAge feeds the staleness metric; shared with the truth
	// engine's freshness check.
	MaxSnapshotAge time.Duration
}

// BoundaryReport is the observable outcome for one boundary.
type BoundaryReport struct {
	Name              string  `json:"name"`
	Metric            string  `json:"metric"`
	Value             float64 `json:"value"`
	Band              Band    `json:"band"`
	CorrectionApplied string  `json:"correction_applied,omitempty"`
	// FocusKeys is the bounded attention set produced by rerank_top_n.
	FocusKeys []string `json:"focus_keys,omitempty"`
}

// Report is the full drift report for a cycle.
type Report struct {
	Boundaries []BoundaryReport `json:"boundaries"`
	// Signals are warning/critical advisories to route through the arbiter.
	Signals []signal.Signal `json:"-"`
}

type metricFn func(in Input) float64

// metricRegistry is the closed set of boundary metrics.
var metricRegistry = map[string]metricFn{
	"active_signal_count":   metricActiveCount,
	"interrupt_share_pct":   metricInterruptShare,
	"unassigned_task_count": metricUnassignedTasks,
	"overdue_invoice_pct":   metricOverdueInvoices,
	"stale_snapshot_pct":    metricStaleSnapshots,
}

// correctionRegistry is the closed set of corrections. Every correction is
// idempotent and bounded: applying it twice on the same input yields the
// same report, and none of them loops or retries.
var correctionNames = map[string]bool{
	"rerank_top_n": true,
	"flag_review":  true,
}

// Monitor evaluates configured boundaries once per cycle.
type Monitor struct {
	boundaries []config.Boundary
	topN       int
}

// NewMonitor validates the boundary config against the closed registries.
func NewMonitor(cfg config.DriftConfig) (*Monitor, error) {
	for _, b := range cfg.Boundaries {
		if _, ok := metricRegistry[b.Metric]; !ok {
			return nil, fmt.Errorf("boundary %q: unknown metric %q", b.Name, b.Metric)
		}
		if b.Correction != "" && !correctionNames[b.Correction] {
			return nil, fmt.Errorf("boundary %q: unknown correction %q", b.Name, b.Correction)
		}
	}
	return &Monitor{boundaries: cfg.Boundaries, topN: cfg.RerankTopN}, nil
}

// Evaluate computes every boundary's band and applies the declared
// correction exactly once for each boundary in the critical band.
func (m *Monitor) Evaluate(in Input) Report {
	var rep Report
	for _, b := range m.boundaries {
		value := metricRegistry[b.Metric](in)
		br := BoundaryReport{Name: b.Name, Metric: b.Metric, Value: value, Band: band(b, value)}

		switch br.Band {
		case BandWarning:
			rep.Signals = append(rep.Signals, m.advisory(b, value, br.Band, in.Now))
			logging.DriftWarn("boundary %s in warning band: %s=%.1f", b.Name, b.Metric, value)
		case BandCritical:
			rep.Signals = append(rep.Signals, m.advisory(b, value, br.Band, in.Now))
			switch b.Correction {
			case "rerank_top_n":
				br.FocusKeys = rerankTopN(in.Active, m.topN)
				br.CorrectionApplied = b.Correction
			case "flag_review":
				br.CorrectionApplied = b.Correction
			}
			logging.DriftWarn("boundary %s critical: %s=%.1f, correction=%s", b.Name, b.Metric, value, b.Correction)
		}
		rep.Boundaries = append(rep.Boundaries, br)
	}
	return rep
}

func band(b config.Boundary, value float64) Band {
	switch {
	case value >= b.Critical:
		return BandCritical
	case value >= b.Warning:
		return BandWarning
	default:
		return BandHealthy
	}
}

// advisory builds the ADVISORY signal surfaced for a breached boundary.
func (m *Monitor) advisory(b config.Boundary, value float64, bd Band, now time.Time) signal.Signal {
	ref := entity.Ref{Class: entity.ClassSystem, ID: b.Name}
	key := signal.Key("drift_"+string(bd), ref)
	sev := 30.0
	if bd == BandCritical {
		sev = 55
	}
	return signal.Signal{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(key+"|"+now.UTC().Format(time.RFC3339))).String(),
		Type:           "drift_" + string(bd),
		Tier:           signal.TierAdvisory,
		Source:         ref,
		SourceFields:   map[string]any{"metric": b.Metric, "value": value},
		ArbitrationKey: key,
		DetectedAt:     now,
		Severity:       sev,
		Status:         signal.StatusActive,
	}
}

// rerankTopN returns the arbitration keys of the strongest N active signals,
// ordered tier first, then severity, then key. A fixed re-ranking, never a
// mutation of the signal set itself.
func rerankTopN(active []signal.Signal, n int) []string {
	ranked := make([]signal.Signal, len(active))
	copy(ranked, active)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Tier != ranked[j].Tier {
			return ranked[i].Tier < ranked[j].Tier
		}
		if ranked[i].Severity != ranked[j].Severity {
			return ranked[i].Severity > ranked[j].Severity
		}
		return ranked[i].ArbitrationKey < ranked[j].ArbitrationKey
	})
	n = int(math.Min(float64(n), float64(len(ranked))))
	keys := make([]string, 0, n)
	for _, s := range ranked[:n] {
		keys = append(keys, s.ArbitrationKey)
	}
	return keys
}

func metricActiveCount(in Input) float64 {
	return float64(len(in.Active))
}

func metricInterruptShare(in Input) float64 {
	if len(in.Active) == 0 {
		return 0
	}
	n := 0
	for _, s := range in.Active {
		if s.Tier == signal.TierInterrupt {
			n++
		}
	}
	return 100 * float64(n) / float64(len(in.Active))
}

func metricUnassignedTasks(in Input) float64 {
	n := 0
	for _, s := range in.Snapshots {
		if s.Ref.Class == entity.ClassTask && s.Open() && s.Assignee == "" {
			n++
		}
	}
	return float64(n)
}

func metricOverdueInvoices(in Input) float64 {
	total, overdue := 0, 0
	for _, s := range in.Snapshots {
		if s.Ref.Class != entity.ClassInvoice || !s.Open() {
			continue
		}
		total++
		if s.AgingDays >= 30 {
			overdue++
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(overdue) / float64(total)
}

func metricStaleSnapshots(in Input) float64 {
	if len(in.Snapshots) == 0 {
		return 0
	}
	stale := 0
	for _, s := range in.Snapshots {
		if in.Now.Sub(s.UpdatedAt) > in.MaxSnapshotAge {
			stale++
		}
	}
	return 100 * float64(stale) / float64(len(in.Snapshots))
}
