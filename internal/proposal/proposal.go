// Package proposal groups the active-signal set by hierarchical scope and
// produces ranked, deduplicated proposals with evidence-weighted scores and
// a correlation-confidence factor.
package proposal

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"opsignal/internal/config"
	"opsignal/internal/entity"
	"opsignal/internal/logging"
	"opsignal/internal/signal"
)

// ScoreBreakdown records every scoring component for auditability.
type ScoreBreakdown struct {
	Urgency    float64 `json:"urgency"`    // 0-60, from the worst signal
	Breadth    float64 `json:"breadth"`    // 0-40, distinct signal count
	Diversity  float64 `json:"diversity"`  // 0-30, distinct signal types
	Multiplier float64 `json:"multiplier"` // 0.8-2.0, account impact
	Confidence float64 `json:"confidence"` // 0-1, correlation confidence
}

// Proposal is a deduplicated aggregation of at least MinSignals signals
// sharing one scope.
type Proposal struct {
	ID          string         `json:"id"`
	ScopeLevel  string         `json:"scope_level"`
	ScopeID     string         `json:"scope_id"`
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"score_breakdown"`
	SignalIDs   []string       `json:"signal_ids"`
	WorstSignal string         `json:"worst_signal"` // arbitration key of the highest-severity member
	Signature   string         `json:"signature,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Aggregator groups signals and maintains the deduplicated proposal store.
// It is owned and driven exclusively by the cycle engine.
type Aggregator struct {
	cfg       config.ScoringConfig
	proposals map[string]*Proposal // keyed by scope level|id

	// recurrence ring: for each scope+signature, which of the last N cycles
	// the pattern appeared in.
	ring        map[string][]string
	lastCycleID string
}

// NewAggregator builds an aggregator from scoring config.
func NewAggregator(cfg config.ScoringConfig) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		proposals: make(map[string]*Proposal),
		ring:      make(map[string][]string),
	}
}

// Evaluate groups the active set by scope and upserts proposals. Groups
// below the minimum signal count are held, not surfaced. Re-running with the
// same cycle ID and input is idempotent: scores do not drift and no
// duplicate proposals appear.
func (a *Aggregator) Evaluate(active []signal.Signal, hier entity.Hierarchy, snaps map[string]entity.Snapshot, cycleID string, now time.Time) []Proposal {
	groups := a.group(active, hier)

	sameCycle := cycleID == a.lastCycleID
	a.lastCycleID = cycleID
	upserted := make(map[string]bool)

	for _, g := range groups {
		if len(g.signals) < a.cfg.MinSignals {
			continue
		}
		key := g.scope.Level + "|" + g.scope.ID
		if upserted[key] {
			// Duplicate key inside one evaluation: corrected by the in-place
			// update below, but it means grouping produced a collision.
			logging.ProposalWarn("duplicate proposal key %s within one cycle", key)
		}
		upserted[key] = true

		sigName, conf := a.confidence(g, cycleID, sameCycle, now)
		bd := a.scoreGroup(g, snaps, conf)
		score := round1((bd.Urgency + bd.Breadth + bd.Diversity) * bd.Multiplier)

		if existing, ok := a.proposals[key]; ok {
			existing.Score = score
			existing.Breakdown = bd
			existing.SignalIDs = g.ids()
			existing.WorstSignal = g.worst().ArbitrationKey
			existing.Signature = sigName
			existing.UpdatedAt = now
		} else {
			a.proposals[key] = &Proposal{
				ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("proposal|"+key)).String(),
				ScopeLevel:  g.scope.Level,
				ScopeID:     g.scope.ID,
				Score:       score,
				Breakdown:   bd,
				SignalIDs:   g.ids(),
				WorstSignal: g.worst().ArbitrationKey,
				Signature:   sigName,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		}
	}

	// Proposals whose scope no longer meets the minimum drop from the
	// ranked output but stay in the store for dedupe continuity.
	var out []Proposal
	for key, p := range a.proposals {
		if upserted[key] {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ScopeLevel+"|"+out[i].ScopeID < out[j].ScopeLevel+"|"+out[j].ScopeID
	})
	return out
}

type group struct {
	scope   entity.Scope
	signals []signal.Signal
}

func (g group) ids() []string {
	ids := make([]string, 0, len(g.signals))
	for _, s := range g.signals {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func (g group) worst() signal.Signal {
	w := g.signals[0]
	for _, s := range g.signals[1:] {
		if s.Severity > w.Severity || (s.Severity == w.Severity && s.ArbitrationKey < w.ArbitrationKey) {
			w = s
		}
	}
	return w
}

// group buckets every signal into each scope of its parent chain, own
// entity level included, so compound risk shows up at the level where it
// converges.
func (a *Aggregator) group(active []signal.Signal, hier entity.Hierarchy) []group {
	buckets := make(map[string]*group)
	add := func(sc entity.Scope, s signal.Signal) {
		key := sc.Level + "|" + sc.ID
		b, ok := buckets[key]
		if !ok {
			b = &group{scope: sc}
			buckets[key] = b
		}
		b.signals = append(b.signals, s)
	}
	for _, s := range active {
		if s.Source.Class == entity.ClassSystem {
			continue // drift advisories stay out of client-facing proposals
		}
		add(entity.Scope{Level: string(s.Source.Class), ID: s.Source.ID}, s)
		for _, sc := range hier.Parents(s.Source) {
			add(sc, s)
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]group, 0, len(keys))
	for _, k := range keys {
		g := *buckets[k]
		sort.Slice(g.signals, func(i, j int) bool { return g.signals[i].ArbitrationKey < g.signals[j].ArbitrationKey })
		out = append(out, g)
	}
	return out
}

func (a *Aggregator) scoreGroup(g group, snaps map[string]entity.Snapshot, conf float64) ScoreBreakdown {
	worst := g.worst()
	urgency := math.Min(60, worst.Severity*0.6)
	breadth := math.Min(40, 10*float64(len(g.signals)))

	types := make(map[string]bool)
	for _, s := range g.signals {
		types[s.Type] = true
	}
	diversity := math.Min(30, 7.5*float64(len(types)))

	return ScoreBreakdown{
		Urgency:    round1(urgency),
		Breadth:    breadth,
		Diversity:  diversity,
		Multiplier: a.multiplier(g, snaps, conf),
		Confidence: round2(conf),
	}
}

// multiplier derives the impact factor from account tier, engagement type,
// and contract value of the group's entities, nudged by correlation
// confidence and clamped to [0.8, 2.0]. It never reads urgency.
func (a *Aggregator) multiplier(g group, snaps map[string]entity.Snapshot, conf float64) float64 {
	minRank := 4
	retainer := false
	maxValue := 0.0
	for _, s := range g.signals {
		if s.AccountRank < minRank {
			minRank = s.AccountRank
		}
		if snap, ok := snaps[s.Source.String()]; ok {
			if snap.EngagementType == "retainer" {
				retainer = true
			}
			if snap.ContractValue > maxValue {
				maxValue = snap.ContractValue
			}
		}
	}

	m := 0.8 + 0.15*float64(4-minRank)
	if retainer {
		m += 0.2
	}
	m += math.Min(0.2, maxValue/50000*0.2)
	m += 0.2 * (conf - 0.5)
	return round2(clamp(m, 0.8, 2.0))
}

// confidence computes the correlation-confidence factor: a weighted sum of
// component completeness (0.35), severity alignment (0.25), temporal
// proximity (0.20), and recurrence over the configured cycle window (0.20),
// bounded to [0,1].
func (a *Aggregator) confidence(g group, cycleID string, sameCycle bool, now time.Time) (string, float64) {
	present := make(map[string]bool)
	for _, s := range g.signals {
		present[s.Type] = true
	}

	bestSig, completeness := "", 0.0
	for _, sig := range a.cfg.Signatures {
		hit := 0
		for _, t := range sig.Types {
			if present[t] {
				hit++
			}
		}
		if frac := float64(hit) / float64(len(sig.Types)); frac > completeness {
			completeness = frac
			bestSig = sig.Name
		}
	}

	alignment := severityAlignment(g.signals)
	proximity := temporalProximity(g.signals, a.cfg.ProximityWindow)
	recurrence := a.recurrence(g, bestSig, completeness, cycleID, sameCycle)

	conf := 0.35*completeness + 0.25*alignment + 0.20*proximity + 0.20*recurrence
	return bestSig, clamp(conf, 0, 1)
}

// severityAlignment is 1 when every member is equally severe and decays
// with the spread of member severities.
func severityAlignment(sigs []signal.Signal) float64 {
	if len(sigs) < 2 {
		return 0.5
	}
	mean := 0.0
	for _, s := range sigs {
		mean += s.Severity
	}
	mean /= float64(len(sigs))
	variance := 0.0
	for _, s := range sigs {
		variance += (s.Severity - mean) * (s.Severity - mean)
	}
	sd := math.Sqrt(variance / float64(len(sigs)))
	return clamp(1-sd/50, 0, 1)
}

// temporalProximity is 1 when all members co-occurred within the window and
// decays as the detection span stretches past it.
func temporalProximity(sigs []signal.Signal, window time.Duration) float64 {
	if len(sigs) < 2 || window <= 0 {
		return 0.5
	}
	earliest, latest := sigs[0].DetectedAt, sigs[0].DetectedAt
	for _, s := range sigs[1:] {
		if s.DetectedAt.Before(earliest) {
			earliest = s.DetectedAt
		}
		if s.DetectedAt.After(latest) {
			latest = s.DetectedAt
		}
	}
	span := latest.Sub(earliest)
	if span <= window {
		return 1
	}
	return clamp(float64(window)/float64(span), 0, 1)
}

// recurrence is the fraction of the last N cycles in which this scope
// exhibited the same compound pattern.
func (a *Aggregator) recurrence(g group, sigName string, completeness float64, cycleID string, sameCycle bool) float64 {
	if sigName == "" {
		return 0
	}
	key := g.scope.Level + "|" + g.scope.ID + "|" + sigName
	seen := a.ring[key]
	if completeness > 0 && !sameCycle {
		seen = append(seen, cycleID)
		if len(seen) > a.cfg.RecurrenceWindowCycles {
			seen = seen[len(seen)-a.cfg.RecurrenceWindowCycles:]
		}
		a.ring[key] = seen
	}
	return clamp(float64(len(seen))/float64(a.cfg.RecurrenceWindowCycles), 0, 1)
}

// Known returns every retained proposal, ranked, including ones currently
// below the minimum signal count. The persistence path stores this full set
// so dedupe identity survives restarts. The slice is a copy.
func (a *Aggregator) Known() []Proposal {
	out := make([]Proposal, 0, len(a.proposals))
	for _, p := range a.proposals {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Seed restores previously persisted proposals so dedupe identity survives
// restarts.
func (a *Aggregator) Seed(ps []Proposal) {
	for _, p := range ps {
		cp := p
		a.proposals[p.ScopeLevel+"|"+p.ScopeID] = &cp
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
