// Package arbiter owns the active-signal map and cooldown map. All signal
// mutation funnels through here: components never write the shared maps
// directly, and only the single cycle goroutine calls into the arbiter.
package arbiter

import (
	"sort"
	"sync"
	"time"

	"opsignal/internal/entity"
	"opsignal/internal/logging"
	"opsignal/internal/signal"
)

// Arbiter resolves conflicts between signals that share an arbitration key
// and enforces per-key cooldowns after delivery.
type Arbiter struct {
	mu          sync.RWMutex
	active      map[string]signal.Signal
	cooldowns   map[string]time.Time
	history     []signal.Signal
	defaultCool time.Duration
}

// New creates an arbiter with the configured default cooldown window.
func New(defaultCooldown time.Duration) *Arbiter {
	return &Arbiter{
		active:      make(map[string]signal.Signal),
		cooldowns:   make(map[string]time.Time),
		defaultCool: defaultCooldown,
	}
}

// Ingest applies the arbitration rules to an incoming signal and returns the
// signal to surface, or nil when the incoming signal is suppressed.
//
// Rules, in order:
//  1. Key under cooldown and incoming tier is not INTERRUPT: suppress.
//  2. No active signal for the key: install and surface.
//  3. Otherwise arbitrate existing vs incoming; the loser is discarded, and
//     if the loser was the installed signal it transitions to suppressed
//     (retained in history, never deleted).
func (a *Arbiter) Ingest(sig signal.Signal, now time.Time) *signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()

	if until, ok := a.cooldowns[sig.ArbitrationKey]; ok {
		if now.Before(until) && sig.Tier != signal.TierInterrupt {
			logging.ArbiterDebug("suppressing %s: cooldown until %s", sig.ArbitrationKey, until.Format(time.RFC3339))
			sig.Status = signal.StatusSuppressed
			a.history = append(a.history, sig)
			return nil
		}
		if !now.Before(until) {
			delete(a.cooldowns, sig.ArbitrationKey)
		}
	}

	existing, ok := a.active[sig.ArbitrationKey]
	if !ok {
		a.active[sig.ArbitrationKey] = sig
		return &sig
	}

	if existing.Type == sig.Type && existing.Tier == sig.Tier {
		// Same condition re-observed: refresh in place rather than churning
		// the key through suppression.
		sig.Status = existing.Status
		a.active[sig.ArbitrationKey] = sig
		return &sig
	}

	winner := Arbitrate(existing, sig)
	if winner.ID == existing.ID {
		// Incoming loses: not surfaced, not installed, status untouched.
		return nil
	}
	existing.Status = signal.StatusSuppressed
	a.history = append(a.history, existing)
	a.active[sig.ArbitrationKey] = sig
	logging.Arbiter("%s: %s (%s) superseded by %s (%s)", sig.ArbitrationKey,
		existing.ID, existing.Tier, sig.ID, sig.Tier)
	return &sig
}

// Arbitrate selects the winner of two signals on the same key. The order is
// total and symmetric: tier ordinal first (stronger tier wins), then account
// rank (more important account wins), then later detection time, then
// lexicographically smaller ID so that no two distinct signals ever tie.
func Arbitrate(x, y signal.Signal) signal.Signal {
	switch {
	case x.Tier != y.Tier:
		if x.Tier < y.Tier {
			return x
		}
		return y
	case x.AccountRank != y.AccountRank:
		if x.AccountRank < y.AccountRank {
			return x
		}
		return y
	case !x.DetectedAt.Equal(y.DetectedAt):
		if x.DetectedAt.After(y.DetectedAt) {
			return x
		}
		return y
	case x.ID <= y.ID:
		return x
	default:
		return y
	}
}

// SetCooldown records a delivery for the key, suppressing re-alerts on the
// same condition within the window. Zero duration applies the configured
// default.
func (a *Arbiter) SetCooldown(key string, d time.Duration, now time.Time) {
	if d <= 0 {
		d = a.defaultCool
	}
	a.mu.Lock()
	a.cooldowns[key] = now.Add(d)
	a.mu.Unlock()
}

// CooldownUntil reports the cooldown expiry for a key, if any.
func (a *Arbiter) CooldownUntil(key string) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	until, ok := a.cooldowns[key]
	return until, ok
}

// Reconcile clears active signals whose underlying condition was not
// re-observed this cycle. Called by the cycle engine after ingestion with
// the set of keys produced this cycle.
func (a *Arbiter) Reconcile(seen map[string]bool) []signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	var cleared []signal.Signal
	for key, sig := range a.active {
		if seen[key] {
			continue
		}
		if sig.Source.Class == entity.ClassSystem {
			// Drift advisories are cleared explicitly by the cycle engine
			// when their boundary recovers, not by observation absence.
			continue
		}
		sig.Status = signal.StatusCleared
		a.history = append(a.history, sig)
		cleared = append(cleared, sig)
		delete(a.active, key)
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i].ArbitrationKey < cleared[j].ArbitrationKey })
	return cleared
}

// ClearKey transitions the active signal for a key to cleared, returning it,
// or nil when the key is not active. Used for internally owned signals
// (drift advisories) whose lifecycle the cycle engine drives directly.
func (a *Arbiter) ClearKey(key string) *signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	sig, ok := a.active[key]
	if !ok {
		return nil
	}
	sig.Status = signal.StatusCleared
	a.history = append(a.history, sig)
	delete(a.active, key)
	return &sig
}

// ResolveEntityConflicts enforces one surfaceable signal per entity: when
// several active signals reference the same entity, the arbitration winner
// stays active and the rest transition to suppressed. Suppressed signals are
// retained and reappear on a later cycle once the winner clears, because the
// classifier re-emits them and Ingest finds the key free again.
func (a *Arbiter) ResolveEntityConflicts() []signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()

	byEntity := make(map[string][]string)
	for key, sig := range a.active {
		ent := sig.Source.String()
		byEntity[ent] = append(byEntity[ent], key)
	}

	var suppressed []signal.Signal
	for _, keys := range byEntity {
		if len(keys) < 2 {
			continue
		}
		sort.Strings(keys)
		winner := a.active[keys[0]]
		for _, key := range keys[1:] {
			winner = Arbitrate(winner, a.active[key])
		}
		for _, key := range keys {
			if key == winner.ArbitrationKey {
				continue
			}
			sig := a.active[key]
			sig.Status = signal.StatusSuppressed
			a.history = append(a.history, sig)
			suppressed = append(suppressed, sig)
			delete(a.active, key)
			logging.ArbiterDebug("%s suppressed by %s on %s", key, winner.ArbitrationKey, winner.Source)
		}
	}
	sort.Slice(suppressed, func(i, j int) bool { return suppressed[i].ArbitrationKey < suppressed[j].ArbitrationKey })
	return suppressed
}

// MarkEscalated flags the active signal for a key as escalated without
// changing ownership. No-op when the key is not active.
func (a *Arbiter) MarkEscalated(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sig, ok := a.active[key]; ok {
		sig.Status = signal.StatusEscalated
		a.active[key] = sig
	}
}

// Active returns the active signals sorted by arbitration key. The slice is
// a copy; callers cannot mutate arbiter state through it.
func (a *Arbiter) Active() []signal.Signal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]signal.Signal, 0, len(a.active))
	for _, sig := range a.active {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArbitrationKey < out[j].ArbitrationKey })
	return out
}

// ActiveCount reports the number of active signals.
func (a *Arbiter) ActiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

// DrainHistory returns and clears the transitioned-signal backlog
// (suppressed and cleared signals) for persistence.
func (a *Arbiter) DrainHistory() []signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history
	a.history = nil
	return h
}
