// Package gate decides whether an intended action may proceed. Conditions
// form a closed, tagged set of pure predicates registered in a lookup table;
// an unrecognized tag is a configuration error at load and a deny at
// runtime, never a silent allow.
package gate

import (
	"fmt"
	"time"

	"opsignal/internal/config"
	"opsignal/internal/logging"
	"opsignal/internal/signal"
)

// Context carries the facts a condition predicate may consult. It is
// assembled by the caller per decision; the gate holds no mutable state of
// its own beyond the daily counter.
type Context struct {
	Now           time.Time
	Tier          signal.Tier
	ArbitrationKey string

	// CooldownUntil is the arbiter's cooldown expiry for the key, zero when
	// no cooldown is recorded.
	CooldownUntil time.Time

	// SentToday is the number of notifications already delivered today.
	SentToday int

	// Confidence is the correlation confidence of the driving proposal.
	Confidence float64

	// TruthHealthy reports whether the alert truth layer was reached and
	// healthy this cycle.
	TruthHealthy bool

	// HumanApproved must be set explicitly for destructive actions.
	HumanApproved bool
}

// Decision is the externally consumed (allowed, reason) pair.
type Decision struct {
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

type predicate func(cond config.GateCondition, limits config.GateConfig, ctx Context) (bool, string)

// conditionRegistry is the closed set of condition variants.
var conditionRegistry = map[string]predicate{
	"quiet_hours":      condQuietHours,
	"cooldown_elapsed": condCooldownElapsed,
	"daily_count_under": condDailyCount,
	"confidence_above": condConfidence,
	"truth_healthy":    condTruthHealthy,
	"human_approval":   condHumanApproval,
}

// Keeper evaluates declarative action rules.
type Keeper struct {
	cfg         config.GateConfig
	actions     map[string][]config.GateCondition
	destructive map[string]bool
}

// NewKeeper compiles the action rules. Unknown condition tags fail here,
// at load time.
func NewKeeper(cfg config.GateConfig) (*Keeper, error) {
	k := &Keeper{
		cfg:         cfg,
		actions:     make(map[string][]config.GateCondition),
		destructive: make(map[string]bool),
	}
	for _, a := range cfg.Actions {
		for _, cond := range a.Conditions {
			if _, ok := conditionRegistry[cond.Tag]; !ok {
				return nil, fmt.Errorf("gate action %q: unknown condition tag %q", a.Action, cond.Tag)
			}
			if cond.MinTier != "" {
				if _, err := signal.ParseTier(cond.MinTier); err != nil {
					return nil, fmt.Errorf("gate action %q: %w", a.Action, err)
				}
			}
		}
		k.actions[a.Action] = a.Conditions
	}
	for _, d := range cfg.Destructive {
		if _, ok := k.actions[d]; !ok {
			return nil, fmt.Errorf("destructive action %q has no rule", d)
		}
		k.destructive[d] = true
	}
	return k, nil
}

// MayProceed evaluates the rule for an action type. Unknown action types are
// a hard deny. Destructive actions deny without explicit human approval,
// regardless of their other conditions.
func (k *Keeper) MayProceed(action string, ctx Context) Decision {
	conds, ok := k.actions[action]
	if !ok {
		logging.GateInfo("deny %s: unknown action type", action)
		return Decision{Action: action, Allowed: false, Reason: fmt.Sprintf("unknown action type %q", action)}
	}
	if k.destructive[action] && !ctx.HumanApproved {
		return Decision{Action: action, Allowed: false, Reason: "destructive action requires human approval"}
	}
	for _, cond := range conds {
		pred, ok := conditionRegistry[cond.Tag]
		if !ok {
			// Registry and load-time validation agree; reaching this means
			// the rule set was mutated after load.
			return Decision{Action: action, Allowed: false, Reason: fmt.Sprintf("unknown condition %q", cond.Tag)}
		}
		pass, reason := pred(cond, k.cfg, ctx)
		if !pass {
			logging.GateDebug("deny %s: %s", action, reason)
			return Decision{Action: action, Allowed: false, Reason: reason}
		}
	}
	return Decision{Action: action, Allowed: true, Reason: "all conditions met"}
}

func condQuietHours(cond config.GateCondition, limits config.GateConfig, ctx Context) (bool, string) {
	if cond.MinTier != "" {
		bypass, _ := signal.ParseTier(cond.MinTier)
		if ctx.Tier <= bypass {
			return true, ""
		}
	}
	h := ctx.Now.Hour()
	start, end := limits.QuietHoursStart, limits.QuietHoursEnd
	inQuiet := false
	if start <= end {
		inQuiet = h >= start && h < end
	} else { // window wraps midnight
		inQuiet = h >= start || h < end
	}
	if inQuiet {
		return false, fmt.Sprintf("quiet hours (%02d:00-%02d:00)", start, end)
	}
	return true, ""
}

func condCooldownElapsed(cond config.GateCondition, _ config.GateConfig, ctx Context) (bool, string) {
	if ctx.CooldownUntil.IsZero() {
		return true, ""
	}
	gateUntil := ctx.CooldownUntil
	if cond.Window > 0 && ctx.Now.Add(cond.Window).Before(gateUntil) {
		gateUntil = ctx.Now.Add(cond.Window)
	}
	if ctx.Now.Before(gateUntil) {
		return false, fmt.Sprintf("cooldown active for %s until %s", ctx.ArbitrationKey, ctx.CooldownUntil.Format(time.RFC3339))
	}
	return true, ""
}

func condDailyCount(_ config.GateCondition, limits config.GateConfig, ctx Context) (bool, string) {
	if ctx.SentToday >= limits.DailyLimit {
		return false, "daily limit reached"
	}
	return true, ""
}

func condConfidence(cond config.GateCondition, _ config.GateConfig, ctx Context) (bool, string) {
	if ctx.Confidence < cond.Threshold {
		return false, fmt.Sprintf("confidence %.2f below threshold %.2f", ctx.Confidence, cond.Threshold)
	}
	return true, ""
}

func condTruthHealthy(_ config.GateCondition, _ config.GateConfig, ctx Context) (bool, string) {
	if !ctx.TruthHealthy {
		return false, "alert truth layer not verified this cycle"
	}
	return true, ""
}

func condHumanApproval(_ config.GateCondition, _ config.GateConfig, ctx Context) (bool, string) {
	if !ctx.HumanApproved {
		return false, "human approval flag not present"
	}
	return true, ""
}
