package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsignal/internal/config"
	"opsignal/internal/entity"
	"opsignal/internal/logging"
)

// ErrMissingEntityID marks a malformed observation. Rejected, never
// silently defaulted.
var ErrMissingEntityID = errors.New("observation has no entity id")

// Classifier turns entity snapshots into signals using the configured rule
// table. It is a pure function of the snapshot, the rules, and the cycle
// clock; the same input always produces the same signals, IDs included.
type Classifier struct {
	rules       []rule
	defaultType string
	defaultRank int
}

type rule struct {
	cfg  config.ClassifierRule
	tier Tier
}

// NewClassifier compiles the rule table. Unknown tier names are
// configuration errors.
func NewClassifier(cfg config.ClassifierConfig, defaultAccountRank int) (*Classifier, error) {
	c := &Classifier{defaultType: cfg.DefaultType, defaultRank: defaultAccountRank}
	for _, rc := range cfg.Rules {
		t, err := ParseTier(rc.Tier)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %q: %w", rc.Type, err)
		}
		if rc.Field == "" && rc.KeywordField == "" {
			return nil, fmt.Errorf("classifier rule %q: no threshold or keyword predicate", rc.Type)
		}
		c.rules = append(c.rules, rule{cfg: rc, tier: t})
	}
	return c, nil
}

// Classify evaluates every rule for the snapshot's class and returns one
// signal per matching rule. Classification is total: a snapshot matching no
// rule yields a single default ADVISORY signal. A snapshot without an entity
// id is rejected with ErrMissingEntityID.
func (c *Classifier) Classify(snap entity.Snapshot, now time.Time) ([]Signal, error) {
	if snap.Ref.ID == "" {
		return nil, ErrMissingEntityID
	}
	if !snap.Open() {
		return nil, nil
	}

	var out []Signal
	for _, r := range c.rules {
		if r.cfg.EntityClass != string(snap.Ref.Class) {
			continue
		}
		if !r.matches(snap, now) {
			continue
		}
		out = append(out, c.build(snap, r.cfg.Type, r.tier, r.severity(snap, now), now))
	}
	if len(out) == 0 {
		logging.ClassifyDebug("no rule matched %s, defaulting to %s", snap.Ref, c.defaultType)
		out = append(out, c.build(snap, c.defaultType, TierAdvisory, 10, now))
	}
	return out, nil
}

func (r rule) matches(snap entity.Snapshot, now time.Time) bool {
	if r.cfg.Field != "" {
		v, ok := snap.NumField(r.cfg.Field, now)
		return ok && v >= r.cfg.Min
	}
	v, ok := snap.StrField(r.cfg.KeywordField)
	return ok && strings.Contains(strings.ToLower(v), strings.ToLower(r.cfg.Keyword))
}

func (r rule) severity(snap entity.Snapshot, now time.Time) float64 {
	f := r.cfg.Severity
	sev := f.Base
	if f.Field != "" && f.PerUnit != 0 {
		if v, ok := snap.NumField(f.Field, now); ok {
			sev += f.PerUnit * v
		}
	}
	cap := f.Cap
	if cap == 0 {
		cap = 100
	}
	if sev > cap {
		sev = cap
	}
	if sev < 0 {
		sev = 0
	}
	return sev
}

// SeverityFor computes the configured severity formula for a signal type
// against a snapshot. Used by the escalation engine so escalated signals
// score with the same rule table as classified ones. Returns false for
// types with no configured formula.
func (c *Classifier) SeverityFor(sigType string, snap entity.Snapshot, now time.Time) (float64, bool) {
	for _, r := range c.rules {
		if r.cfg.Type == sigType {
			return r.severity(snap, now), true
		}
	}
	return 0, false
}

// Build assembles a signal outside rule matching; the escalation engine uses
// it so escalated signals share ID derivation and account-rank defaulting
// with classified ones.
func (c *Classifier) Build(snap entity.Snapshot, sigType string, tier Tier, sev float64, now time.Time) Signal {
	return c.build(snap, sigType, tier, sev, now)
}

func (c *Classifier) build(snap entity.Snapshot, sigType string, tier Tier, sev float64, now time.Time) Signal {
	key := Key(sigType, snap.Ref)
	// No resolved account on the snapshot: use the configured default
	// rank rather than silently treating it as top tier.
	rank := c.defaultRank
	if snap.AccountTier != nil {
		rank = *snap.AccountTier
	}
	return Signal{
		// Content-derived ID keeps replayed cycles byte-identical.
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(key+"|"+now.UTC().Format(time.RFC3339))).String(),
		Type:           sigType,
		Tier:           tier,
		Source:         snap.Ref,
		SourceFields:   snap.Fields,
		ArbitrationKey: key,
		DetectedAt:     now,
		Severity:       sev,
		Status:         StatusActive,
		AccountRank:    rank,
	}
}
