// Package signal defines the signal data model shared by the whole
// governance core, and the classifier that turns raw observations into
// typed, tiered signals.
package signal

import (
	"fmt"
	"time"

	"opsignal/internal/entity"
)

// Tier is the ordered urgency class of a signal. Lower ordinal is stronger:
// INTERRUPT beats URGENT beats IMPORTANT beats ADVISORY beats BACKGROUND.
type Tier int

const (
	TierInterrupt Tier = iota
	TierUrgent
	TierImportant
	TierAdvisory
	TierBackground
)

var tierNames = map[Tier]string{
	TierInterrupt:  "INTERRUPT",
	TierUrgent:     "URGENT",
	TierImportant:  "IMPORTANT",
	TierAdvisory:   "ADVISORY",
	TierBackground: "BACKGROUND",
}

func (t Tier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TIER(%d)", int(t))
}

// ParseTier maps a config tier name to its ordinal.
func ParseTier(name string) (Tier, error) {
	for t, n := range tierNames {
		if n == name {
			return t, nil
		}
	}
	return TierBackground, fmt.Errorf("unknown tier %q", name)
}

// Status is the lifecycle state of a signal. Superseded signals become
// suppressed, never deleted; resolved conditions clear on a later cycle.
type Status string

const (
	StatusActive     Status = "active"
	StatusEscalated  Status = "escalated"
	StatusCleared    Status = "cleared"
	StatusSuppressed Status = "suppressed"
)

// Signal is one typed observation about one entity.
type Signal struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Tier           Tier            `json:"tier"`
	Source         entity.Ref      `json:"source"`
	SourceFields   map[string]any  `json:"source_fields,omitempty"`
	ArbitrationKey string          `json:"arbitration_key"`
	DetectedAt     time.Time       `json:"detected_at"`
	Severity       float64         `json:"severity"` // 0-100
	Status         Status          `json:"status"`

	// AccountRank is the importance rank of the associated account,
	// resolved at classification time for the arbitration tie-break.
	AccountRank int `json:"account_rank"`
}

// Key builds the stable arbitration identity for a signal type on an entity.
func Key(sigType string, ref entity.Ref) string {
	return sigType + ":" + ref.ID
}
