// Package entity defines the read-only snapshot contract between the
// governance core and the data collectors. The core never mutates external
// systems; it reads immutable-for-the-cycle snapshots and writes back only
// declared fields (health classification, priority) through the cycle output.
package entity

import (
	"fmt"
	"time"
)

// Class identifies the kind of entity a snapshot describes.
type Class string

const (
	ClassTask       Class = "task"
	ClassInvoice    Class = "invoice"
	ClassCommitment Class = "commitment"
	ClassClient     Class = "client"
	ClassCalendar   Class = "calendar_event"
	ClassProject    Class = "project"

	// ClassSystem backs internally generated signals (drift boundaries).
	ClassSystem Class = "system"
)

// Ref points at one external entity.
type Ref struct {
	Class Class  `json:"class"`
	ID    string `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Class, r.ID)
}

// Snapshot is an immutable-for-the-cycle view of one entity, as delivered by
// a collector. Common fields are typed; class-specific extras live in Fields.
type Snapshot struct {
	Ref       Ref       `json:"ref"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`

	// Task fields.
	DueDate    *time.Time `json:"due_date,omitempty"`
	Assignee   string     `json:"assignee,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	BlockedAt  *time.Time `json:"blocked_at,omitempty"`

	// Invoice / receivable fields.
	Amount    float64 `json:"amount,omitempty"`
	AgingDays int     `json:"aging_days,omitempty"`

	// Commitment / communication fields.
	CommittedDue  *time.Time `json:"committed_due,omitempty"`
	LastContactAt *time.Time `json:"last_contact_at,omitempty"`

	// Account context, resolved by the collector for arbitration and scoring.
	// AccountTier is a pointer so a resolved tier 0 (most important) is
	// distinguishable from a collector that resolved no account at all.
	AccountTier    *int    `json:"account_tier,omitempty"`
	EngagementType string  `json:"engagement_type,omitempty"`
	ContractValue  float64 `json:"contract_value,omitempty"`

	// Free-form class-specific fields referenced by classifier rules.
	Fields map[string]any `json:"fields,omitempty"`
}

// Open reports whether the entity still needs attention. Collectors map
// their own status vocabulary onto "closed"/"resolved"/"paid"/"cancelled".
func (s Snapshot) Open() bool {
	switch s.Status {
	case "closed", "resolved", "paid", "cancelled", "done":
		return false
	}
	return true
}

// NumField returns a numeric field by name, looking at typed fields first and
// falling back to the Fields map. Unknown names return (0, false).
func (s Snapshot) NumField(name string, now time.Time) (float64, bool) {
	switch name {
	case "aging_days":
		return float64(s.AgingDays), true
	case "amount":
		return s.Amount, true
	case "contract_value":
		return s.ContractValue, true
	case "hours_overdue":
		if s.DueDate == nil || now.Before(*s.DueDate) {
			return 0, s.DueDate != nil
		}
		return now.Sub(*s.DueDate).Hours(), true
	case "hours_unassigned":
		if s.Assignee != "" {
			return 0, true
		}
		return now.Sub(s.UpdatedAt).Hours(), true
	case "hours_blocked":
		if s.BlockedAt == nil {
			return 0, false
		}
		return now.Sub(*s.BlockedAt).Hours(), true
	case "hours_to_commitment":
		if s.CommittedDue == nil {
			return 0, false
		}
		return s.CommittedDue.Sub(now).Hours(), true
	case "hours_to_commitment_inverted":
		// Grows as the commitment approaches and keeps growing past due,
		// so escalation thresholds read naturally as "within N hours".
		if s.CommittedDue == nil {
			return 0, false
		}
		return 48 - s.CommittedDue.Sub(now).Hours(), true
	case "hours_since_contact":
		if s.LastContactAt == nil {
			return 0, false
		}
		return now.Sub(*s.LastContactAt).Hours(), true
	}
	if v, ok := s.Fields[name]; ok {
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}

// StrField returns a string field by name from common fields or Fields.
func (s Snapshot) StrField(name string) (string, bool) {
	switch name {
	case "status":
		return s.Status, true
	case "assignee":
		return s.Assignee, true
	case "engagement_type":
		return s.EngagementType, true
	}
	if v, ok := s.Fields[name]; ok {
		if str, ok := v.(string); ok {
			return str, true
		}
	}
	return "", false
}

// Scope identifies one level of the entity hierarchy.
type Scope struct {
	Level string `json:"level"` // task, project, brand, client
	ID    string `json:"id"`
}

// Hierarchy resolves an entity to its parent scope chain
// (task -> project -> brand -> client). Implemented by collectors.
type Hierarchy interface {
	// Parents returns the scope chain for the entity, nearest first.
	// Entities with no known parents return an empty slice.
	Parents(ref Ref) []Scope
}

// Mutation is a bounded write-back to one declared entity field. The core
// emits mutations; a collaborator applies them. No external side effects.
type Mutation struct {
	Ref     Ref    `json:"ref"`
	Field   string `json:"field"` // "health" or "priority"
	Value   string `json:"value"`
	Reason  string `json:"reason"`
	CycleID string `json:"cycle_id"`
}
