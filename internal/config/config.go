// Package config holds all opSignal configuration. Everything the governance
// core treats as a rule table (classifier rules, escalation paths, boundary
// bands, gate conditions, scoring weights) is loaded from here, never
// hardcoded in component control flow.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Gate        GateConfig        `yaml:"gate"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Drift       DriftConfig       `yaml:"drift"`
	Truth       TruthConfig       `yaml:"truth"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Store       StoreConfig       `yaml:"store"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SchedulerConfig drives the cycle cadence.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// ArbitrationConfig configures conflict resolution.
type ArbitrationConfig struct {
	// DefaultAccountRank is the rank used for entities with no associated
	// account in the tie-break on account importance. 0 is most important;
	// the default of 3 sorts unaccounted entities below real accounts.
	DefaultAccountRank int `yaml:"default_account_rank" validate:"min=0,max=4"`

	// DefaultCooldown applies when the notifier does not pass an explicit
	// window after delivery.
	DefaultCooldown time.Duration `yaml:"default_cooldown" validate:"gt=0"`
}

// ClassifierConfig is the signal-type rule table.
type ClassifierConfig struct {
	Rules []ClassifierRule `yaml:"rules" validate:"required,min=1,dive"`
	// DefaultType is assigned when no rule matches an observation;
	// classification must be total.
	DefaultType string `yaml:"default_type" validate:"required"`
}

// ClassifierRule maps observation features to a signal type and tier.
type ClassifierRule struct {
	Type        string `yaml:"type" validate:"required"`
	EntityClass string `yaml:"entity_class" validate:"required"`
	Tier        string `yaml:"tier" validate:"required,oneof=INTERRUPT URGENT IMPORTANT ADVISORY BACKGROUND"`

	// Threshold predicate: fires when Field >= Min (hours, days, amounts).
	Field string  `yaml:"field"`
	Min   float64 `yaml:"min"`

	// Keyword predicate: fires when KeywordField contains Keyword.
	KeywordField string `yaml:"keyword_field"`
	Keyword      string `yaml:"keyword"`

	Severity SeverityFormula `yaml:"severity"`
}

// SeverityFormula computes urgency 0-100 as min(cap, base + per_unit*field).
type SeverityFormula struct {
	Base    float64 `yaml:"base" validate:"min=0,max=100"`
	PerUnit float64 `yaml:"per_unit"`
	Field   string  `yaml:"field"`
	Cap     float64 `yaml:"cap" validate:"min=0,max=100"`
}

// GateConfig is the declarative action rule set.
type GateConfig struct {
	Actions []GateAction `yaml:"actions" validate:"required,dive"`
	// Destructive actions are permanently non-automatable: always denied
	// unless the context carries an explicit human approval flag.
	Destructive []string `yaml:"destructive"`

	QuietHoursStart int `yaml:"quiet_hours_start" validate:"min=0,max=23"`
	QuietHoursEnd   int `yaml:"quiet_hours_end" validate:"min=0,max=23"`
	DailyLimit      int `yaml:"daily_limit" validate:"min=1"`
}

// GateAction binds one action type to its named conditions.
type GateAction struct {
	Action     string          `yaml:"action" validate:"required"`
	Conditions []GateCondition `yaml:"conditions" validate:"dive"`
}

// GateCondition references a registered condition predicate by tag.
type GateCondition struct {
	Tag       string        `yaml:"tag" validate:"required"`
	MinTier   string        `yaml:"min_tier,omitempty"`
	Window    time.Duration `yaml:"window,omitempty"`
	Threshold float64       `yaml:"threshold,omitempty"`
}

// EscalationConfig registers one escalation path per entity condition.
type EscalationConfig struct {
	Paths []EscalationPath `yaml:"paths" validate:"required,dive"`
}

// EscalationPath is an ordered ladder of time thresholds for one entity
// class. Thresholds must be strictly increasing; only the highest met step
// fires per cycle.
type EscalationPath struct {
	Name        string           `yaml:"name" validate:"required"`
	EntityClass string           `yaml:"entity_class" validate:"required"`
	Measure     string           `yaml:"measure" validate:"required"`
	Steps       []EscalationStep `yaml:"steps" validate:"required,min=1,dive"`
}

// EscalationStep fires once its threshold (in the path's measure unit) is met.
type EscalationStep struct {
	Threshold  float64 `yaml:"threshold" validate:"gt=0"`
	SignalType string  `yaml:"signal_type"`
	Tier       string  `yaml:"tier" validate:"omitempty,oneof=INTERRUPT URGENT IMPORTANT ADVISORY BACKGROUND"`
	// Optional bounded entity mutation.
	SetField string `yaml:"set_field" validate:"omitempty,oneof=health priority"`
	SetValue string `yaml:"set_value"`
}

// DriftConfig declares the boundary metrics and corrections.
type DriftConfig struct {
	Boundaries []Boundary `yaml:"boundaries" validate:"required,dive"`
	// RerankTopN bounds the rerank_top_n correction.
	RerankTopN int `yaml:"rerank_top_n" validate:"min=1"`
}

// Boundary is one system-health metric with warning/critical bands and a
// single idempotent correction.
type Boundary struct {
	Name       string  `yaml:"name" validate:"required"`
	Metric     string  `yaml:"metric" validate:"required"`
	Warning    float64 `yaml:"warning"`
	Critical   float64 `yaml:"critical"`
	Correction string  `yaml:"correction"`
}

// TruthConfig declares the ordered verification chain.
type TruthConfig struct {
	Layers []TruthLayer `yaml:"layers" validate:"required,min=1,dive"`
	// MaxSnapshotAge bounds the freshness check.
	MaxSnapshotAge time.Duration `yaml:"max_snapshot_age" validate:"gt=0"`
}

// TruthLayer names a verification stage, its checks, and the layers it
// depends on. Dependencies may only reference earlier layers.
type TruthLayer struct {
	Name      string   `yaml:"name" validate:"required"`
	DependsOn []string `yaml:"depends_on"`
	Checks    []string `yaml:"checks" validate:"required,min=1"`
}

// ScoringConfig tunes proposal aggregation and correlation confidence.
type ScoringConfig struct {
	MinSignals int `yaml:"min_signals" validate:"min=2"`

	// RecurrenceWindowCycles bounds the history window for the recurrence
	// factor of correlation confidence.
	RecurrenceWindowCycles int `yaml:"recurrence_window_cycles" validate:"min=1"`

	// ProximityWindow is the co-occurrence window for temporal proximity.
	ProximityWindow time.Duration `yaml:"proximity_window" validate:"gt=0"`

	// Signatures are the expected compound-risk patterns used by the
	// component-completeness factor.
	Signatures []RiskSignature `yaml:"signatures" validate:"dive"`
}

// RiskSignature lists the signal types expected to co-occur in one
// compound risk pattern.
type RiskSignature struct {
	Name  string   `yaml:"name" validate:"required"`
	Types []string `yaml:"types" validate:"required,min=2"`
}

// StoreConfig configures the SQLite history store.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// TelemetryConfig configures the optional metrics listener.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Dir        string          `yaml:"dir"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// Load reads, parses, and validates a config file. Any validation failure is
// a configuration error and must stop startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces structural constraints. Component constructors add
// closed-registry checks (known condition tags, metrics, checks) on top.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	for _, p := range c.Escalation.Paths {
		prev := 0.0
		for i, s := range p.Steps {
			if s.Threshold <= prev {
				return fmt.Errorf("config validation: escalation path %q: step %d threshold %.1f not strictly increasing", p.Name, i, s.Threshold)
			}
			prev = s.Threshold
			if s.SignalType == "" && s.SetField == "" {
				return fmt.Errorf("config validation: escalation path %q: step %d has no signal and no mutation", p.Name, i)
			}
			if s.SignalType != "" && s.Tier == "" {
				return fmt.Errorf("config validation: escalation path %q: step %d emits %q without a tier", p.Name, i, s.SignalType)
			}
		}
	}
	for _, b := range c.Drift.Boundaries {
		if b.Critical < b.Warning {
			return fmt.Errorf("config validation: boundary %q: critical band %.1f below warning %.1f", b.Name, b.Critical, b.Warning)
		}
	}
	seen := map[string]int{}
	for i, l := range c.Truth.Layers {
		for _, dep := range l.DependsOn {
			at, ok := seen[dep]
			if !ok || at >= i {
				return fmt.Errorf("config validation: truth layer %q depends on %q which is not an earlier layer", l.Name, dep)
			}
		}
		if _, dup := seen[l.Name]; dup {
			return fmt.Errorf("config validation: duplicate truth layer %q", l.Name)
		}
		seen[l.Name] = i
	}
	return nil
}

// DefaultConfig returns the shipped defaults. Operators override via YAML;
// the defaults alone satisfy Validate.
func DefaultConfig() *Config {
	return &Config{
		Name:    "opSignal",
		Version: "0.4.0",

		Scheduler: SchedulerConfig{Interval: 15 * time.Minute},

		Arbitration: ArbitrationConfig{
			DefaultAccountRank: 3,
			DefaultCooldown:    2 * time.Hour,
		},

		Classifier: ClassifierConfig{
			DefaultType: "general_attention",
			Rules: []ClassifierRule{
				{
					Type: "deadline_overdue", EntityClass: "task", Tier: "URGENT",
					Field: "hours_overdue", Min: 1,
					Severity: SeverityFormula{Base: 40, PerUnit: 0.125, Field: "hours_overdue", Cap: 100},
				},
				{
					Type: "task_unassigned", EntityClass: "task", Tier: "IMPORTANT",
					Field: "hours_unassigned", Min: 24,
					Severity: SeverityFormula{Base: 30, PerUnit: 0.25, Field: "hours_unassigned", Cap: 90},
				},
				{
					Type: "task_blocked", EntityClass: "task", Tier: "URGENT",
					Field: "hours_blocked", Min: 8,
					Severity: SeverityFormula{Base: 45, PerUnit: 0.5, Field: "hours_blocked", Cap: 95},
				},
				{
					Type: "ar_aging_risk", EntityClass: "invoice", Tier: "INTERRUPT",
					Field: "aging_days", Min: 60,
					Severity: SeverityFormula{Base: 60, PerUnit: 0.5, Field: "aging_days", Cap: 100},
				},
				{
					Type: "invoice_overdue", EntityClass: "invoice", Tier: "IMPORTANT",
					Field: "aging_days", Min: 30,
					Severity: SeverityFormula{Base: 35, PerUnit: 0.8, Field: "aging_days", Cap: 85},
				},
				{
					Type: "commitment_due", EntityClass: "commitment", Tier: "URGENT",
					Field: "hours_to_commitment_inverted", Min: 24,
					Severity: SeverityFormula{Base: 50, PerUnit: 0.2, Field: "hours_to_commitment_inverted", Cap: 80},
				},
				{
					Type: "communication_gap", EntityClass: "client", Tier: "ADVISORY",
					Field: "hours_since_contact", Min: 336,
					Severity: SeverityFormula{Base: 20, PerUnit: 0.05, Field: "hours_since_contact", Cap: 70},
				},
				{
					Type: "meeting_conflict", EntityClass: "calendar_event", Tier: "IMPORTANT",
					KeywordField: "conflict", Keyword: "overlap",
					Severity: SeverityFormula{Base: 40, PerUnit: 0, Cap: 60},
				},
			},
		},

		Gate: GateConfig{
			QuietHoursStart: 22,
			QuietHoursEnd:   7,
			DailyLimit:      12,
			Destructive:     []string{"send_external", "write_thirdparty"},
			Actions: []GateAction{
				{Action: "notify", Conditions: []GateCondition{
					{Tag: "truth_healthy"},
					{Tag: "quiet_hours", MinTier: "INTERRUPT"},
					{Tag: "cooldown_elapsed", Window: 30 * time.Minute},
					{Tag: "daily_count_under"},
				}},
				{Action: "notify_interrupt", Conditions: []GateCondition{
					{Tag: "truth_healthy"},
					{Tag: "cooldown_elapsed", Window: 10 * time.Minute},
				}},
				{Action: "write_entity", Conditions: []GateCondition{
					{Tag: "truth_healthy"},
					{Tag: "confidence_above", Threshold: 0.6},
				}},
				{Action: "auto_resolve", Conditions: []GateCondition{
					{Tag: "truth_healthy"},
					{Tag: "confidence_above", Threshold: 0.8},
				}},
				{Action: "send_external", Conditions: []GateCondition{
					{Tag: "human_approval"},
				}},
				{Action: "write_thirdparty", Conditions: []GateCondition{
					{Tag: "human_approval"},
				}},
			},
		},

		Escalation: EscalationConfig{
			Paths: []EscalationPath{
				{
					Name: "unassigned_work", EntityClass: "task", Measure: "hours_unassigned",
					Steps: []EscalationStep{
						{Threshold: 24, SignalType: "task_unassigned", Tier: "IMPORTANT"},
						{Threshold: 48, SignalType: "task_unassigned", Tier: "URGENT"},
						{Threshold: 96, SignalType: "task_unassigned", Tier: "INTERRUPT", SetField: "priority", SetValue: "1"},
					},
				},
				{
					Name: "blocked_work", EntityClass: "task", Measure: "hours_blocked",
					Steps: []EscalationStep{
						{Threshold: 8, SignalType: "task_blocked", Tier: "IMPORTANT"},
						{Threshold: 24, SignalType: "task_blocked", Tier: "URGENT"},
						{Threshold: 72, SignalType: "task_blocked", Tier: "INTERRUPT"},
					},
				},
				{
					Name: "overdue_work", EntityClass: "task", Measure: "hours_overdue",
					Steps: []EscalationStep{
						{Threshold: 1, SignalType: "deadline_overdue", Tier: "IMPORTANT"},
						{Threshold: 48, SignalType: "deadline_overdue", Tier: "URGENT"},
						{Threshold: 168, SignalType: "deadline_overdue", Tier: "INTERRUPT"},
					},
				},
				{
					Name: "aging_receivables", EntityClass: "invoice", Measure: "aging_days",
					Steps: []EscalationStep{
						{Threshold: 30, SignalType: "invoice_overdue", Tier: "IMPORTANT"},
						{Threshold: 60, SignalType: "ar_aging_risk", Tier: "URGENT", SetField: "health", SetValue: "at_risk"},
						{Threshold: 90, SignalType: "ar_aging_risk", Tier: "INTERRUPT", SetField: "health", SetValue: "critical"},
					},
				},
				{
					Name: "due_commitments", EntityClass: "commitment", Measure: "hours_to_commitment_inverted",
					Steps: []EscalationStep{
						{Threshold: 24, SignalType: "commitment_due", Tier: "IMPORTANT"},
						{Threshold: 48, SignalType: "commitment_due", Tier: "URGENT"},
					},
				},
				{
					Name: "contact_gaps", EntityClass: "client", Measure: "hours_since_contact",
					Steps: []EscalationStep{
						{Threshold: 336, SignalType: "communication_gap", Tier: "ADVISORY"},
						{Threshold: 672, SignalType: "communication_gap", Tier: "IMPORTANT", SetField: "health", SetValue: "cooling"},
					},
				},
			},
		},

		Drift: DriftConfig{
			RerankTopN: 10,
			Boundaries: []Boundary{
				{Name: "signal_volume", Metric: "active_signal_count", Warning: 40, Critical: 80, Correction: "rerank_top_n"},
				{Name: "interrupt_share", Metric: "interrupt_share_pct", Warning: 20, Critical: 40, Correction: "rerank_top_n"},
				{Name: "unassigned_backlog", Metric: "unassigned_task_count", Warning: 8, Critical: 15, Correction: "flag_review"},
				{Name: "receivable_exposure", Metric: "overdue_invoice_pct", Warning: 25, Critical: 50, Correction: "flag_review"},
				{Name: "snapshot_staleness", Metric: "stale_snapshot_pct", Warning: 10, Critical: 30, Correction: "flag_review"},
			},
		},

		Truth: TruthConfig{
			MaxSnapshotAge: 24 * time.Hour,
			Layers: []TruthLayer{
				{Name: "ingestion", Checks: []string{"snapshots_present", "snapshots_fresh"}},
				{Name: "entity", DependsOn: []string{"ingestion"}, Checks: []string{"entity_ids_unique", "entity_refs_valid"}},
				{Name: "signal", DependsOn: []string{"entity"}, Checks: []string{"single_active_per_key", "cooldowns_sane"}},
				{Name: "alert", DependsOn: []string{"signal"}, Checks: []string{"gate_rules_loaded"}},
			},
		},

		Scoring: ScoringConfig{
			MinSignals:             2,
			RecurrenceWindowCycles: 5,
			ProximityWindow:        4 * time.Hour,
			Signatures: []RiskSignature{
				{Name: "delivery_risk", Types: []string{"deadline_overdue", "task_unassigned", "task_blocked"}},
				{Name: "client_risk", Types: []string{"ar_aging_risk", "communication_gap", "commitment_due"}},
			},
		},

		Store:     StoreConfig{Path: "data/opsignal.db"},
		Telemetry: TelemetryConfig{Enabled: false, Listen: ":9614"},
		Logging:   LoggingConfig{Level: "info", Dir: ".opsignal/logs"},
	}
}
