package cycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"opsignal/internal/entity"
)

// FileSource reads snapshots (and optional hierarchy edges) from a YAML
// file. It backs the one-shot `opsd cycle` command and integration tests;
// production deployments register collector-backed sources instead.
type FileSource struct {
	name string
	path string
}

func NewFileSource(name, path string) *FileSource {
	return &FileSource{name: name, path: path}
}

func (f *FileSource) Name() string { return f.name }

// fixture wire types. Collectors own their wire format; the core types
// carry no YAML tags on purpose.
type fixtureDoc struct {
	Snapshots []fixtureSnapshot `yaml:"snapshots"`
	Hierarchy []fixtureEdge     `yaml:"hierarchy"`
}

type fixtureSnapshot struct {
	Class          string         `yaml:"class"`
	ID             string         `yaml:"id"`
	Status         string         `yaml:"status"`
	UpdatedAt      time.Time      `yaml:"updated_at"`
	DueDate        *time.Time     `yaml:"due_date"`
	Assignee       string         `yaml:"assignee"`
	AssignedAt     *time.Time     `yaml:"assigned_at"`
	BlockedAt      *time.Time     `yaml:"blocked_at"`
	Amount         float64        `yaml:"amount"`
	AgingDays      int            `yaml:"aging_days"`
	CommittedDue   *time.Time     `yaml:"committed_due"`
	LastContactAt  *time.Time     `yaml:"last_contact_at"`
	AccountTier    *int           `yaml:"account_tier"`
	EngagementType string         `yaml:"engagement_type"`
	ContractValue  float64        `yaml:"contract_value"`
	Fields         map[string]any `yaml:"fields"`
}

type fixtureEdge struct {
	Child   fixtureRef     `yaml:"child"`
	Parents []entity.Scope `yaml:"parents"`
}

type fixtureRef struct {
	Class string `yaml:"class"`
	ID    string `yaml:"id"`
}

func (f *FileSource) load() (*fixtureDoc, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	var doc fixtureDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return &doc, nil
}

func (f *FileSource) Snapshots(ctx context.Context) ([]entity.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	snaps := make([]entity.Snapshot, 0, len(doc.Snapshots))
	for _, fs := range doc.Snapshots {
		snap := entity.Snapshot{
			Ref:            entity.Ref{Class: entity.Class(fs.Class), ID: fs.ID},
			Status:         fs.Status,
			UpdatedAt:      fs.UpdatedAt,
			DueDate:        fs.DueDate,
			Assignee:       fs.Assignee,
			AssignedAt:     fs.AssignedAt,
			BlockedAt:      fs.BlockedAt,
			Amount:         fs.Amount,
			AgingDays:      fs.AgingDays,
			CommittedDue:   fs.CommittedDue,
			LastContactAt:  fs.LastContactAt,
			AccountTier:    fs.AccountTier,
			EngagementType: fs.EngagementType,
			ContractValue:  fs.ContractValue,
			Fields:         fs.Fields,
		}
		if snap.UpdatedAt.IsZero() {
			snap.UpdatedAt = time.Now().UTC()
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Hierarchy builds a static scope resolver from the fixture's hierarchy
// edges. Missing or unreadable hierarchy yields an empty resolver.
func (f *FileSource) Hierarchy() entity.Hierarchy {
	doc, err := f.load()
	if err != nil {
		return StaticHierarchy{}
	}
	h := make(StaticHierarchy, len(doc.Hierarchy))
	for _, edge := range doc.Hierarchy {
		ref := entity.Ref{Class: entity.Class(edge.Child.Class), ID: edge.Child.ID}
		h[ref.String()] = edge.Parents
	}
	return h
}

// StaticHierarchy is a fixed ref-to-parents table.
type StaticHierarchy map[string][]entity.Scope

func (h StaticHierarchy) Parents(ref entity.Ref) []entity.Scope {
	return h[ref.String()]
}
