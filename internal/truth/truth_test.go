package truth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsignal/internal/config"
	"opsignal/internal/entity"
	"opsignal/internal/signal"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(config.DefaultConfig().Truth)
	require.NoError(t, err)
	return e
}

func healthyInput() Input {
	return Input{
		Snapshots: []entity.Snapshot{
			{Ref: entity.Ref{Class: entity.ClassTask, ID: "T-1"}, Status: "open", UpdatedAt: testNow},
		},
		Now:            testNow,
		MaxSnapshotAge: 24 * time.Hour,
		GateLoaded:     true,
	}
}

func TestNewEngineRejectsUnknownCheck(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Truth
	cfg.Layers[0].Checks = append(cfg.Layers[0].Checks, "vibes_good")
	_, err := NewEngine(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown check")
}

func TestAllLayersHealthy(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	rep := e.Evaluate(healthyInput())
	require.Len(t, rep.Layers, 4)
	for _, l := range rep.Layers {
		assert.True(t, l.Healthy, l.Name)
		assert.False(t, l.Blocked, l.Name)
	}
	assert.True(t, rep.AlertPermitted())
	assert.True(t, rep.Healthy("signal"))
}

func TestFailureBlocksDownstreamLayers(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	// No snapshots: ingestion fails, everything after is blocked, not
	// separately evaluated.
	in := healthyInput()
	in.Snapshots = nil
	rep := e.Evaluate(in)

	require.Len(t, rep.Layers, 4)
	assert.False(t, rep.Layers[0].Healthy)
	assert.NotEmpty(t, rep.Layers[0].Issues)
	for _, l := range rep.Layers[1:] {
		assert.True(t, l.Blocked, l.Name)
		assert.Equal(t, "ingestion", l.BlockedBy, l.Name)
		assert.False(t, l.Healthy, l.Name)
	}
	assert.False(t, rep.AlertPermitted())
	assert.False(t, rep.Healthy("entity"))
}

func TestEntityLayerCatchesDuplicatesAndBadRefs(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := healthyInput()
	in.Snapshots = append(in.Snapshots,
		entity.Snapshot{Ref: entity.Ref{Class: entity.ClassTask, ID: "T-1"}, Status: "open", UpdatedAt: testNow},
		entity.Snapshot{Status: "open", UpdatedAt: testNow},
	)
	rep := e.Evaluate(in)

	assert.True(t, rep.Healthy("ingestion"))
	require.False(t, rep.Healthy("entity"))
	var entityLayer LayerReport
	for _, l := range rep.Layers {
		if l.Name == "entity" {
			entityLayer = l
		}
	}
	assert.Len(t, entityLayer.Issues, 2)
	assert.False(t, rep.AlertPermitted())
}

func TestSignalLayerCatchesDuplicateKeys(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := healthyInput()
	in.Active = []signal.Signal{
		{ID: "a", ArbitrationKey: "deadline_overdue:T-1", Status: signal.StatusActive},
		{ID: "b", ArbitrationKey: "deadline_overdue:T-1", Status: signal.StatusActive},
	}
	rep := e.Evaluate(in)
	assert.False(t, rep.Healthy("signal"))
	assert.False(t, rep.AlertPermitted())
}

func TestCooldownSanity(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := healthyInput()
	in.Cooldowns = map[string]time.Time{"deadline_overdue:T-1": testNow.Add(30 * 24 * time.Hour)}
	rep := e.Evaluate(in)
	assert.False(t, rep.Healthy("signal"))
}

func TestStaleSnapshotIssuesBounded(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := healthyInput()
	in.Snapshots = nil
	for i := 0; i < 20; i++ {
		in.Snapshots = append(in.Snapshots, entity.Snapshot{
			Ref:       entity.Ref{Class: entity.ClassTask, ID: string(rune('a' + i))},
			Status:    "open",
			UpdatedAt: testNow.Add(-100 * time.Hour),
		})
	}
	rep := e.Evaluate(in)
	require.False(t, rep.Layers[0].Healthy)
	assert.LessOrEqual(t, len(rep.Layers[0].Issues), 6)
}

func TestGateNotLoadedBlocksAlerts(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := healthyInput()
	in.GateLoaded = false
	rep := e.Evaluate(in)
	assert.True(t, rep.Healthy("signal"))
	assert.False(t, rep.AlertPermitted())
}

func TestHealthyUnknownLayerIsFalse(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	rep := e.Evaluate(healthyInput())
	assert.False(t, rep.Healthy("nonexistent"))
}
