package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsignal/internal/entity"
	"opsignal/internal/proposal"
	"opsignal/internal/signal"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "opsignal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesParentDirs(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "deeper", "opsignal.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}

func TestSignalRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}
	sigs := []signal.Signal{
		{
			ID: "sig-1", Type: "deadline_overdue", Tier: signal.TierUrgent,
			Source: ref, ArbitrationKey: "deadline_overdue:T-1",
			Severity: 52.5, Status: signal.StatusActive, AccountRank: 2,
			DetectedAt: testNow,
		},
		{
			ID: "sig-2", Type: "deadline_overdue", Tier: signal.TierImportant,
			Source: ref, ArbitrationKey: "deadline_overdue:T-1",
			Severity: 30, Status: signal.StatusSuppressed, AccountRank: 2,
			DetectedAt: testNow.Add(-time.Hour),
		},
	}
	require.NoError(t, s.SaveSignals("c1", sigs))

	hist, err := s.SignalHistory("deadline_overdue:T-1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// Newest first.
	assert.Equal(t, "sig-1", hist[0].ID)
	assert.Equal(t, signal.TierUrgent, hist[0].Tier)
	assert.Equal(t, signal.StatusActive, hist[0].Status)
	assert.InDelta(t, 52.5, hist[0].Severity, 0.001)

	hist, err = s.SignalHistory("deadline_overdue:T-1", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSaveSignalsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	sig := signal.Signal{
		ID: "sig-1", Type: "task_blocked", Tier: signal.TierUrgent,
		Source:         entity.Ref{Class: entity.ClassTask, ID: "T-2"},
		ArbitrationKey: "task_blocked:T-2", Severity: 60,
		Status: signal.StatusActive, DetectedAt: testNow,
	}
	require.NoError(t, s.SaveSignals("c1", []signal.Signal{sig}))
	require.NoError(t, s.SaveSignals("c1", []signal.Signal{sig}))

	hist, err := s.SignalHistory("task_blocked:T-2", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "replaying the same cycle must not duplicate rows")
}

func TestProposalUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	p := proposal.Proposal{
		ID: "prop-1", ScopeLevel: "project", ScopeID: "P-1",
		Score:     120.5,
		Breakdown: proposal.ScoreBreakdown{Urgency: 42, Breadth: 20, Diversity: 15, Multiplier: 1.56, Confidence: 0.61},
		SignalIDs: []string{"sig-1", "sig-2"}, WorstSignal: "deadline_overdue:T-1",
		Signature: "delivery_risk", CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, s.UpsertProposals([]proposal.Proposal{p}))

	// Second cycle updates in place; identity fields survive.
	p.Score = 131.2
	p.UpdatedAt = testNow.Add(15 * time.Minute)
	require.NoError(t, s.UpsertProposals([]proposal.Proposal{p}))

	loaded, err := s.LoadProposals()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "prop-1", loaded[0].ID)
	assert.InDelta(t, 131.2, loaded[0].Score, 0.001)
	assert.Equal(t, []string{"sig-1", "sig-2"}, loaded[0].SignalIDs)
	assert.Equal(t, "delivery_risk", loaded[0].Signature)
	assert.InDelta(t, 1.56, loaded[0].Breakdown.Multiplier, 0.001)
}

func TestCycleJournal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.RecordCycle("c1", testNow, "committed", 5, 2, ""))
	require.NoError(t, s.RecordCycle("c2", testNow.Add(15*time.Minute), "skipped", 0, 0, "lease held"))
	require.NoError(t, s.RecordCycle("c3", testNow.Add(30*time.Minute), "failed", 0, 0, "persist signals: disk full"))

	recs, err := s.RecentCycles(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	assert.Equal(t, "c3", recs[0].ID)
	assert.Equal(t, "failed", recs[0].Outcome)
	assert.Equal(t, "lease held", recs[1].Detail)
	assert.Equal(t, "committed", recs[2].Outcome)
	assert.Equal(t, 5, recs[2].ActiveSignals)

	recs, err = s.RecentCycles(1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
