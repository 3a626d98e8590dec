package arbiter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsignal/internal/entity"
	"opsignal/internal/signal"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func mkSignal(id, sigType string, ref entity.Ref, tier signal.Tier, rank int, detected time.Time) signal.Signal {
	return signal.Signal{
		ID:             id,
		Type:           sigType,
		Tier:           tier,
		Source:         ref,
		ArbitrationKey: signal.Key(sigType, ref),
		DetectedAt:     detected,
		Severity:       50,
		Status:         signal.StatusActive,
		AccountRank:    rank,
	}
}

func TestIngestInstallsAndRefreshes(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}

	first := mkSignal("a", "deadline_overdue", ref, signal.TierUrgent, 3, testNow)
	surfaced := a.Ingest(first, testNow)
	require.NotNil(t, surfaced)
	assert.Equal(t, 1, a.ActiveCount())

	// Same condition re-observed next cycle: refresh in place, no history
	// churn, key count unchanged.
	refresh := mkSignal("b", "deadline_overdue", ref, signal.TierUrgent, 3, testNow.Add(15*time.Minute))
	surfaced = a.Ingest(refresh, testNow.Add(15*time.Minute))
	require.NotNil(t, surfaced)
	assert.Equal(t, 1, a.ActiveCount())
	assert.Empty(t, a.DrainHistory())
	assert.Equal(t, "b", a.Active()[0].ID)
}

func TestIngestSingleActivePerKey(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}

	weak := mkSignal("a", "deadline_overdue", ref, signal.TierImportant, 3, testNow)
	strong := mkSignal("b", "deadline_overdue", ref, signal.TierInterrupt, 3, testNow)

	a.Ingest(weak, testNow)
	surfaced := a.Ingest(strong, testNow)
	require.NotNil(t, surfaced)
	assert.Equal(t, signal.TierInterrupt, surfaced.Tier)
	assert.Equal(t, 1, a.ActiveCount())

	// Loser moved to history as suppressed.
	hist := a.DrainHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, "a", hist[0].ID)
	assert.Equal(t, signal.StatusSuppressed, hist[0].Status)

	// Weaker incoming loses and is simply not surfaced.
	surfaced = a.Ingest(mkSignal("c", "deadline_overdue", ref, signal.TierAdvisory, 3, testNow), testNow)
	assert.Nil(t, surfaced)
	assert.Equal(t, "b", a.Active()[0].ID)
}

func TestArbitrateTotalOrder(t *testing.T) {
	t.Parallel()
	ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}

	cases := []struct {
		name string
		x, y signal.Signal
		want string
	}{
		{
			name: "stronger tier wins",
			x:    mkSignal("a", "t", ref, signal.TierUrgent, 3, testNow),
			y:    mkSignal("b", "t", ref, signal.TierInterrupt, 3, testNow),
			want: "b",
		},
		{
			name: "more important account breaks tier tie",
			x:    mkSignal("a", "t", ref, signal.TierUrgent, 0, testNow),
			y:    mkSignal("b", "t", ref, signal.TierUrgent, 3, testNow),
			want: "a",
		},
		{
			name: "later detection breaks rank tie",
			x:    mkSignal("a", "t", ref, signal.TierUrgent, 3, testNow),
			y:    mkSignal("b", "t", ref, signal.TierUrgent, 3, testNow.Add(time.Minute)),
			want: "b",
		},
		{
			name: "smaller id breaks full tie",
			x:    mkSignal("a", "t", ref, signal.TierUrgent, 3, testNow),
			y:    mkSignal("b", "t", ref, signal.TierUrgent, 3, testNow),
			want: "a",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Arbitrate(tc.x, tc.y).ID)
			// Symmetric: argument order never changes the winner.
			assert.Equal(t, tc.want, Arbitrate(tc.y, tc.x).ID)
		})
	}
}

func TestCooldownSuppression(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}
	key := signal.Key("deadline_overdue", ref)

	a.SetCooldown(key, 30*time.Minute, testNow)
	until, ok := a.CooldownUntil(key)
	require.True(t, ok)
	assert.Equal(t, testNow.Add(30*time.Minute), until)

	// Within the window: suppressed, recorded in history.
	surfaced := a.Ingest(mkSignal("a", "deadline_overdue", ref, signal.TierUrgent, 3, testNow), testNow.Add(10*time.Minute))
	assert.Nil(t, surfaced)
	hist := a.DrainHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, signal.StatusSuppressed, hist[0].Status)

	// INTERRUPT pierces the cooldown.
	surfaced = a.Ingest(mkSignal("b", "deadline_overdue", ref, signal.TierInterrupt, 3, testNow), testNow.Add(10*time.Minute))
	require.NotNil(t, surfaced)

	// Expired window no longer suppresses.
	a2 := New(time.Hour)
	a2.SetCooldown(key, 30*time.Minute, testNow)
	surfaced = a2.Ingest(mkSignal("c", "deadline_overdue", ref, signal.TierUrgent, 3, testNow), testNow.Add(31*time.Minute))
	require.NotNil(t, surfaced)
}

func TestSetCooldownZeroUsesDefault(t *testing.T) {
	t.Parallel()
	a := New(2 * time.Hour)
	a.SetCooldown("k", 0, testNow)
	until, ok := a.CooldownUntil("k")
	require.True(t, ok)
	assert.Equal(t, testNow.Add(2*time.Hour), until)
}

func TestReconcileClearsUnseen(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	refA := entity.Ref{Class: entity.ClassTask, ID: "T-1"}
	refB := entity.Ref{Class: entity.ClassTask, ID: "T-2"}

	a.Ingest(mkSignal("a", "deadline_overdue", refA, signal.TierUrgent, 3, testNow), testNow)
	a.Ingest(mkSignal("b", "task_blocked", refB, signal.TierUrgent, 3, testNow), testNow)

	cleared := a.Reconcile(map[string]bool{signal.Key("deadline_overdue", refA): true})
	require.Len(t, cleared, 1)
	assert.Equal(t, "b", cleared[0].ID)
	assert.Equal(t, signal.StatusCleared, cleared[0].Status)
	assert.Equal(t, 1, a.ActiveCount())
}

func TestReconcileSparesSystemSignals(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	sysRef := entity.Ref{Class: entity.ClassSystem, ID: "signal_volume"}

	a.Ingest(mkSignal("d", "drift_warning", sysRef, signal.TierAdvisory, 3, testNow), testNow)
	cleared := a.Reconcile(map[string]bool{})
	assert.Empty(t, cleared)
	assert.Equal(t, 1, a.ActiveCount())

	// Explicit clear is how system signals retire.
	sig := a.ClearKey(signal.Key("drift_warning", sysRef))
	require.NotNil(t, sig)
	assert.Equal(t, signal.StatusCleared, sig.Status)
	assert.Zero(t, a.ActiveCount())
	assert.Nil(t, a.ClearKey("absent"))
}

func TestResolveEntityConflicts(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	invoice := entity.Ref{Class: entity.ClassInvoice, ID: "I-1"}

	// Same invoice carries a payment escalation and a rapport advisory:
	// only the escalation may surface.
	a.Ingest(mkSignal("a", "ar_aging_risk", invoice, signal.TierInterrupt, 1, testNow), testNow)
	a.Ingest(mkSignal("b", "communication_gap", invoice, signal.TierAdvisory, 1, testNow), testNow)
	require.Equal(t, 2, a.ActiveCount())

	suppressed := a.ResolveEntityConflicts()
	require.Len(t, suppressed, 1)
	assert.Equal(t, "b", suppressed[0].ID)
	assert.Equal(t, signal.StatusSuppressed, suppressed[0].Status)

	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "ar_aging_risk", active[0].Type)

	// Next cycle the advisory is re-emitted after the winner cleared and
	// surfaces again.
	a.Reconcile(map[string]bool{})
	surfaced := a.Ingest(mkSignal("c", "communication_gap", invoice, signal.TierAdvisory, 1, testNow), testNow)
	require.NotNil(t, surfaced)
}

func TestResolveEntityConflictsDeterministic(t *testing.T) {
	t.Parallel()

	run := func() []string {
		a := New(time.Hour)
		ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}
		for i, sigType := range []string{"deadline_overdue", "task_blocked", "task_unassigned"} {
			a.Ingest(mkSignal(fmt.Sprintf("s%d", i), sigType, ref, signal.TierUrgent, 3, testNow.Add(time.Duration(i)*time.Minute)), testNow)
		}
		a.ResolveEntityConflicts()
		var keys []string
		for _, sig := range a.Active() {
			keys = append(keys, sig.ArbitrationKey)
		}
		return keys
	}
	first := run()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, run())
	}
}

func TestMarkEscalated(t *testing.T) {
	t.Parallel()
	a := New(time.Hour)
	ref := entity.Ref{Class: entity.ClassTask, ID: "T-1"}
	key := signal.Key("task_blocked", ref)

	a.Ingest(mkSignal("a", "task_blocked", ref, signal.TierUrgent, 3, testNow), testNow)
	a.MarkEscalated(key)
	assert.Equal(t, signal.StatusEscalated, a.Active()[0].Status)

	a.MarkEscalated("absent") // no-op
	assert.Equal(t, 1, a.ActiveCount())
}
