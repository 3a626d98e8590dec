package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ts(t time.Time) *time.Time { return &t }

func TestSnapshotOpen(t *testing.T) {
	t.Parallel()

	for status, want := range map[string]bool{
		"open":        true,
		"in_progress": true,
		"blocked":     true,
		"closed":      false,
		"resolved":    false,
		"paid":        false,
		"cancelled":   false,
		"done":        false,
	} {
		assert.Equal(t, want, Snapshot{Status: status}.Open(), "status %q", status)
	}
}

func TestNumFieldDerivedMeasures(t *testing.T) {
	t.Parallel()

	t.Run("hours_overdue", func(t *testing.T) {
		snap := Snapshot{DueDate: ts(testNow.Add(-36 * time.Hour))}
		v, ok := snap.NumField("hours_overdue", testNow)
		assert.True(t, ok)
		assert.InDelta(t, 36, v, 0.01)

		// Not yet due reads zero, not negative.
		future := Snapshot{DueDate: ts(testNow.Add(12 * time.Hour))}
		v, ok = future.NumField("hours_overdue", testNow)
		assert.True(t, ok)
		assert.Zero(t, v)

		_, ok = Snapshot{}.NumField("hours_overdue", testNow)
		assert.False(t, ok)
	})

	t.Run("hours_unassigned", func(t *testing.T) {
		snap := Snapshot{UpdatedAt: testNow.Add(-50 * time.Hour)}
		v, ok := snap.NumField("hours_unassigned", testNow)
		assert.True(t, ok)
		assert.InDelta(t, 50, v, 0.01)

		assigned := Snapshot{Assignee: "dana", UpdatedAt: testNow.Add(-50 * time.Hour)}
		v, _ = assigned.NumField("hours_unassigned", testNow)
		assert.Zero(t, v)
	})

	t.Run("hours_to_commitment_inverted", func(t *testing.T) {
		// 10h before due: measure reads 38 and keeps growing past due.
		snap := Snapshot{CommittedDue: ts(testNow.Add(10 * time.Hour))}
		v, ok := snap.NumField("hours_to_commitment_inverted", testNow)
		assert.True(t, ok)
		assert.InDelta(t, 38, v, 0.01)

		past := Snapshot{CommittedDue: ts(testNow.Add(-6 * time.Hour))}
		v, _ = past.NumField("hours_to_commitment_inverted", testNow)
		assert.InDelta(t, 54, v, 0.01)
	})

	t.Run("fields map fallback", func(t *testing.T) {
		snap := Snapshot{Fields: map[string]any{"queue_depth": 7}}
		v, ok := snap.NumField("queue_depth", testNow)
		assert.True(t, ok)
		assert.Equal(t, 7.0, v)

		_, ok = snap.NumField("unknown_measure", testNow)
		assert.False(t, ok)
	})
}

func TestStrField(t *testing.T) {
	t.Parallel()

	snap := Snapshot{
		Status:   "open",
		Assignee: "lee",
		Fields:   map[string]any{"conflict": "overlap with standup"},
	}
	v, ok := snap.StrField("assignee")
	assert.True(t, ok)
	assert.Equal(t, "lee", v)

	v, ok = snap.StrField("conflict")
	assert.True(t, ok)
	assert.Equal(t, "overlap with standup", v)

	_, ok = snap.StrField("missing")
	assert.False(t, ok)
}

func TestRefString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "task/T-1", Ref{Class: ClassTask, ID: "T-1"}.String())
}
