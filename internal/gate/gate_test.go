package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsignal/internal/config"
	"opsignal/internal/signal"
)

// 13:00 UTC, outside the default 22:00-07:00 quiet window.
var testNow = time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)

func newTestKeeper(t *testing.T) *Keeper {
	t.Helper()
	k, err := NewKeeper(config.DefaultConfig().Gate)
	require.NoError(t, err)
	return k
}

func healthyCtx() Context {
	return Context{Now: testNow, Tier: signal.TierUrgent, TruthHealthy: true}
}

func TestNewKeeperConfigErrors(t *testing.T) {
	t.Parallel()

	t.Run("unknown condition tag", func(t *testing.T) {
		cfg := config.DefaultConfig().Gate
		cfg.Actions[0].Conditions[0].Tag = "phase_of_moon"
		_, err := NewKeeper(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown condition tag")
	})

	t.Run("bad min tier", func(t *testing.T) {
		cfg := config.DefaultConfig().Gate
		cfg.Actions[0].Conditions[1].MinTier = "SEVERE"
		_, err := NewKeeper(cfg)
		assert.Error(t, err)
	})

	t.Run("destructive action without rule", func(t *testing.T) {
		cfg := config.DefaultConfig().Gate
		cfg.Destructive = append(cfg.Destructive, "delete_everything")
		_, err := NewKeeper(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no rule")
	})
}

func TestUnknownActionDenied(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	dec := k.MayProceed("reboot_production", healthyCtx())
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "unknown action type")
}

func TestNotifyAllConditionsMet(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	dec := k.MayProceed("notify", healthyCtx())
	assert.True(t, dec.Allowed, dec.Reason)
}

func TestDailyLimit(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	ctx := healthyCtx()
	ctx.SentToday = 12
	dec := k.MayProceed("notify", ctx)
	require.False(t, dec.Allowed)
	assert.Equal(t, "daily limit reached", dec.Reason)

	// notify_interrupt carries no daily-count condition: INTERRUPT work is
	// never starved by the budget.
	ctx.Tier = signal.TierInterrupt
	dec = k.MayProceed("notify_interrupt", ctx)
	assert.True(t, dec.Allowed, dec.Reason)
}

func TestQuietHours(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	t.Run("denied inside window", func(t *testing.T) {
		ctx := healthyCtx()
		ctx.Now = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
		dec := k.MayProceed("notify", ctx)
		require.False(t, dec.Allowed)
		assert.Contains(t, dec.Reason, "quiet hours")
	})

	t.Run("window wraps midnight", func(t *testing.T) {
		ctx := healthyCtx()
		ctx.Now = time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
		dec := k.MayProceed("notify", ctx)
		assert.False(t, dec.Allowed)

		ctx.Now = time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
		dec = k.MayProceed("notify", ctx)
		assert.True(t, dec.Allowed, dec.Reason)
	})

	t.Run("interrupt bypasses quiet hours", func(t *testing.T) {
		ctx := healthyCtx()
		ctx.Now = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
		ctx.Tier = signal.TierInterrupt
		dec := k.MayProceed("notify", ctx)
		assert.True(t, dec.Allowed, dec.Reason)
	})
}

func TestCooldownCondition(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	ctx := healthyCtx()
	ctx.ArbitrationKey = "deadline_overdue:T-1"
	ctx.CooldownUntil = testNow.Add(3 * time.Hour)
	dec := k.MayProceed("notify", ctx)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "cooldown active")

	ctx.CooldownUntil = testNow.Add(-time.Minute)
	dec = k.MayProceed("notify", ctx)
	assert.True(t, dec.Allowed, dec.Reason)
}

func TestTruthGatesEverything(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	ctx := healthyCtx()
	ctx.TruthHealthy = false
	for _, action := range []string{"notify", "notify_interrupt", "write_entity", "auto_resolve"} {
		dec := k.MayProceed(action, ctx)
		assert.False(t, dec.Allowed, action)
	}
}

func TestConfidenceThresholds(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	ctx := healthyCtx()
	ctx.Confidence = 0.7
	assert.True(t, k.MayProceed("write_entity", ctx).Allowed)
	// auto_resolve requires 0.8.
	dec := k.MayProceed("auto_resolve", ctx)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "confidence")
}

func TestDestructiveRequiresHumanApproval(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	for _, action := range []string{"send_external", "write_thirdparty"} {
		dec := k.MayProceed(action, healthyCtx())
		require.False(t, dec.Allowed, action)
		assert.Contains(t, dec.Reason, "human approval")

		ctx := healthyCtx()
		ctx.HumanApproved = true
		assert.True(t, k.MayProceed(action, ctx).Allowed, action)
	}
}

func TestDenialNamesFirstFailingCondition(t *testing.T) {
	t.Parallel()
	k := newTestKeeper(t)

	// Both truth and daily limit fail; truth is listed first in the rule.
	ctx := healthyCtx()
	ctx.TruthHealthy = false
	ctx.SentToday = 99
	dec := k.MayProceed("notify", ctx)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "truth layer")
}
