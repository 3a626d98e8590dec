package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndServe(t *testing.T) {
	t.Parallel()

	m := New()
	m.CyclesTotal.WithLabelValues("committed").Inc()
	m.CyclesTotal.WithLabelValues("committed").Inc()
	m.CyclesTotal.WithLabelValues("skipped").Inc()
	m.ActiveSignals.Set(7)
	m.Proposals.Set(2)
	m.BoundaryBand.WithLabelValues("signal_volume").Set(1)
	m.GateDenials.WithLabelValues("daily limit reached").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("committed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ActiveSignals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BoundaryBand.WithLabelValues("signal_volume")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "opsignal_cycles_total")
	assert.Contains(t, body, "opsignal_active_signals 7")
	assert.Contains(t, body, "opsignal_boundary_band")
}

func TestSeparateRegistries(t *testing.T) {
	t.Parallel()

	// Two instances never collide: each owns a private registry.
	a, b := New(), New()
	a.ActiveSignals.Set(1)
	b.ActiveSignals.Set(9)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ActiveSignals))
	assert.Equal(t, 9.0, testutil.ToFloat64(b.ActiveSignals))
}
