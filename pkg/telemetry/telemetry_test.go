package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DriverStarts.WithLabelValues("chrome", "ok").Inc()
	m.DriverUp.WithLabelValues("chrome").Set(1)
	m.SessionsActive.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriverStarts.WithLabelValues("chrome", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["browserfleet_driver_starts_total"])
	assert.True(t, names["browserfleet_driver_up"])
	assert.True(t, names["browserfleet_session_active"])
}

func TestNewMetricsNilRegistry(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.PoolEvictions.WithLabelValues("firefox", "idle").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PoolEvictions.WithLabelValues("firefox", "idle")))
}

func TestTracerProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("browserfleet-test", "dev", &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "driver.start", Family("chrome"))
	EndSpan(span, errors.New("boom"))
	require.NoError(t, tp.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "driver.start")
	assert.Contains(t, out, "browser.family")
	assert.Contains(t, out, "boom")
}

func TestBoolLabel(t *testing.T) {
	assert.Equal(t, "ok", BoolLabel(true, "ok", "error"))
	assert.Equal(t, "error", BoolLabel(false, "ok", "error"))
}
