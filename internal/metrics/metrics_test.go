package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, cv.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs := hv.WithLabelValues(labels...)
	c, ok := obs.(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, c.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestRegisterIsComplete(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RunsStarted.WithLabelValues("acme", "execute").Inc()
	StepLatencyMs.WithLabelValues("cluster.scale").Observe(120)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"maestro_runs_started_total", "maestro_step_latency_ms"} {
		require.True(t, names[want], "missing family %s", want)
	}
}

func TestCountersKeepLabelsApart(t *testing.T) {
	AdapterCalls.WithLabelValues("tracker.create_issue", "ok").Inc()
	AdapterCalls.WithLabelValues("tracker.create_issue", "ok").Inc()
	AdapterCalls.WithLabelValues("tracker.create_issue", "permanent").Inc()

	ok := counterValue(t, AdapterCalls, "tracker.create_issue", "ok")
	perm := counterValue(t, AdapterCalls, "tracker.create_issue", "permanent")
	require.GreaterOrEqual(t, ok, 2.0)
	require.GreaterOrEqual(t, perm, 1.0)
	require.Zero(t, counterValue(t, AdapterCalls, "pager.ack", "ok"))
}

func TestHistogramsObserve(t *testing.T) {
	before := histogramCount(t, RunLatencyMs, "acme")
	RunLatencyMs.WithLabelValues("acme").Observe(4200)
	RunLatencyMs.WithLabelValues("acme").Observe(950)
	require.Equal(t, before+2, histogramCount(t, RunLatencyMs, "acme"))

	TokenCostUSD.WithLabelValues("acme").Observe(0.0042)
	require.GreaterOrEqual(t, histogramCount(t, TokenCostUSD, "acme"), uint64(1))
}
