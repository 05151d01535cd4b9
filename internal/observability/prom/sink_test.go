package prom

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_CountAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSink(Options{Namespace: "stockroom", Registerer: reg})

	tags := map[string]string{"pass": "startup", "result": "success"}
	sink.Count("session.reconcile", 1, tags)
	sink.Count("session.reconcile", 2, tags)

	vec := sink.counters["session_reconcile_total"]
	require.NotNil(t, vec)
	assert.InDelta(t, 3.0, testutil.ToFloat64(vec.With(prometheus.Labels(tags))), 0.001)
}

func TestSink_GaugeAndTiming(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSink(Options{Registerer: reg})

	sink.Gauge("realtime.channel.attempt", 4, map[string]string{"topic": "orders"})
	sink.Timing("realtime.channel.retry_delay", 5400*time.Millisecond, map[string]string{"topic": "orders"})

	gauge := sink.gauges["realtime_channel_attempt"]
	require.NotNil(t, gauge)
	assert.InDelta(t, 4.0, testutil.ToFloat64(gauge.With(prometheus.Labels{"topic": "orders"})), 0.001)

	count, err := testutil.GatherAndCount(reg, "realtime_channel_retry_delay_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSink_MismatchedLabelsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSink(Options{Registerer: reg})

	sink.Count("x", 1, map[string]string{"a": "1"})
	assert.NotPanics(t, func() {
		sink.Count("x", 1, map[string]string{"a": "1", "b": "2"})
	})

	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.counters["x_total"].With(prometheus.Labels{"a": "1"})), 0.001)
}
