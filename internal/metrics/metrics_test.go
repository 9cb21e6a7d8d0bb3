package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestCollectors(t *testing.T) {
	m := New()
	m.Execution("succeeded")
	m.Execution("succeeded")
	m.AttemptStarted()
	m.AttemptFinished(true, 10*time.Millisecond)
	m.Denied("tab_concurrency")

	require.Equal(t, 2.0, value(t, m.ExecutionsTotal.WithLabelValues("succeeded")))
	require.Equal(t, 0.0, value(t, m.InFlight))
	require.Equal(t, 1.0, value(t, m.GovernorDenials.WithLabelValues("tab_concurrency")))

	// Separate instances use separate registries.
	other := New()
	require.Equal(t, 0.0, value(t, other.ExecutionsTotal.WithLabelValues("succeeded")))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Execution("failed")
	m.AttemptStarted()
	m.AttemptFinished(false, time.Second)
	m.Denied("x")
	m.Warning("time", "low")
	m.ScriptError("unknown")
	m.ScheduleFired("cron", "ok")
	m.SetActiveSchedules(3)
}
