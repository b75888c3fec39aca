package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestStreamCreatedAndDeleted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StreamCreated()
	m.StreamCreated()
	require.Equal(t, float64(2), counterValue(t, m.streamsCreated))
	require.Equal(t, float64(2), gaugeValue(t, m.streamsOpen))

	m.StreamDeleted()
	require.Equal(t, float64(1), counterValue(t, m.streamsDeleted))
	require.Equal(t, float64(1), gaugeValue(t, m.streamsOpen))
}

func TestAppendOutcomeTracksBytes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AppendOutcome("ok", 10)
	m.AppendOutcome("duplicate", 0)
	require.Equal(t, float64(10), counterValue(t, m.bytesAppended))

	ok, err := m.appendsTotal.GetMetricWithLabelValues("ok")
	require.NoError(t, err)
	require.Equal(t, float64(1), counterValue(t, ok))
}

func TestWaiterLifecycleTracksTimeouts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.WaiterStarted()
	m.WaiterStarted()
	require.Equal(t, float64(2), gaugeValue(t, m.waitersActive))

	m.WaiterEnded(true)
	require.Equal(t, float64(1), gaugeValue(t, m.waitersActive))
	require.Equal(t, float64(1), counterValue(t, m.longPollTimeouts))

	m.WaiterEnded(false)
	require.Equal(t, float64(0), gaugeValue(t, m.waitersActive))
	require.Equal(t, float64(1), counterValue(t, m.longPollTimeouts))
}

func TestNilMetricsAreSafeNoops(t *testing.T) {
	var m *Metrics
	m.StreamCreated()
	m.StreamDeleted()
	m.AppendOutcome("ok", 5)
	m.Read("catchup")
	m.WaiterStarted()
	m.WaiterEnded(true)
	m.RequestDuration("GET", "2xx", 0.01)
}
