package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mqtt-edge-gateway/internal/stats"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetricsSetConnectionStatus(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetMQTTConnectionStatus(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mqttConnectionStatus))

	m.SetMQTTConnectionStatus(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.mqttConnectionStatus))
}

func TestMetricsIncrementCounters(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.IncMessagesTotal("published")
	m.IncMessagesTotal("published")
	m.IncMessagesTotal("failed")
	m.IncMQTTReconnects()
	m.IncCommandsTotal("read", "success")
	m.IncCommandsTotal("write", "error")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesTotal.WithLabelValues("published")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mqttReconnects))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.commandsTotal.WithLabelValues("write", "error")))
}

func TestForwardCycleDone(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	at := time.Unix(1700000000, 0)
	m.ForwardCycleDone(5, 200*time.Millisecond, at)
	m.ForwardCycleDone(2, 100*time.Millisecond, at.Add(time.Minute))
	m.IncMQTTDisconnects("serious")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.forwardCycles))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.forwardedRecords))
	assert.Equal(t, float64(1700000060), testutil.ToFloat64(m.lastForward))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mqttDisconnects.WithLabelValues("serious")))
}

func TestSetNetworkQuality(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetNetworkQuality(15, "poor")
	assert.Equal(t, float64(15), testutil.ToFloat64(m.consecutiveDisconnects))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.networkQuality.WithLabelValues("poor")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.networkQuality.WithLabelValues("good")))

	m.SetNetworkQuality(0, "excellent")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.networkQuality.WithLabelValues("poor")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.networkQuality.WithLabelValues("excellent")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetMQTTConnectionStatus(true)
		m.IncMessagesTotal("published")
		m.ForwardCycleDone(3, time.Second, time.Now())
		m.IncMQTTDisconnects("network")
		m.SetNetworkQuality(1, "good")
	})
}

func TestMetricsCollector(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	s := stats.NewStatsCollector()
	s.SetConnected(true)
	s.SetQueueSize(9)
	s.SetNetworkQuality(2, "good")

	c := NewMetricsCollector(m, s, time.Hour)
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.publishQueueSize) == 9
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mqttConnectionStatus))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.networkQuality.WithLabelValues("good")))
}
