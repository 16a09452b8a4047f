package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"mqtt-edge-gateway/internal/stats"
)

const namespace = "edge_gateway"

var qualityTiers = []string{"excellent", "good", "fair", "poor", "very_poor"}

// Metrics holds the Prometheus collectors for the gateway.
type Metrics struct {
	mqttConnectionStatus   prometheus.Gauge
	mqttReconnects         prometheus.Counter
	mqttDisconnects        *prometheus.CounterVec
	forwardCycles          prometheus.Counter
	forwardedRecords       prometheus.Counter
	lastForward            prometheus.Gauge
	messagesTotal          *prometheus.CounterVec
	commandsTotal          *prometheus.CounterVec
	forwardCycleDuration   prometheus.Histogram
	publishQueueSize       prometheus.Gauge
	consecutiveDisconnects prometheus.Gauge
	networkQuality         *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mqttConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_status",
			Help:      "Cloud MQTT session state (1 connected, 0 not connected)",
		}),
		mqttReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_reconnects_total",
			Help:      "Successful reconnects to the cloud broker",
		}),
		mqttDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_disconnects_total",
			Help:      "Unexpected disconnects by class (serious, network)",
		}, []string{"class"}),
		forwardCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_cycles_total",
			Help:      "Completed forwarding cycles",
		}),
		forwardedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_records_total",
			Help:      "Records handed to the publisher by the forwarding pipeline",
		}),
		lastForward: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_forward_timestamp_seconds",
			Help:      "Unix time of the last completed forwarding cycle",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Outbound messages by outcome",
		}, []string{"status"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands by kind and outcome",
		}, []string{"kind", "status"}),
		forwardCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_cycle_duration_seconds",
			Help:      "Time spent collecting and publishing one forwarding cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		publishQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_queue_size",
			Help:      "Messages waiting in the rate-limited publisher",
		}),
		consecutiveDisconnects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_disconnects",
			Help:      "Disconnects since the last stable session",
		}),
		networkQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_quality",
			Help:      "Current network quality tier (1 for the active tier)",
		}, []string{"tier"}),
	}

	collectors := []prometheus.Collector{
		m.mqttConnectionStatus,
		m.mqttReconnects,
		m.mqttDisconnects,
		m.forwardCycles,
		m.forwardedRecords,
		m.lastForward,
		m.messagesTotal,
		m.commandsTotal,
		m.forwardCycleDuration,
		m.publishQueueSize,
		m.consecutiveDisconnects,
		m.networkQuality,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mqttConnectionStatus.Set(1)
	} else {
		m.mqttConnectionStatus.Set(0)
	}
}

func (m *Metrics) IncMQTTReconnects() {
	if m != nil {
		m.mqttReconnects.Inc()
	}
}

func (m *Metrics) IncMQTTDisconnects(class string) {
	if m != nil {
		m.mqttDisconnects.WithLabelValues(class).Inc()
	}
}

// ForwardCycleDone records a completed cycle that forwarded records.
func (m *Metrics) ForwardCycleDone(records int, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.forwardCycles.Inc()
	m.forwardedRecords.Add(float64(records))
	m.forwardCycleDuration.Observe(d.Seconds())
	m.lastForward.Set(float64(at.Unix()))
}

// IncMessagesTotal counts an outbound message; status is one of published,
// queued, failed.
func (m *Metrics) IncMessagesTotal(status string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncCommandsTotal(kind, status string) {
	if m != nil {
		m.commandsTotal.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) SetPublishQueueSize(n int) {
	if m != nil {
		m.publishQueueSize.Set(float64(n))
	}
}

// SetNetworkQuality marks tier as active and clears the others.
func (m *Metrics) SetNetworkQuality(consecutive int, tier string) {
	if m == nil {
		return
	}
	m.consecutiveDisconnects.Set(float64(consecutive))
	for _, t := range qualityTiers {
		if t == tier {
			m.networkQuality.WithLabelValues(t).Set(1)
		} else {
			m.networkQuality.WithLabelValues(t).Set(0)
		}
	}
}

// MetricsCollector periodically copies gauge values from the stats
// collector into Prometheus.
type MetricsCollector struct {
	metrics  *Metrics
	stats    *stats.StatsCollector
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMetricsCollector(m *Metrics, s *stats.StatsCollector, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		stats:    s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Collect copies one snapshot.
func (c *MetricsCollector) Collect() {
	snap := c.stats.Snapshot()
	c.metrics.SetMQTTConnectionStatus(snap.Connected)
	c.metrics.SetNetworkQuality(int(snap.ConsecutiveDisconnects), snap.NetworkQuality)
	c.metrics.SetPublishQueueSize(int(snap.QueueSize))
}

func (c *MetricsCollector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
