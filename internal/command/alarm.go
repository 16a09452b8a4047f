package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
)

// MaxAlarmSize is the largest alarm body relayed to the cloud.
const MaxAlarmSize = 100 * 1024

const kindAlarm = "alarm"

var ErrInvalidAlarm = errors.New("invalid alarm")

// Broadcaster relays alarm objects to the cloud alarm topic unchanged.
type Broadcaster struct {
	pub     broker.Publisher
	topic   string
	logger  *logger.Logger
	stats   *stats.StatsCollector
	metrics *metrics.Metrics
}

func NewBroadcaster(pub broker.Publisher, topic string, log *logger.Logger, st *stats.StatsCollector, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		pub:     pub,
		topic:   topic,
		logger:  log,
		stats:   st,
		metrics: m,
	}
}

// Topic returns the resolved alarm topic.
func (b *Broadcaster) Topic() string {
	return b.topic
}

// Broadcast encodes alarm and publishes it.
func (b *Broadcaster) Broadcast(alarm map[string]interface{}) error {
	if len(alarm) == 0 {
		return b.reject(fmt.Errorf("%w: alarm must not be empty", ErrInvalidAlarm))
	}
	body, err := json.Marshal(alarm)
	if err != nil {
		return b.reject(fmt.Errorf("%w: %v", ErrInvalidAlarm, err))
	}
	return b.BroadcastRaw(body)
}

// BroadcastRaw publishes a JSON encoded alarm after checking it is a
// non-empty object no larger than MaxAlarmSize. The bytes are sent as given.
func (b *Broadcaster) BroadcastRaw(body []byte) error {
	if err := ValidateAlarm(body); err != nil {
		return b.reject(err)
	}
	if err := b.pub.Publish(b.topic, body, replyQoS, false); err != nil {
		b.metrics.IncCommandsTotal(kindAlarm, resultFail)
		b.logger.Error("failed to publish alarm", "topic", b.topic, "error", err)
		return err
	}
	b.stats.IncAlarms()
	b.metrics.IncCommandsTotal(kindAlarm, resultSuccess)
	b.logger.Info("alarm broadcast", "topic", b.topic, "size", len(body))
	return nil
}

// ValidateAlarm reports why body cannot be broadcast.
func ValidateAlarm(body []byte) error {
	if len(body) > MaxAlarmSize {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrInvalidAlarm, len(body), MaxAlarmSize)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: alarm must be a JSON object", ErrInvalidAlarm)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
	}
	if len(obj) == 0 {
		return fmt.Errorf("%w: alarm must not be empty", ErrInvalidAlarm)
	}
	return nil
}

func (b *Broadcaster) reject(err error) error {
	b.metrics.IncCommandsTotal(kindAlarm, ErrCodeValidation)
	b.logger.Warn("alarm rejected", "error", err)
	return err
}
