package nats

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"mqtt-edge-gateway/internal/logger"
)

// AlarmSubscription feeds every message on the alarm subject to the sink.
type AlarmSubscription struct {
	subject string
	sink    AlarmSink
	logger  *logger.Logger

	sub *nats.Subscription
	mu  sync.Mutex

	received atomic.Uint64
	rejected atomic.Uint64
}

// NewAlarmSubscription accepts the subject in either NATS or MQTT notation.
func NewAlarmSubscription(subject string, sink AlarmSink, log *logger.Logger) *AlarmSubscription {
	return &AlarmSubscription{
		subject: ToNATSSubject(subject),
		sink:    sink,
		logger:  log,
	}
}

func (s *AlarmSubscription) Subject() string {
	return s.subject
}

// Subscribe registers the handler on conn. Calling it again replaces the
// previous subscription.
func (s *AlarmSubscription) Subscribe(conn Subscriber) error {
	sub, err := conn.Subscribe(s.subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.mu.Lock()
	old := s.sub
	s.sub = sub
	s.mu.Unlock()

	if old != nil && old != sub {
		_ = old.Unsubscribe()
	}
	s.logger.Info("subscribed to alarm subject", "subject", s.subject)
	return nil
}

func (s *AlarmSubscription) Unsubscribe() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		s.logger.Debug("alarm unsubscribe failed", "subject", s.subject, "error", err)
	}
}

// Counts returns the number of alarms received and rejected.
func (s *AlarmSubscription) Counts() (received, rejected uint64) {
	return s.received.Load(), s.rejected.Load()
}

func (s *AlarmSubscription) handleMessage(msg *nats.Msg) {
	s.received.Add(1)

	s.logger.Debug("alarm received",
		"subject", msg.Subject,
		"payloadSize", len(msg.Data))

	if err := s.sink.BroadcastRaw(msg.Data); err != nil {
		s.rejected.Add(1)
		s.logger.Warn("alarm not relayed",
			"subject", msg.Subject,
			"error", err)
	}
}
