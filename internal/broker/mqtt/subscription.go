package mqtt

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
)

const subscribeTimeout = 5 * time.Second

// SubscriptionManager binds the router's routes to the broker session. It is
// registered as a connect observer so every new session is subscribed again.
type SubscriptionManager struct {
	source  ClientSource
	router  *broker.Router
	logger  *logger.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager(source ClientSource, router *broker.Router, log *logger.Logger, m *metrics.Metrics) *SubscriptionManager {
	return &SubscriptionManager{
		source:  source,
		router:  router,
		logger:  log,
		metrics: m,
		timeout: subscribeTimeout,
	}
}

// ResubscribeAll subscribes every registered route on the current session.
// Failures are collected so one bad filter does not block the others.
func (s *SubscriptionManager) ResubscribeAll() error {
	client := s.source.Client()
	if client == nil {
		return broker.ErrNotConnected
	}

	routes := s.router.Routes()
	s.logger.Info("subscribing to topics", "count", len(routes))

	var errs []error
	for _, rt := range routes {
		if err := s.subscribe(client, rt); err != nil {
			s.logger.Error("failed to subscribe to topic",
				"topic", rt.Pattern,
				"error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("subscribed to topic", "topic", rt.Pattern, "qos", rt.QoS)
	}
	return errors.Join(errs...)
}

func (s *SubscriptionManager) subscribe(client mqtt.Client, rt broker.Route) error {
	token := client.Subscribe(rt.Pattern, rt.QoS, s.HandleMessage)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("subscribe to %s timed out", rt.Pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", rt.Pattern, err)
	}
	return nil
}

// HandleMessage hands a delivered message to the router.
func (s *SubscriptionManager) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.logger.Debug("processing message",
		"topic", msg.Topic(),
		"payloadSize", len(msg.Payload()))

	if s.router.OnMessage(msg.Topic(), msg.Payload()) {
		s.metrics.IncMessagesTotal("received")
	} else {
		s.metrics.IncMessagesTotal("unrouted")
	}
}
