// Package gateway composes the bridge: the cloud session, the publisher,
// the forward pipeline, the command handlers and the optional side
// integrations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/broker"
	mqttbroker "mqtt-edge-gateway/internal/broker/mqtt"
	natsbroker "mqtt-edge-gateway/internal/broker/nats"
	"mqtt-edge-gateway/internal/codec"
	"mqtt-edge-gateway/internal/command"
	"mqtt-edge-gateway/internal/forward"
	"mqtt-edge-gateway/internal/history"
	"mqtt-edge-gateway/internal/identity"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
	"mqtt-edge-gateway/internal/store"
	"mqtt-edge-gateway/internal/sysinfo"
)

const (
	healthTimeout = 2 * time.Second
	// DefaultGrace bounds the offline status publish on shutdown.
	DefaultGrace = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("gateway already started")

// Service owns every long-lived component of the gateway.
type Service struct {
	provider config.Provider
	logger   *logger.Logger
	stats    *stats.StatsCollector
	metrics  *metrics.Metrics

	identity  *identity.Identity
	store     store.Store
	conn      *mqttbroker.ConnectionManager
	publisher *mqttbroker.RateLimitedPublisher
	router    *broker.Router
	subs      *mqttbroker.SubscriptionManager
	forwarder *forward.Forwarder
	commands  *command.Handlers
	alarms    *command.Broadcaster
	ingest    *natsbroker.AlarmIngest
	history   *history.Sink

	mqttOpts []mqttbroker.Option

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

type Option func(*Service)

// WithStore replaces the Redis store built from configuration.
func WithStore(st store.Store) Option {
	return func(s *Service) { s.store = st }
}

func WithStats(st *stats.StatsCollector) Option {
	return func(s *Service) { s.stats = st }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMQTTOptions passes extra options to the connection manager.
func WithMQTTOptions(opts ...mqttbroker.Option) Option {
	return func(s *Service) { s.mqttOpts = append(s.mqttOpts, opts...) }
}

// New builds the service from the provider's current configuration. No
// network connection is made except the InfluxDB health check when history
// is enabled.
func New(provider config.Provider, log *logger.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		provider: provider,
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = stats.NewStatsCollector()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	cfg := provider.Current()

	enc, err := codec.New(cfg.Publish.Format)
	if err != nil {
		return nil, fmt.Errorf("payload codec: %w", err)
	}

	s.identity = identity.New(cfg.Device, cfg.Topics, log)
	topics := s.identity.Topics()

	if s.store == nil {
		s.store = store.NewRedisStore(cfg.Redis)
	}

	connOpts := append([]mqttbroker.Option{
		mqttbroker.WithStats(s.stats),
		mqttbroker.WithMetrics(s.metrics),
	}, s.mqttOpts...)
	s.conn = mqttbroker.NewConnectionManager(provider, s.identity, log.Named("mqtt"), connOpts...)

	s.publisher = mqttbroker.NewRateLimitedPublisher(s.conn, cfg.Publish, log.Named("publisher"),
		mqttbroker.WithPublisherStats(s.stats),
		mqttbroker.WithPublisherMetrics(s.metrics))

	s.router = broker.NewRouter(log)
	s.subs = mqttbroker.NewSubscriptionManager(s.conn, s.router, log, s.metrics)
	s.conn.OnConnect(s.subs.ResubscribeAll)

	fwdOpts := []forward.Option{
		forward.WithBackoff(s.publisher),
		forward.WithStats(s.stats),
		forward.WithMetrics(s.metrics),
	}
	if cfg.Forward.SystemMetrics.Enabled {
		fwdOpts = append(fwdOpts, forward.WithSystemCollector(sysinfo.NewCollector("", log)))
	}
	if cfg.InfluxDB.Enabled {
		sink, err := history.Connect(cfg.InfluxDB, log, s.stats)
		if err != nil {
			log.Warn("telemetry history disabled", "error", err)
		} else {
			s.history = sink
			fwdOpts = append(fwdOpts, forward.WithHistory(sink))
		}
	}
	s.forwarder = forward.NewForwarder(cfg.Forward, s.store, s.publisher, s.conn, s.identity, enc,
		log.Named("forward"), fwdOpts...)

	s.commands = command.NewHandlers(s.store, s.publisher, topics, log.Named("command"),
		command.WithCycleRunner(s.forwarder),
		command.WithStats(s.stats),
		command.WithMetrics(s.metrics),
		command.WithContext(s.ctx))
	if err := s.commands.Register(s.router); err != nil {
		return nil, fmt.Errorf("register command routes: %w", err)
	}

	s.alarms = command.NewBroadcaster(s.publisher, topics.Alarm, log.Named("alarm"), s.stats, s.metrics)
	if cfg.NATS.Enabled {
		s.ingest = natsbroker.NewAlarmIngest(cfg.NATS, s.alarms, log)
	}

	return s, nil
}

// Start connects to the cloud and starts the background tasks. A failed
// initial connect is handed to the reconnect worker and is not an error.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	cfg := s.provider.Current()

	pingCtx, cancel := context.WithTimeout(s.ctx, healthTimeout)
	if err := s.store.Ping(pingCtx); err != nil {
		s.logger.Warn("data store not reachable, forwarding will retry every cycle", "error", err)
	}
	cancel()

	s.publisher.Start()

	if !s.conn.Connect(cfg.MQTT) && cfg.MQTT.Reconnect.Enabled {
		s.conn.StartReconnect("initial connect failed")
	}

	s.forwarder.Start(s.ctx)

	if s.ingest != nil {
		if err := s.ingest.Start(); err != nil {
			s.logger.Warn("alarm ingest unavailable", "error", err)
		}
	}

	s.started = true
	s.logger.Info("gateway started",
		"productSN", s.identity.ProductSN,
		"deviceSN", s.identity.DeviceSN,
		"broker", cfg.MQTT.BrokerURL(),
		"routes", len(s.router.Routes()))
	return nil
}

// Stop shuts everything down. The offline status is attempted within grace
// before the session closes.
func (s *Service) Stop(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ingest != nil {
		s.ingest.Stop()
	}
	s.forwarder.Stop()
	s.cancel()
	s.publisher.Stop()
	s.conn.Close(grace)

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("failed to close history sink", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close data store", "error", err)
	}

	s.started = false
	s.logger.Info("gateway stopped")
}

// Reconnect reloads the configuration and rebuilds the cloud session.
// Forward and publish settings take effect on the next restart.
func (s *Service) Reconnect() bool {
	return s.conn.ReloadAndReconnect()
}

// Alarms returns the broadcaster used to relay local alarms.
func (s *Service) Alarms() *command.Broadcaster {
	return s.alarms
}

// Forwarder returns the forward pipeline.
func (s *Service) Forwarder() *forward.Forwarder {
	return s.forwarder
}

// Stats returns the gateway counters.
func (s *Service) Stats() *stats.StatsCollector {
	return s.stats
}
