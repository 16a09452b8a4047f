package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/identity"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
)

const (
	defaultConnectTimeout = 10 * time.Second
	statusPublishTimeout  = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// ConnectionManager owns the cloud broker session: connect with a bounded
// wait, last-will and online/offline status, disconnect classification and
// a single supervised reconnect worker.
type ConnectionManager struct {
	provider  config.Provider
	identity  *identity.Identity
	logger    *logger.Logger
	stats     *stats.StatsCollector
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	newClient ClientFactory
	probe     Prober

	state atomic.Int32

	// connectMu serialises whole connect/disconnect sequences.
	connectMu sync.Mutex

	mu              sync.Mutex
	cfg             config.MQTTConfig
	client          mqtt.Client
	classifier      Classifier
	policy          RetryPolicy
	retry           RetryState
	connectedSince  time.Time
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	obsMu        sync.RWMutex
	onConnect    []func() error
	onDisconnect []func(code int)

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithClock replaces the wall clock (tests use a fake clock).
func WithClock(c clockwork.Clock) Option {
	return func(cm *ConnectionManager) { cm.clock = c }
}

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(cm *ConnectionManager) { cm.newClient = f }
}

// WithProber replaces the TCP reachability probe.
func WithProber(p Prober) Option {
	return func(cm *ConnectionManager) { cm.probe = p }
}

func WithStats(s *stats.StatsCollector) Option {
	return func(cm *ConnectionManager) { cm.stats = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cm *ConnectionManager) { cm.metrics = m }
}

// NewConnectionManager creates a manager for the broker described by the
// provider's current configuration. No connection is made until Connect.
func NewConnectionManager(provider config.Provider, id *identity.Identity, log *logger.Logger, opts ...Option) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		provider:  provider,
		identity:  id,
		logger:    log,
		clock:     clockwork.NewRealClock(),
		newClient: mqtt.NewClient,
		probe:     TCPProbe,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.applyConfig(provider.Current().MQTT)
	return cm
}

// applyConfig must be called with mu held or before the manager is shared.
func (cm *ConnectionManager) applyConfig(cfg config.MQTTConfig) {
	cm.cfg = cfg
	cm.classifier = NewClassifier(cfg.Reconnect.SeriousCodes)
	cm.policy = RetryPolicy{
		BaseDelay:   cfg.Reconnect.Delay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
}

// OnConnect registers fn to run after every established session, in
// registration order. Errors and panics are logged and do not stop the
// remaining callbacks.
func (cm *ConnectionManager) OnConnect(fn func() error) {
	cm.obsMu.Lock()
	defer cm.obsMu.Unlock()
	cm.onConnect = append(cm.onConnect, fn)
}

// OnDisconnect registers fn to run after an unexpected disconnect.
func (cm *ConnectionManager) OnDisconnect(fn func(code int)) {
	cm.obsMu.Lock()
	defer cm.obsMu.Unlock()
	cm.onDisconnect = append(cm.onDisconnect, fn)
}

// State returns the current connection state.
func (cm *ConnectionManager) State() broker.ConnectionState {
	return broker.ConnectionState(cm.state.Load())
}

// IsConnected returns current connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == broker.StateConnected
}

func (cm *ConnectionManager) setState(s broker.ConnectionState) {
	cm.state.Store(int32(s))
}

// idleState is the state to fall back to when no session is up.
func (cm *ConnectionManager) idleState() broker.ConnectionState {
	if cm.reconnecting.Load() {
		return broker.StateReconnecting
	}
	return broker.StateDisconnected
}

// Client returns the current paho client, nil before the first Connect.
func (cm *ConnectionManager) Client() mqtt.Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.client
}

func (cm *ConnectionManager) isCurrent(client mqtt.Client) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return client != nil && client == cm.client
}

// Connect opens a session with cfg and waits up to the connect timeout for
// the broker's acknowledgment. It reports success; errors are logged.
func (cm *ConnectionManager) Connect(cfg config.MQTTConfig) bool {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()
	return cm.connect(cfg)
}

func (cm *ConnectionManager) connect(cfg config.MQTTConfig) bool {
	opts, err := cm.buildOptions(cfg)
	if err != nil {
		cm.logger.Error("failed to build mqtt client options", "error", err)
		cm.setState(cm.idleState())
		return false
	}

	client := cm.newClient(opts)

	cm.mu.Lock()
	old := cm.client
	cm.client = client
	cm.applyConfig(cfg)
	cm.mu.Unlock()

	if old != nil && old != client {
		old.Disconnect(0)
	}

	cm.setState(broker.StateConnecting)
	cm.logger.Info("connecting to mqtt broker",
		"broker", cfg.BrokerURL(),
		"clientId", cfg.ClientID)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		cm.logger.Error("mqtt connect timed out", "broker", cfg.BrokerURL(), "timeout", timeout)
		cm.abandon(client)
		return false
	}
	if err := token.Error(); err != nil {
		code := ReasonCode(err)
		cm.mu.Lock()
		class := cm.classifier.Classify(code)
		cm.mu.Unlock()
		if class == ClassSerious {
			cm.logger.Error("mqtt connect refused",
				"broker", cfg.BrokerURL(),
				"code", code,
				"class", class,
				"error", err)
		} else {
			cm.logger.Warn("mqtt connect failed",
				"broker", cfg.BrokerURL(),
				"code", code,
				"error", err)
		}
		cm.abandon(client)
		return false
	}

	cm.markConnected(client, true)
	return true
}

func (cm *ConnectionManager) abandon(client mqtt.Client) {
	cm.mu.Lock()
	if cm.client == client {
		cm.client = nil
	}
	cm.mu.Unlock()
	client.Disconnect(0)
	cm.setState(cm.idleState())
}

func (cm *ConnectionManager) buildOptions(cfg config.MQTTConfig) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectRetry(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(cm.handleConnect)
	opts.SetConnectionLostHandler(cm.handleConnectionLost)
	opts.SetReconnectingHandler(cm.handleReconnecting)

	if cfg.Status.WillMessage {
		opts.SetBinaryWill(cm.identity.Topics().Status, cm.identity.StatusPayload(false), 1, true)
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := newTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// markConnected runs the connected side effects once per session. Both the
// Connect path and paho's OnConnect callback call it; whichever comes second
// is a no-op apart from the retry reset for explicit connects.
func (cm *ConnectionManager) markConnected(client mqtt.Client, explicit bool) bool {
	cm.mu.Lock()
	if client != cm.client {
		cm.mu.Unlock()
		return false
	}
	if explicit {
		cm.retry.Reset()
	}
	consecutive := cm.retry.ConsecutiveDisconnects
	quality := cm.retry.Quality()
	if cm.State() == broker.StateConnected {
		cm.mu.Unlock()
		cm.stats.SetNetworkQuality(consecutive, string(quality))
		return false
	}
	cm.setState(broker.StateConnected)
	cm.connectedSince = cm.clock.Now()
	cfg := cm.cfg
	cm.mu.Unlock()

	cm.logger.Info("mqtt client connected",
		"broker", cfg.BrokerURL(),
		"networkQuality", quality)
	cm.stats.SetConnected(true)
	cm.stats.SetNetworkQuality(consecutive, string(quality))
	cm.metrics.SetMQTTConnectionStatus(true)

	if cfg.Status.OnlineMessage {
		cm.publishStatus(client, true, statusPublishTimeout)
	}

	cm.notifyConnect()
	return true
}

// handleConnect processes successful connections made by paho, including
// its own automatic reconnects.
func (cm *ConnectionManager) handleConnect(client mqtt.Client) {
	if !cm.isCurrent(client) {
		cm.logger.Debug("ignoring connect from replaced client")
		client.Disconnect(0)
		return
	}
	cm.markConnected(client, false)
}

// handleConnectionLost classifies the loss and decides whether the
// reconnect worker is needed or paho's own reconnect is enough.
func (cm *ConnectionManager) handleConnectionLost(client mqtt.Client, err error) {
	if !cm.isCurrent(client) {
		return
	}

	code := ReasonCode(err)

	cm.mu.Lock()
	cm.setState(broker.StateDisconnected)
	since := cm.retry.RecordDisconnect(cm.clock.Now())
	consecutive := cm.retry.ConsecutiveDisconnects
	quality := cm.retry.Quality()
	class := cm.classifier.Classify(code)
	enabled := cm.cfg.Reconnect.Enabled
	cm.mu.Unlock()

	cooldown := quality.Cooldown()
	if class == ClassSerious {
		cm.logger.Error("mqtt connection lost",
			"error", err,
			"code", code,
			"class", class,
			"consecutive", consecutive)
	} else {
		cm.logger.Warn("mqtt connection lost",
			"error", err,
			"code", code,
			"class", class,
			"consecutive", consecutive,
			"networkQuality", quality)
	}

	cm.stats.IncDisconnects()
	cm.stats.SetConnected(false)
	cm.stats.SetNetworkQuality(consecutive, string(quality))
	cm.metrics.SetMQTTConnectionStatus(false)
	cm.metrics.IncMQTTDisconnects(string(class))

	cm.notifyDisconnect(code)

	if !enabled || class == ClassNone {
		return
	}

	switch {
	case class == ClassSerious:
		cm.startReconnect(false, "serious disconnect")
	case since > cooldown:
		cm.startReconnect(false, "network disconnect")
	default:
		cm.logger.Info("disconnect within cooldown, leaving recovery to transport",
			"sinceLast", since,
			"cooldown", cooldown,
			"networkQuality", quality)
	}
}

// handleReconnecting is called by paho before each of its own attempts.
func (cm *ConnectionManager) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	if !cm.isCurrent(client) {
		return
	}
	if !cm.IsConnected() {
		cm.setState(broker.StateReconnecting)
	}
	cm.logger.Debug("mqtt transport reconnecting")
}

// Disconnect tears the session down without publishing an offline status
// and stops any running reconnect worker.
func (cm *ConnectionManager) Disconnect() {
	cm.stopReconnect()

	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.Lock()
	client := cm.client
	cm.client = nil
	cm.mu.Unlock()

	if client != nil {
		cm.logger.Info("disconnecting from mqtt broker")
		client.Disconnect(disconnectQuiesce)
	}
	cm.setState(broker.StateDisconnected)
	cm.stats.SetConnected(false)
	cm.metrics.SetMQTTConnectionStatus(false)
}

// ReloadAndReconnect reloads configuration from the provider, rebuilds the
// client and connects again. An invalid configuration leaves the current
// session untouched.
func (cm *ConnectionManager) ReloadAndReconnect() bool {
	cfg, err := cm.provider.Reload()
	if err != nil {
		cm.logger.Error("configuration reload failed, keeping current session", "error", err)
		return false
	}

	cm.logger.Info("reloading mqtt connection", "broker", cfg.MQTT.BrokerURL())
	cm.Disconnect()

	if cm.Connect(cfg.MQTT) {
		return true
	}
	if cfg.MQTT.Reconnect.Enabled {
		cm.StartReconnect("connect after reload failed")
	}
	return false
}

// Close publishes a best-effort offline status within grace, closes the
// session and stops background work.
func (cm *ConnectionManager) Close(grace time.Duration) {
	cm.cancel()

	cm.connectMu.Lock()
	cm.mu.Lock()
	client := cm.client
	cm.client = nil
	cfg := cm.cfg
	cm.mu.Unlock()

	if client != nil {
		if cm.IsConnected() && (cfg.Status.OnlineMessage || cfg.Status.WillMessage) {
			cm.publishStatus(client, false, grace)
		}
		client.Disconnect(uint(grace.Milliseconds()))
	}
	cm.setState(broker.StateDisconnected)
	cm.stats.SetConnected(false)
	cm.metrics.SetMQTTConnectionStatus(false)
	cm.connectMu.Unlock()

	cm.wg.Wait()
	cm.logger.Info("mqtt connection manager stopped")
}

// Transmit hands msg to the session. The returned token completes when the
// broker acknowledges (QoS 1) or the packet is written (QoS 0).
func (cm *ConnectionManager) Transmit(msg broker.OutboundMessage) (mqtt.Token, error) {
	client := cm.Client()
	if client == nil || !cm.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	return client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload), nil
}

// ForceReconnect drops the session and starts an immediate reconnect. It is
// used when a publish proves the session is gone.
func (cm *ConnectionManager) ForceReconnect(reason string) {
	if cm.ctx.Err() != nil || cm.reconnecting.Load() {
		return
	}

	cm.logger.Warn("forcing mqtt reconnect", "reason", reason)

	if client := cm.Client(); client != nil {
		client.Disconnect(0)
	}
	cm.setState(broker.StateDisconnected)
	cm.stats.SetConnected(false)
	cm.metrics.SetMQTTConnectionStatus(false)

	cm.startReconnect(true, reason)
}

func (cm *ConnectionManager) publishStatus(client mqtt.Client, online bool, timeout time.Duration) bool {
	topic := cm.identity.Topics().Status
	token := client.Publish(topic, 1, true, cm.identity.StatusPayload(online))
	if !token.WaitTimeout(timeout) {
		cm.logger.Warn("status publish timed out", "topic", topic, "online", online)
		return false
	}
	if err := token.Error(); err != nil {
		cm.logger.Error("failed to publish status", "topic", topic, "online", online, "error", err)
		return false
	}
	cm.logger.Info("status published", "topic", topic, "online", online)
	return true
}

func (cm *ConnectionManager) notifyConnect() {
	cm.obsMu.RLock()
	fns := make([]func() error, len(cm.onConnect))
	copy(fns, cm.onConnect)
	cm.obsMu.RUnlock()

	for i, fn := range fns {
		cm.safeCall("connect", i, fn)
	}
}

func (cm *ConnectionManager) notifyDisconnect(code int) {
	cm.obsMu.RLock()
	fns := make([]func(int), len(cm.onDisconnect))
	copy(fns, cm.onDisconnect)
	cm.obsMu.RUnlock()

	for i, fn := range fns {
		fn := fn
		cm.safeCall("disconnect", i, func() error {
			fn(code)
			return nil
		})
	}
}

func (cm *ConnectionManager) safeCall(event string, index int, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("connection callback panicked", "event", event, "index", index, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		cm.logger.Error("connection callback failed", "event", event, "index", index, "error", err)
	}
}

// Stats returns a snapshot of the session for the status endpoint.
func (cm *ConnectionManager) Stats() broker.BrokerStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s := broker.BrokerStats{
		State:                  cm.State(),
		Broker:                 cm.cfg.BrokerURL(),
		ClientID:               cm.cfg.ClientID,
		LastDisconnect:         cm.retry.LastDisconnect,
		ConsecutiveDisconnects: cm.retry.ConsecutiveDisconnects,
		ReconnectAttempts:      cm.retry.Attempts,
		NetworkQuality:         string(cm.retry.Quality()),
		ReconnectRunning:       cm.reconnecting.Load(),
	}
	if s.State == broker.StateConnected {
		s.ConnectedSince = cm.connectedSince
	}
	return s
}
