package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/identity"
	"mqtt-edge-gateway/internal/logger"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err     error
	pending bool
	done    chan struct{}
}

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// NewPendingToken returns a token that never completes.
func NewPendingToken() *MockToken {
	return &MockToken{pending: true, done: make(chan struct{})}
}

func (t *MockToken) Wait() bool { return !t.pending }
func (t *MockToken) WaitTimeout(d time.Duration) bool {
	if t.pending {
		time.Sleep(d)
		return false
	}
	return true
}
func (t *MockToken) Error() error          { return t.err }
func (t *MockToken) Done() <-chan struct{} { return t.done }

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	opts          *mqtt.ClientOptions
	connected     atomic.Bool
	disconnects   atomic.Int32
	connectFunc   func() mqtt.Token
	publishFunc   func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	subscribeFunc func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token

	mu         sync.Mutex
	published  []publishedMessage
	subscribed []string
}

func NewMockClient(opts *mqtt.ClientOptions) *MockClient {
	return &MockClient{
		opts: opts,
		connectFunc: func() mqtt.Token {
			return NewMockToken(nil)
		},
		publishFunc: func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
			return NewMockToken(nil)
		},
		subscribeFunc: func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
			return NewMockToken(nil)
		},
	}
}

func (m *MockClient) Connect() mqtt.Token {
	token := m.connectFunc()
	if token.Error() == nil && token.Wait() {
		m.connected.Store(true)
	}
	return token
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.connected.Store(false)
	m.disconnects.Add(1)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	m.mu.Lock()
	m.published = append(m.published, publishedMessage{topic: topic, qos: qos, retained: retained, payload: body})
	m.mu.Unlock()
	return m.publishFunc(topic, qos, retained, payload)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.subscribed = append(m.subscribed, topic)
	m.mu.Unlock()
	return m.subscribeFunc(topic, qos, callback)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token          { return NewMockToken(nil) }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                  { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                             { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(m.opts)
}

func (m *MockClient) Published() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockClient) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subscribed))
	copy(out, m.subscribed)
	return out
}

// mockFactory records every client the connection manager creates.
type mockFactory struct {
	mu      sync.Mutex
	clients []*MockClient
	setup   func(c *MockClient)
}

func (f *mockFactory) New(opts *mqtt.ClientOptions) mqtt.Client {
	c := NewMockClient(opts)
	if f.setup != nil {
		f.setup(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *mockFactory) Last() *MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *mockFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// mockTransport implements Transport for publisher tests.
type mockTransport struct {
	connected  atomic.Bool
	forced     atomic.Int32
	mu         sync.Mutex
	sent       []broker.OutboundMessage
	sentAt     []time.Time
	transmitFn func(msg broker.OutboundMessage) (mqtt.Token, error)
}

func newMockTransport() *mockTransport {
	t := &mockTransport{}
	t.connected.Store(true)
	return t
}

func (t *mockTransport) IsConnected() bool { return t.connected.Load() }

func (t *mockTransport) Transmit(msg broker.OutboundMessage) (mqtt.Token, error) {
	token := mqtt.Token(NewMockToken(nil))
	if t.transmitFn != nil {
		tok, err := t.transmitFn(msg)
		if err != nil {
			return nil, err
		}
		token = tok
	}
	if token.Error() == nil {
		t.mu.Lock()
		t.sent = append(t.sent, msg)
		t.sentAt = append(t.sentAt, time.Now())
		t.mu.Unlock()
	}
	return token, nil
}

func (t *mockTransport) ForceReconnect(reason string) {
	t.forced.Add(1)
}

func (t *mockTransport) Sent() []broker.OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]broker.OutboundMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *mockTransport) SentTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.sentAt))
	copy(out, t.sentAt)
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MQTT.ClientID = "gateway-test"
	cfg.MQTT.Reconnect.Delay = 5 * time.Second
	cfg.MQTT.Reconnect.MaxAttempts = 10
	cfg.Device.ProductSN = "edge"
	cfg.Device.DeviceSN = "dev42"
	return cfg
}

func testIdentity(cfg *config.Config) *identity.Identity {
	return identity.New(cfg.Device, cfg.Topics, logger.NewNop())
}
