package nats

import (
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (s *recordingSink) BroadcastRaw(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bodies = append(s.bodies, body)
	return nil
}

type fakeSubscriber struct {
	subject string
	handler nats.MsgHandler
	err     error
}

func (f *fakeSubscriber) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.handler = cb
	return &nats.Subscription{Subject: subject}, nil
}

func TestToNATSSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gateway.alarms", "gateway.alarms"},
		{"gateway/alarms", "gateway.alarms"},
		{"site/+/alarm", "site.*.alarm"},
		{"site/#", "site.>"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ToNATSSubject(tt.in))
		})
	}
}

func TestAlarmSubscription(t *testing.T) {
	sink := &recordingSink{}
	s := NewAlarmSubscription("site/+/alarm", sink, logger.NewNop())
	conn := &fakeSubscriber{}

	require.NoError(t, s.Subscribe(conn))
	assert.Equal(t, "site.*.alarm", conn.subject)

	conn.handler(&nats.Msg{Subject: "site.a.alarm", Data: []byte(`{"level":"critical"}`)})
	require.Len(t, sink.bodies, 1)
	assert.Equal(t, `{"level":"critical"}`, string(sink.bodies[0]))

	sink.err = errors.New("invalid alarm")
	conn.handler(&nats.Msg{Subject: "site.a.alarm", Data: []byte(`[]`)})

	received, rejected := s.Counts()
	assert.Equal(t, uint64(2), received)
	assert.Equal(t, uint64(1), rejected)

	assert.NotPanics(t, s.Unsubscribe)
	assert.NotPanics(t, s.Unsubscribe)
}

func TestAlarmSubscription_SubscribeError(t *testing.T) {
	s := NewAlarmSubscription("gateway.alarms", &recordingSink{}, logger.NewNop())
	err := s.Subscribe(&fakeSubscriber{err: nats.ErrBadSubject})
	assert.ErrorIs(t, err, nats.ErrBadSubject)
}

func TestConnection_Options(t *testing.T) {
	base := NewConnection(config.NATSConfig{Name: "gw"}, logger.NewNop())
	full := NewConnection(config.NATSConfig{
		Name:     "gw",
		Username: "user",
		Password: "secret",
		TLS: config.TLSConfig{
			Enabled:            true,
			CACert:             "ca.pem",
			ClientCert:         "client.pem",
			ClientKey:          "client.key",
			InsecureSkipVerify: true,
		},
	}, logger.NewNop())

	assert.Len(t, full.Options(), len(base.Options())+4)
}

func TestConnection_ConnectErrors(t *testing.T) {
	c := NewConnection(config.NATSConfig{}, logger.NewNop())
	assert.ErrorIs(t, c.Connect(), ErrNoServers)
	assert.False(t, c.IsConnected())
	assert.Nil(t, c.Conn())

	c = NewConnection(config.NATSConfig{URLs: []string{"nats://127.0.0.1:1"}}, logger.NewNop())
	assert.Error(t, c.Connect())
	assert.False(t, c.IsConnected())
	assert.NotPanics(t, c.Disconnect)
}

func TestAlarmIngest_StartFailure(t *testing.T) {
	ing := NewAlarmIngest(config.NATSConfig{
		URLs:         []string{"nats://127.0.0.1:1"},
		AlarmSubject: "gateway.alarms",
	}, &recordingSink{}, logger.NewNop())

	assert.Error(t, ing.Start())
	assert.False(t, ing.IsConnected())
	assert.NotPanics(t, ing.Stop)

	st := ing.Stats()
	assert.Equal(t, "gateway.alarms", st["subject"])
	assert.Equal(t, false, st["connected"])
}
