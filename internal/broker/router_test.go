package broker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mqtt-edge-gateway/internal/logger"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"Exact match", "write/ems/GW-1", "write/ems/GW-1", true},
		{"Exact mismatch", "write/ems/GW-1", "write/ems/GW-2", false},
		{"Single-level wildcard", "write/+/GW-1", "write/ems/GW-1", true},
		{"Single-level does not match zero levels", "write/+", "write", false},
		{"Single-level does not match two levels", "write/+", "write/ems/GW-1", false},
		{"Single-level matches empty level", "write/+/x", "write//x", true},
		{"Multi-level matches one level", "alarm/#", "alarm/ems", true},
		{"Multi-level matches many levels", "alarm/#", "alarm/ems/GW-1/extra", true},
		{"Multi-level needs at least one level", "alarm/#", "alarm", false},
		{"Multi-level alone", "#", "any/topic/here", true},
		{"Mixed wildcards", "+/ems/#", "read/ems/GW-1", true},
		{"Mixed wildcards prefix mismatch", "+/ems/#", "read/other/GW-1", false},
		{"Pattern longer than topic", "a/b/c", "a/b", false},
		{"Topic longer than pattern", "a/b", "a/b/c", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestMultiLevelWildcardMatchesPrefix(t *testing.T) {
	topics := []string{"p/q", "p/q/r", "p/q/r/s/t/u"}
	for _, topic := range topics {
		assert.True(t, MatchTopic("p/#", topic), topic)
	}
}

func TestTopicFilterValidation(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		wantError bool
	}{
		{"Valid simple topic", "sensors/temp", false},
		{"Valid single-level wildcard", "sensors/+/temp", false},
		{"Valid multi-level wildcard", "sensors/#", false},
		{"Valid leading slash", "/sensors/temp", false},
		{"Empty topic", "", true},
		{"Invalid + wildcard", "sensors/+temp/value", true},
		{"Mid-topic #", "sensors/#/temp", true},
		{"Partial #", "sensors/temp#", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTopicFilter(tt.topic)
			if (err != nil) != tt.wantError {
				t.Errorf("validateTopicFilter(%q) error = %v, wantError %v", tt.topic, err, tt.wantError)
			}
		})
	}
}

func TestValidateTopicName(t *testing.T) {
	assert.NoError(t, ValidateTopicName("property/ems/GW-1"))
	assert.ErrorIs(t, ValidateTopicName(""), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopicName("property/+/GW-1"), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopicName("property/#"), ErrInvalidTopic)
}

func TestRouterFirstMatchWins(t *testing.T) {
	r := NewRouter(logger.NewNop())

	var got []string
	require.NoError(t, r.Subscribe(
		Route{Pattern: "cmd/+/GW-1", Handler: func(string, []byte) { got = append(got, "single") }},
		Route{Pattern: "cmd/#", Handler: func(string, []byte) { got = append(got, "multi") }},
	))

	assert.True(t, r.OnMessage("cmd/read/GW-1", nil))
	assert.True(t, r.OnMessage("cmd/read/GW-2", nil))
	assert.Equal(t, []string{"single", "multi"}, got)
}

func TestRouterExactShortCircuit(t *testing.T) {
	r := NewRouter(logger.NewNop())

	var got string
	require.NoError(t, r.Subscribe(
		Route{Pattern: "cmd/#", Handler: func(string, []byte) { got = "wildcard" }},
		Route{Pattern: "cmd/write", Handler: func(string, []byte) { got = "exact" }},
	))

	r.OnMessage("cmd/write", nil)
	assert.Equal(t, "exact", got)
}

func TestRouterNoMatchIsDropped(t *testing.T) {
	r := NewRouter(logger.NewNop())
	require.NoError(t, r.Subscribe(Route{Pattern: "a/b", Handler: func(string, []byte) {
		t.Fatal("unexpected dispatch")
	}}))

	assert.False(t, r.OnMessage("c/d", []byte("x")))
}

func TestRouterPassesTopicAndPayload(t *testing.T) {
	r := NewRouter(logger.NewNop())

	var gotTopic, gotPayload string
	require.NoError(t, r.Subscribe(Route{Pattern: "read/+/+", QoS: 1, Handler: func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, string(payload)
	}}))

	r.OnMessage("read/ems/GW-1", []byte(`{"msgId":"1"}`))
	assert.Equal(t, "read/ems/GW-1", gotTopic)
	assert.Equal(t, `{"msgId":"1"}`, gotPayload)
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	r := NewRouter(logger.NewNop())
	require.NoError(t, r.Subscribe(Route{Pattern: "boom", Handler: func(string, []byte) {
		panic("handler failure")
	}}))

	assert.NotPanics(t, func() {
		assert.True(t, r.OnMessage("boom", nil))
	})
}

func TestRouterSubscribeValidation(t *testing.T) {
	r := NewRouter(logger.NewNop())

	err := r.Subscribe(Route{Pattern: "a/#/b", Handler: func(string, []byte) {}})
	assert.ErrorIs(t, err, ErrInvalidTopic)

	err = r.Subscribe(Route{Pattern: "a/b"})
	assert.Error(t, err)

	assert.Empty(t, r.Routes())
}

func TestRouterReplaceAndUnsubscribe(t *testing.T) {
	r := NewRouter(logger.NewNop())

	var got string
	require.NoError(t, r.Subscribe(
		Route{Pattern: "a", Handler: func(string, []byte) { got = "a1" }},
		Route{Pattern: "b", Handler: func(string, []byte) { got = "b" }},
	))
	require.NoError(t, r.Subscribe(Route{Pattern: "a", QoS: 1, Handler: func(string, []byte) { got = "a2" }}))

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "a", routes[0].Pattern)
	assert.Equal(t, byte(1), routes[0].QoS)

	r.OnMessage("a", nil)
	assert.Equal(t, "a2", got)

	r.Unsubscribe("a")
	assert.False(t, r.OnMessage("a", nil))
	assert.True(t, r.OnMessage("b", nil))
	assert.Equal(t, "b", got)

	r.Unsubscribe("missing")
	assert.Len(t, r.Routes(), 1)
}

func TestRouterConcurrentAccess(t *testing.T) {
	r := NewRouter(logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Subscribe(Route{Pattern: "x/+", Handler: func(string, []byte) {}})
		}()
		go func() {
			defer wg.Done()
			r.OnMessage("x/y", nil)
		}()
	}
	wg.Wait()

	assert.Len(t, r.Routes(), 1)
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{ConnectionState(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
