package mqtt

import (
	"errors"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/stats"
)

func publishConfig(rate float64) config.PublishConfig {
	return config.PublishConfig{
		Rate:               rate,
		DrainInterval:      10 * time.Millisecond,
		QueueWarnThreshold: 100,
		FlushAttempts:      3,
		FlushWait:          5 * time.Millisecond,
	}
}

func TestPublisher_FIFOAndRate(t *testing.T) {
	const (
		n    = 6
		rate = 20.0
	)
	transport := newMockTransport()
	p := NewRateLimitedPublisher(transport, publishConfig(rate), logger.NewNop())
	p.Start()
	defer p.Stop()

	for i := 0; i < n; i++ {
		require.NoError(t, p.Publish(fmt.Sprintf("data/%d", i), []byte("x"), 1, false))
	}

	require.Eventually(t, func() bool {
		return len(transport.Sent()) == n
	}, 3*time.Second, 5*time.Millisecond)

	sent := transport.Sent()
	for i, msg := range sent {
		assert.Equal(t, fmt.Sprintf("data/%d", i), msg.Topic)
		assert.Equal(t, byte(1), msg.QoS)
	}

	// the limiter schedules against ideal send times, so a late timer on one
	// send may shorten the following gap by that latency
	const slack = 5 * time.Millisecond
	times := transport.SentTimes()
	minDrain := time.Duration(float64(n-1) / rate * float64(time.Second))
	assert.GreaterOrEqual(t, times[n-1].Sub(times[0]), minDrain-slack)
	for i := 1; i < n; i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), p.interval-slack)
	}
	assert.Equal(t, 0, p.QueueSize())
}

func TestPublisher_LimiterSpacesSends(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := newMockTransport()
	p := NewRateLimitedPublisher(transport, publishConfig(10), logger.NewNop(), WithPublisherClock(clock))

	require.NoError(t, p.Publish("a/1", []byte("1"), 1, false))
	require.NoError(t, p.Publish("a/2", []byte("2"), 1, false))
	clock.Advance(time.Second)

	done := make(chan int, 1)
	go func() { done <- p.Drain() }()

	clock.BlockUntil(1)
	assert.Len(t, transport.Sent(), 1, "second send must wait for the limiter")

	clock.Advance(100 * time.Millisecond)
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, []string{"a/1", "a/2"}, []string{transport.Sent()[0].Topic, transport.Sent()[1].Topic})
}

func TestPublisher_HoldsQueueWhileDisconnected(t *testing.T) {
	transport := newMockTransport()
	transport.connected.Store(false)
	st := stats.NewStatsCollector()
	p := NewRateLimitedPublisher(transport, publishConfig(10), logger.NewNop(), WithPublisherStats(st))

	require.NoError(t, p.Publish("a/b", []byte("1"), 1, false))
	require.NoError(t, p.Publish("a/b", []byte("2"), 1, false))

	assert.Equal(t, 0, p.Drain())
	assert.Equal(t, 2, p.QueueSize())
	assert.Empty(t, transport.Sent())
	assert.Equal(t, uint64(2), st.MessagesQueued.Load())

	transport.connected.Store(true)
	require.Eventually(t, func() bool {
		p.Drain()
		return len(transport.Sent()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("1"), transport.Sent()[0].Payload)
	assert.Equal(t, []byte("2"), transport.Sent()[1].Payload)
}

func TestPublisher_ConnectionErrorRequeues(t *testing.T) {
	transport := newMockTransport()
	calls := 0
	transport.transmitFn = func(msg broker.OutboundMessage) (mqtt.Token, error) {
		calls++
		if calls == 1 {
			return nil, mqtt.ErrNotConnected
		}
		return NewMockToken(nil), nil
	}
	p := NewRateLimitedPublisher(transport, publishConfig(50), logger.NewNop())

	require.NoError(t, p.Publish("a/first", []byte("1"), 1, false))
	require.NoError(t, p.Publish("a/second", []byte("2"), 1, false))

	assert.Equal(t, 0, p.Drain())
	assert.Equal(t, int32(1), transport.forced.Load())
	assert.Equal(t, 2, p.QueueSize())
	assert.Equal(t, 1, p.Failures())

	require.Eventually(t, func() bool {
		p.Drain()
		return len(transport.Sent()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sent := transport.Sent()
	assert.Equal(t, "a/first", sent[0].Topic)
	assert.Equal(t, "a/second", sent[1].Topic)
	assert.Equal(t, 0, p.Failures())
}

func TestPublisher_OtherErrorsDrop(t *testing.T) {
	transport := newMockTransport()
	transport.transmitFn = func(msg broker.OutboundMessage) (mqtt.Token, error) {
		return NewMockToken(errors.New("payload rejected")), nil
	}
	st := stats.NewStatsCollector()
	p := NewRateLimitedPublisher(transport, publishConfig(10), logger.NewNop(), WithPublisherStats(st))

	require.NoError(t, p.Publish("a/b", []byte("1"), 1, false))
	p.Drain()

	assert.Equal(t, 0, p.QueueSize())
	assert.Equal(t, int32(0), transport.forced.Load())
	assert.Equal(t, uint64(1), st.PublishFailures.Load())
}

func TestPublisher_PendingTokenHandedOff(t *testing.T) {
	transport := newMockTransport()
	transport.transmitFn = func(msg broker.OutboundMessage) (mqtt.Token, error) {
		return NewPendingToken(), nil
	}
	p := NewRateLimitedPublisher(transport, publishConfig(10), logger.NewNop())

	require.NoError(t, p.Publish("a/b", []byte("1"), 1, false))
	start := time.Now()
	assert.Equal(t, 1, p.Drain())
	// three bounded flush rounds of 5ms each
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, 0, p.Failures())
}

func TestFailureCooldown(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{4, time.Second},
		{5, 2 * time.Second},
		{10, 4 * time.Second},
		{15, 8 * time.Second},
		{20, 16 * time.Second},
		{25, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureCooldown(tt.failures), "failures=%d", tt.failures)
	}
}

func TestPublisher_Backoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := newMockTransport()
	transport.transmitFn = func(msg broker.OutboundMessage) (mqtt.Token, error) {
		return NewMockToken(errors.New("rejected")), nil
	}
	p := NewRateLimitedPublisher(transport, publishConfig(10), logger.NewNop(), WithPublisherClock(clock))

	assert.Equal(t, time.Duration(0), p.Backoff())

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish("a/b", []byte("x"), 1, false))
		p.Drain()
	}
	assert.Equal(t, 5, p.Failures())
	assert.Equal(t, 2*time.Second, p.Backoff())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, p.Backoff())

	transport.transmitFn = nil
	require.NoError(t, p.Publish("a/b", []byte("x"), 1, false))
	p.Drain()
	assert.Equal(t, 0, p.Failures())
	assert.Equal(t, time.Duration(0), p.Backoff())
}

func TestPublisher_RejectsAfterStopAndBadTopics(t *testing.T) {
	p := NewRateLimitedPublisher(newMockTransport(), publishConfig(10), logger.NewNop())

	assert.ErrorIs(t, p.Publish("a/+", []byte("x"), 1, false), broker.ErrInvalidTopic)
	assert.ErrorIs(t, p.Publish("", []byte("x"), 1, false), broker.ErrInvalidTopic)

	p.Start()
	p.Stop()
	assert.ErrorIs(t, p.Publish("a/b", []byte("x"), 1, false), broker.ErrPublisherStopped)
}
