package mqtt

import (
	"container/list"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
)

const (
	failureBaseDelay   = time.Second
	failureMaxDelay    = 30 * time.Second
	failuresPerDouble  = 5
	failuresLoggedFull = 3
	failureLogEvery    = 10
)

// RateLimitedPublisher queues outbound messages in FIFO order and transmits
// them no faster than the configured rate. Publish never blocks; all network
// writes happen on the drain goroutine.
type RateLimitedPublisher struct {
	transport Transport
	logger    *logger.Logger
	stats     *stats.StatsCollector
	metrics   *metrics.Metrics
	clock     clockwork.Clock

	rate          float64
	interval      time.Duration
	limiter       *rate.Limiter
	drainInterval time.Duration
	warnThreshold int
	flushAttempts int
	flushWait     time.Duration

	mu          sync.Mutex
	queue       *list.List
	lastDrain   time.Time
	failures    int
	lastFailure time.Time
	warned      bool

	// sendMu enforces a single writer.
	sendMu sync.Mutex

	kick    chan struct{}
	stopCh  chan struct{}
	running atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// PublisherOption configures a RateLimitedPublisher.
type PublisherOption func(*RateLimitedPublisher)

func WithPublisherClock(c clockwork.Clock) PublisherOption {
	return func(p *RateLimitedPublisher) { p.clock = c }
}

func WithPublisherStats(s *stats.StatsCollector) PublisherOption {
	return func(p *RateLimitedPublisher) { p.stats = s }
}

func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *RateLimitedPublisher) { p.metrics = m }
}

// NewRateLimitedPublisher creates a publisher sending through transport.
func NewRateLimitedPublisher(transport Transport, cfg config.PublishConfig, log *logger.Logger, opts ...PublisherOption) *RateLimitedPublisher {
	perSecond := cfg.Rate
	if perSecond <= 0 {
		perSecond = 10
	}
	p := &RateLimitedPublisher{
		transport:     transport,
		logger:        log,
		clock:         clockwork.NewRealClock(),
		rate:          perSecond,
		interval:      time.Duration(float64(time.Second) / perSecond),
		limiter:       rate.NewLimiter(rate.Limit(perSecond), 1),
		drainInterval: cfg.DrainInterval,
		warnThreshold: cfg.QueueWarnThreshold,
		flushAttempts: cfg.FlushAttempts,
		flushWait:     cfg.FlushWait,
		queue:         list.New(),
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	if p.drainInterval <= 0 {
		p.drainInterval = 100 * time.Millisecond
	}
	if p.flushAttempts < 1 {
		p.flushAttempts = 1
	}
	if p.flushWait <= 0 {
		p.flushWait = 50 * time.Millisecond
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastDrain = p.clock.Now()
	return p
}

// Start launches the drain loop.
func (p *RateLimitedPublisher) Start() {
	if p.stopped.Load() || !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.run()
	p.logger.Info("publisher started",
		"rate", p.rate,
		"drainInterval", p.drainInterval)
}

// Stop ends the drain loop. Messages still queued are dropped.
func (p *RateLimitedPublisher) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.running.Store(false)

	if n := p.QueueSize(); n > 0 {
		p.logger.Warn("publisher stopped with queued messages", "dropped", n)
	} else {
		p.logger.Info("publisher stopped")
	}
}

func (p *RateLimitedPublisher) run() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.Chan():
			p.Drain()
		case <-p.kick:
			p.Drain()
		}
	}
}

// Publish queues a message. When the limiter has a send available the drain
// loop is woken to send it right away.
func (p *RateLimitedPublisher) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if p.stopped.Load() {
		return broker.ErrPublisherStopped
	}
	if err := broker.ValidateTopicName(topic); err != nil {
		return err
	}

	now := p.clock.Now()
	msg := broker.OutboundMessage{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retain:   retain,
		Enqueued: now,
	}

	p.mu.Lock()
	p.queue.PushBack(msg)
	size := p.queue.Len()
	immediate := p.limiter.TokensAt(now) >= 1
	p.checkQueueLocked(size)
	p.mu.Unlock()

	p.stats.IncQueued()
	p.stats.SetQueueSize(size)
	p.metrics.SetPublishQueueSize(size)

	if immediate {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *RateLimitedPublisher) checkQueueLocked(size int) {
	if p.warnThreshold <= 0 {
		return
	}
	if size > p.warnThreshold && !p.warned {
		p.warned = true
		p.logger.Warn("publish queue above threshold",
			"size", size,
			"threshold", p.warnThreshold)
	} else if size <= p.warnThreshold/2 && p.warned {
		p.warned = false
		p.logger.Info("publish queue recovered", "size", size)
	}
}

// Drain sends as many queued messages as the time since the previous drain
// allows (at least one). The limiter keeps sends at least 1/rate apart.
func (p *RateLimitedPublisher) Drain() int {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	now := p.clock.Now()
	p.mu.Lock()
	budget := int(now.Sub(p.lastDrain).Seconds() * p.rate)
	if budget < 1 {
		budget = 1
	}
	p.lastDrain = now
	p.mu.Unlock()

	sent := 0
	for i := 0; i < budget; i++ {
		if !p.transport.IsConnected() {
			break
		}

		if p.QueueSize() == 0 {
			break
		}
		now := p.clock.Now()
		r := p.limiter.ReserveN(now, 1)
		if wait := r.DelayFrom(now); wait > 0 {
			select {
			case <-p.clock.After(wait):
			case <-p.stopCh:
				r.CancelAt(p.clock.Now())
				return sent
			}
		}

		msg, ok := p.pop()
		if !ok {
			break
		}
		if err := p.send(msg); err != nil {
			// only delivered messages count against the rate
			r.CancelAt(p.clock.Now())
			if IsConnectionError(err) {
				break
			}
			continue
		}
		sent++
	}

	size := p.QueueSize()
	p.stats.SetQueueSize(size)
	p.metrics.SetPublishQueueSize(size)
	return sent
}

func (p *RateLimitedPublisher) pop() (broker.OutboundMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	front := p.queue.Front()
	if front == nil {
		return broker.OutboundMessage{}, false
	}
	return p.queue.Remove(front).(broker.OutboundMessage), true
}

func (p *RateLimitedPublisher) pushFront(msg broker.OutboundMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.PushFront(msg)
}

// send transmits one message and waits a bounded number of short rounds for
// the token. A token still pending afterwards counts as handed off.
func (p *RateLimitedPublisher) send(msg broker.OutboundMessage) error {
	token, err := p.transport.Transmit(msg)
	if err == nil {
		err = p.flush(token)
	}
	if err != nil {
		p.handleFailure(msg, err)
		return err
	}

	p.mu.Lock()
	recovered := p.failures
	p.failures = 0
	p.mu.Unlock()

	if recovered > 0 {
		p.logger.Info("publishing recovered", "previousFailures", recovered)
	}
	p.stats.IncPublished()
	p.metrics.IncMessagesTotal("published")
	p.logger.Debug("published message",
		"topic", msg.Topic,
		"qos", msg.QoS,
		"payloadSize", len(msg.Payload),
		"queuedFor", p.clock.Since(msg.Enqueued))
	return nil
}

func (p *RateLimitedPublisher) flush(token mqtt.Token) error {
	for i := 0; i < p.flushAttempts; i++ {
		if token.WaitTimeout(p.flushWait) {
			return token.Error()
		}
	}
	return nil
}

func (p *RateLimitedPublisher) handleFailure(msg broker.OutboundMessage, err error) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.lastFailure = p.clock.Now()
	p.mu.Unlock()

	p.stats.IncPublishFailures()
	connErr := IsConnectionError(err)

	if failures <= failuresLoggedFull || failures%failureLogEvery == 0 {
		p.logger.Error("failed to publish message",
			"topic", msg.Topic,
			"error", err,
			"consecutiveFailures", failures,
			"connectionError", connErr)
	}

	if connErr {
		p.pushFront(msg)
		p.metrics.IncMessagesTotal("requeued")
		p.transport.ForceReconnect(fmt.Sprintf("publish failed: %v", err))
		return
	}
	p.metrics.IncMessagesTotal("dropped")
}

// Backoff returns how long producers should hold off after consecutive
// failures. The delay doubles every five failures and is capped at 30s.
func (p *RateLimitedPublisher) Backoff() time.Duration {
	p.mu.Lock()
	failures := p.failures
	last := p.lastFailure
	p.mu.Unlock()

	if failures == 0 {
		return 0
	}
	remaining := FailureCooldown(failures) - p.clock.Since(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FailureCooldown is the cooldown after n consecutive publish failures.
func FailureCooldown(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(failureBaseDelay) * math.Pow(2, float64(n/failuresPerDouble))
	if d > float64(failureMaxDelay) {
		return failureMaxDelay
	}
	return time.Duration(d)
}

// QueueSize returns the number of queued messages.
func (p *RateLimitedPublisher) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Failures returns the consecutive failure count.
func (p *RateLimitedPublisher) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
