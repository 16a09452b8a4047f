// Package forward polls the local store and reports its contents to the
// cloud property topic.
package forward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/codec"
	"mqtt-edge-gateway/internal/identity"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
	"mqtt-edge-gateway/internal/store"
)

const (
	propertyQoS   = 1
	gatewaySource = "gateway"
	systemType    = "T"
)

// ConnectionStatus reports whether the broker session is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// Backoff reports how long producers should hold off publishing.
type Backoff interface {
	Backoff() time.Duration
}

// SystemCollector returns a flat snapshot of host metrics.
type SystemCollector interface {
	Collect(ctx context.Context) (map[string]interface{}, error)
}

// HistorySink stores forwarded records.
type HistorySink interface {
	WriteRecords(ctx context.Context, records []Record, at time.Time) error
}

// CycleResult summarises one forward cycle.
type CycleResult struct {
	Skipped  string
	Records  int
	Messages int
	Errors   int
	Duration time.Duration
}

// Forwarder runs the poll, group, batch and publish pipeline.
type Forwarder struct {
	cfg       config.ForwardConfig
	store     store.Store
	publisher broker.Publisher
	conn      ConnectionStatus
	identity  *identity.Identity
	codec     codec.Codec
	logger    *logger.Logger

	backoff Backoff
	system  SystemCollector
	history HistorySink
	stats   *stats.StatsCollector
	metrics *metrics.Metrics
	clock   clockwork.Clock

	filter Filter

	// cycleMu serialises timer cycles and on-demand cycles.
	cycleMu sync.Mutex

	running     atomic.Bool
	lastForward atomic.Int64 // unix nanos
	lastSystem  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// Option configures a Forwarder.
type Option func(*Forwarder)

func WithBackoff(b Backoff) Option {
	return func(f *Forwarder) { f.backoff = b }
}

func WithSystemCollector(c SystemCollector) Option {
	return func(f *Forwarder) { f.system = c }
}

func WithHistory(h HistorySink) Option {
	return func(f *Forwarder) { f.history = h }
}

func WithStats(s *stats.StatsCollector) Option {
	return func(f *Forwarder) { f.stats = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(f *Forwarder) { f.clock = c }
}

// NewForwarder creates a forwarder. It does nothing until Start or
// RunCycle is called.
func NewForwarder(cfg config.ForwardConfig, st store.Store, pub broker.Publisher, conn ConnectionStatus,
	id *identity.Identity, c codec.Codec, log *logger.Logger, opts ...Option) *Forwarder {
	f := &Forwarder{
		cfg:       cfg,
		store:     st,
		publisher: pub,
		conn:      conn,
		identity:  id,
		codec:     c,
		logger:    log,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.codec == nil {
		f.codec = codec.JSON{}
	}

	filter, bad := NewFilter(cfg.Filters.Exclude)
	for _, p := range bad {
		log.Warn("ignoring malformed exclude pattern", "pattern", p)
	}
	f.filter = filter
	return f
}

// Start launches the tick loop.
func (f *Forwarder) Start(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		f.logger.Warn("forwarder already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.loop(ctx)

	f.logger.Info("forwarder started",
		"interval", f.cfg.Interval,
		"batchSize", f.cfg.BatchSize,
		"patterns", f.cfg.Patterns)
}

// Stop ends the tick loop and waits for a running cycle to finish.
func (f *Forwarder) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
	f.logger.Info("forwarder stopped")
}

// Running reports whether the tick loop is active.
func (f *Forwarder) Running() bool {
	return f.running.Load()
}

// LastForward returns the end of the last cycle that published data.
func (f *Forwarder) LastForward() time.Time {
	ns := f.lastForward.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (f *Forwarder) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := f.clock.NewTicker(f.cfg.Tick)
	defer ticker.Stop()

	var lastCycle time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := f.clock.Now()
			if now.Sub(lastCycle) >= f.cfg.Interval {
				lastCycle = now
				f.RunCycle(ctx)
			}
			if f.cfg.SystemMetrics.Enabled && f.system != nil &&
				now.Sub(f.lastSystem) >= f.cfg.SystemMetrics.Interval {
				f.lastSystem = now
				if err := f.ForwardSystemMetrics(ctx); err != nil {
					f.logger.Warn("system metrics not forwarded", "error", err)
				}
			}
		}
	}
}

// RunCycle performs one full poll and forward pass. It is safe to call
// while the tick loop runs; cycles never overlap.
func (f *Forwarder) RunCycle(ctx context.Context) CycleResult {
	f.cycleMu.Lock()
	defer f.cycleMu.Unlock()

	start := f.clock.Now()
	var res CycleResult

	if f.conn != nil && !f.conn.IsConnected() {
		res.Skipped = "disconnected"
		f.logger.Debug("skipping forward cycle, broker disconnected")
		return res
	}
	if f.backoff != nil {
		if wait := f.backoff.Backoff(); wait > 0 {
			res.Skipped = "publish backoff"
			f.logger.Debug("skipping forward cycle, publisher cooling down", "remaining", wait)
			return res
		}
	}

	records, fetchErrs := f.collect(ctx)
	res.Errors += fetchErrs
	res.Records = len(records)
	if len(records) == 0 {
		res.Duration = f.clock.Since(start)
		return res
	}

	topic := f.identity.Topics().Property
	for _, g := range GroupRecords(records, f.cfg.GroupByChannel) {
		batches := SplitBatches(g.Records, f.cfg.BatchSize)
		for i, batch := range batches {
			if err := f.publishBatch(topic, batch); err != nil {
				res.Errors++
				f.stats.IncErrors()
				f.logger.Error("failed to forward batch",
					"group", g.Key,
					"batch", i+1,
					"error", err)
				continue
			}
			res.Messages++
			f.logger.Debug("forwarded batch",
				"group", g.Key,
				"batch", i+1,
				"of", len(batches),
				"points", len(batch))
		}
	}

	end := f.clock.Now()
	res.Duration = end.Sub(start)
	if res.Messages > 0 {
		f.lastForward.Store(end.UnixNano())
	}

	f.stats.IncForwardCycles()
	f.stats.AddPointsForwarded(res.Records)
	f.metrics.ForwardCycleDone(res.Records, res.Duration, end)

	if f.history != nil {
		if err := f.history.WriteRecords(ctx, records, end); err != nil {
			f.logger.Warn("history write failed", "error", err)
		}
	}

	f.logger.Info("forward cycle complete",
		"records", res.Records,
		"messages", res.Messages,
		"errors", res.Errors,
		"duration", res.Duration)
	return res
}

// collect enumerates every pattern and materialises the matching keys.
// Failures are counted and logged per key.
func (f *Forwarder) collect(ctx context.Context) ([]Record, int) {
	var records []Record
	errs := 0
	seen := make(map[string]struct{})
	filtered := 0

	for _, pattern := range f.cfg.Patterns {
		keys, err := f.store.Keys(ctx, pattern)
		if err != nil {
			errs++
			f.logger.Warn("failed to list keys", "pattern", pattern, "error", err)
			continue
		}
		sort.Strings(keys)

		for _, key := range keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if f.cfg.Filters.Enabled && f.filter.Excluded(key) {
				filtered++
				continue
			}

			rec, ok, err := f.fetch(ctx, key)
			if err != nil {
				errs++
				f.logger.Warn("failed to read key", "key", key, "error", err)
				continue
			}
			if ok {
				records = append(records, rec)
			}
		}
	}

	f.logger.Debug("store polled",
		"records", len(records),
		"filtered", filtered,
		"errors", errs)
	return records, errs
}

// fetch reads one key according to its storage type. Empty values and
// unsupported types are skipped without error.
func (f *Forwarder) fetch(ctx context.Context, key string) (Record, bool, error) {
	typ, err := f.store.Type(ctx, key)
	if err != nil {
		return Record{}, false, err
	}

	source, device, dataType := ParseKey(key)
	rec := Record{Key: key, Type: typ, Source: source, Device: device, DataType: dataType}

	switch typ {
	case store.TypeString:
		v, err := f.store.Get(ctx, key)
		if errors.Is(err, store.ErrKeyNotFound) || (err == nil && v == "") {
			return rec, false, nil
		}
		if err != nil {
			return rec, false, err
		}
		rec.Value = DecodeScalar(v)
	case store.TypeHash:
		m, err := f.store.HGetAll(ctx, key)
		if err != nil {
			return rec, false, err
		}
		if len(m) == 0 {
			return rec, false, nil
		}
		rec.Value = NormalizeMap(m)
	case store.TypeList:
		l, err := f.store.LRange(ctx, key, 0, -1)
		if err != nil {
			return rec, false, err
		}
		if len(l) == 0 {
			return rec, false, nil
		}
		rec.Value = l
	case store.TypeSet:
		members, err := f.store.SMembers(ctx, key)
		if err != nil {
			return rec, false, err
		}
		if len(members) == 0 {
			return rec, false, nil
		}
		sort.Strings(members)
		rec.Value = members
	default:
		// key expired between SCAN and TYPE, or a type we do not report
		f.logger.Debug("skipping key", "key", key, "type", typ)
		return rec, false, nil
	}
	return rec, true, nil
}

func (f *Forwarder) publishBatch(topic string, batch []Record) error {
	report := Report{
		Timestamp: f.clock.Now().Unix(),
		Property:  make([]Property, 0, len(batch)),
	}
	for _, r := range batch {
		report.Property = append(report.Property, Property{
			Source:   r.Source,
			Device:   r.Device,
			DataType: r.DataType,
			Value:    r.Value,
		})
	}

	body, err := f.codec.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return f.publisher.Publish(topic, body, propertyQoS, false)
}

// ForwardSystemMetrics publishes one host metrics snapshot as a property
// report from the gateway itself.
func (f *Forwarder) ForwardSystemMetrics(ctx context.Context) error {
	if f.system == nil {
		return errors.New("no system collector configured")
	}
	if f.conn != nil && !f.conn.IsConnected() {
		return broker.ErrNotConnected
	}

	snapshot, err := f.system.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect system metrics: %w", err)
	}

	report := Report{
		Timestamp: f.clock.Now().Unix(),
		Property: []Property{{
			Source:   gatewaySource,
			Device:   f.identity.DeviceSN,
			DataType: systemType,
			Value:    snapshot,
		}},
	}
	body, err := f.codec.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode system report: %w", err)
	}
	if err := f.publisher.Publish(f.identity.Topics().Property, body, propertyQoS, false); err != nil {
		return err
	}
	f.logger.Debug("system metrics forwarded", "fields", len(snapshot))
	return nil
}
