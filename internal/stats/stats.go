package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector manages gateway-wide counters and gauges. All methods are
// safe for concurrent use and tolerate a nil receiver.
type StatsCollector struct {
	StartTime time.Time

	MessagesPublished atomic.Uint64
	MessagesQueued    atomic.Uint64
	PublishFailures   atomic.Uint64
	PointsForwarded   atomic.Uint64
	ForwardCycles     atomic.Uint64
	Disconnects       atomic.Uint64
	Reconnects        atomic.Uint64
	CommandsReceived  atomic.Uint64
	CommandErrors     atomic.Uint64
	AlarmsBroadcast   atomic.Uint64
	HistoryWrites     atomic.Uint64
	Errors            atomic.Uint64

	connected              atomic.Bool
	queueSize              atomic.Int64
	consecutiveDisconnects atomic.Int64
	networkQuality         atomic.Value // string
	lastUpdate             atomic.Int64 // unix nanos
}

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	Uptime                 time.Duration
	MessagesPublished      uint64
	MessagesQueued         uint64
	PublishFailures        uint64
	PointsForwarded        uint64
	ForwardCycles          uint64
	Disconnects            uint64
	Reconnects             uint64
	CommandsReceived       uint64
	CommandErrors          uint64
	AlarmsBroadcast        uint64
	HistoryWrites          uint64
	Errors                 uint64
	Connected              bool
	QueueSize              int64
	ConsecutiveDisconnects int64
	NetworkQuality         string
	LastUpdate             time.Time
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	s := &StatsCollector{StartTime: time.Now()}
	s.networkQuality.Store("excellent")
	s.touch()
	return s
}

func (s *StatsCollector) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
}

func (s *StatsCollector) add(c *atomic.Uint64, n uint64) {
	if s == nil {
		return
	}
	c.Add(n)
	s.touch()
}

func (s *StatsCollector) IncPublished() {
	if s != nil {
		s.add(&s.MessagesPublished, 1)
	}
}

func (s *StatsCollector) IncQueued() {
	if s != nil {
		s.add(&s.MessagesQueued, 1)
	}
}

func (s *StatsCollector) IncPublishFailures() {
	if s != nil {
		s.add(&s.PublishFailures, 1)
	}
}

func (s *StatsCollector) AddPointsForwarded(n int) {
	if s != nil && n > 0 {
		s.add(&s.PointsForwarded, uint64(n))
	}
}

func (s *StatsCollector) IncForwardCycles() {
	if s != nil {
		s.add(&s.ForwardCycles, 1)
	}
}

func (s *StatsCollector) IncDisconnects() {
	if s != nil {
		s.add(&s.Disconnects, 1)
	}
}

func (s *StatsCollector) IncReconnects() {
	if s != nil {
		s.add(&s.Reconnects, 1)
	}
}

func (s *StatsCollector) IncCommands() {
	if s != nil {
		s.add(&s.CommandsReceived, 1)
	}
}

func (s *StatsCollector) IncCommandErrors() {
	if s != nil {
		s.add(&s.CommandErrors, 1)
	}
}

func (s *StatsCollector) IncAlarms() {
	if s != nil {
		s.add(&s.AlarmsBroadcast, 1)
	}
}

func (s *StatsCollector) AddHistoryWrites(n int) {
	if s != nil && n > 0 {
		s.add(&s.HistoryWrites, uint64(n))
	}
}

func (s *StatsCollector) IncErrors() {
	if s != nil {
		s.add(&s.Errors, 1)
	}
}

// SetConnected records the current cloud session state.
func (s *StatsCollector) SetConnected(v bool) {
	if s == nil {
		return
	}
	s.connected.Store(v)
	s.touch()
}

// SetQueueSize records the rate-limited publisher backlog.
func (s *StatsCollector) SetQueueSize(n int) {
	if s == nil {
		return
	}
	s.queueSize.Store(int64(n))
}

// SetNetworkQuality records the current disconnect streak and its tier.
func (s *StatsCollector) SetNetworkQuality(consecutive int, tier string) {
	if s == nil {
		return
	}
	s.consecutiveDisconnects.Store(int64(consecutive))
	s.networkQuality.Store(tier)
	s.touch()
}

// Snapshot returns a copy of the current values.
func (s *StatsCollector) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	quality, _ := s.networkQuality.Load().(string)
	return Snapshot{
		Uptime:                 time.Since(s.StartTime),
		MessagesPublished:      s.MessagesPublished.Load(),
		MessagesQueued:         s.MessagesQueued.Load(),
		PublishFailures:        s.PublishFailures.Load(),
		PointsForwarded:        s.PointsForwarded.Load(),
		ForwardCycles:          s.ForwardCycles.Load(),
		Disconnects:            s.Disconnects.Load(),
		Reconnects:             s.Reconnects.Load(),
		CommandsReceived:       s.CommandsReceived.Load(),
		CommandErrors:          s.CommandErrors.Load(),
		AlarmsBroadcast:        s.AlarmsBroadcast.Load(),
		HistoryWrites:          s.HistoryWrites.Load(),
		Errors:                 s.Errors.Load(),
		Connected:              s.connected.Load(),
		QueueSize:              s.queueSize.Load(),
		ConsecutiveDisconnects: s.consecutiveDisconnects.Load(),
		NetworkQuality:         quality,
		LastUpdate:             time.Unix(0, s.lastUpdate.Load()),
	}
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	snap := s.Snapshot()
	return map[string]interface{}{
		"uptime":                  snap.Uptime.String(),
		"connected":               snap.Connected,
		"messages_published":      snap.MessagesPublished,
		"messages_queued":         snap.MessagesQueued,
		"publish_failures":        snap.PublishFailures,
		"points_forwarded":        snap.PointsForwarded,
		"forward_cycles":          snap.ForwardCycles,
		"disconnects":             snap.Disconnects,
		"reconnects":              snap.Reconnects,
		"commands_received":       snap.CommandsReceived,
		"command_errors":          snap.CommandErrors,
		"alarms_broadcast":        snap.AlarmsBroadcast,
		"history_writes":          snap.HistoryWrites,
		"errors":                  snap.Errors,
		"queue_size":              snap.QueueSize,
		"consecutive_disconnects": snap.ConsecutiveDisconnects,
		"network_quality":         snap.NetworkQuality,
		"last_update":             snap.LastUpdate,
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns published messages per second since start.
func (s *StatsCollector) CalculateRate() float64 {
	if s == nil {
		return 0
	}
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(s.MessagesPublished.Load()) / uptime
}
