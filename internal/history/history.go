// Package history keeps a time series copy of forwarded telemetry in
// InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/forward"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/stats"
)

var (
	ErrDisabled         = errors.New("influxdb history is disabled")
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

const (
	connectTimeout        = 10 * time.Second
	millisecondsPerSecond = 1000
	scalarField           = "value"
)

// PointWriter is the part of the InfluxDB write API the sink uses.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes numeric values of forwarded records as points. Writes are
// batched and non-blocking.
type Sink struct {
	client      influxdb2.Client
	writer      PointWriter
	measurement string
	logger      *logger.Logger
	stats       *stats.StatsCollector
}

// Connect creates the client, checks the server with a ping and sets up the
// batching write API.
func Connect(cfg config.InfluxDBConfig, log *logger.Logger, st *stats.StatsCollector) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := NewSink(writeAPI, cfg.Measurement, log, st)
	s.client = client
	go s.handleWriteErrors(writeAPI)

	log.Info("influxdb history enabled",
		"url", cfg.URL,
		"bucket", cfg.Bucket,
		"measurement", cfg.Measurement)
	return s, nil
}

// NewSink wraps an existing writer.
func NewSink(w PointWriter, measurement string, log *logger.Logger, st *stats.StatsCollector) *Sink {
	return &Sink{
		writer:      w,
		measurement: measurement,
		logger:      log,
		stats:       st,
	}
}

func (s *Sink) handleWriteErrors(w api.WriteAPI) {
	for err := range w.Errors() {
		s.logger.Warn("influxdb write failed", "error", err)
	}
}

// WriteRecords converts records into points and queues them.
func (s *Sink) WriteRecords(_ context.Context, records []forward.Record, at time.Time) error {
	points := Points(s.measurement, records, at)
	for _, p := range points {
		s.writer.WritePoint(p)
	}
	s.stats.AddHistoryWrites(len(points))
	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// Points builds one point per record holding at least one numeric value.
// Maps contribute their numeric entries as fields; a numeric scalar becomes
// the "value" field.
func Points(measurement string, records []forward.Record, at time.Time) []*write.Point {
	var points []*write.Point
	for _, r := range records {
		fields := numericFields(r.Value)
		if len(fields) == 0 {
			continue
		}
		tags := map[string]string{
			"source":    r.Source,
			"device":    r.Device,
			"data_type": r.DataType,
		}
		points = append(points, write.NewPoint(measurement, tags, fields, at))
	}
	return points
}

func numericFields(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		fields := make(map[string]interface{})
		for k, e := range t {
			if n, ok := asNumber(e); ok {
				fields[k] = n
			}
		}
		return fields
	default:
		if n, ok := asNumber(v); ok {
			return map[string]interface{}{scalarField: n}
		}
		return nil
	}
}

func asNumber(v interface{}) (interface{}, bool) {
	switch n := v.(type) {
	case int64, float64:
		return n, true
	case int:
		return int64(n), true
	default:
		return nil, false
	}
}
