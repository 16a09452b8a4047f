package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"mqtt-edge-gateway/internal/broker"
)

// Health is the aggregate view served on /health.
type Health struct {
	Healthy          bool       `json:"healthy"`
	StoreConnected   bool       `json:"store_connected"`
	BrokerConnected  bool       `json:"broker_connected"`
	ForwarderRunning bool       `json:"forwarder_running"`
	QueueSize        int        `json:"queue_size"`
	LastForward      *time.Time `json:"last_forward,omitempty"`
}

// Status is the detailed view served on /status.
type Status struct {
	Health   Health                 `json:"health"`
	Broker   broker.BrokerStats     `json:"broker"`
	Device   map[string]interface{} `json:"device"`
	Counters map[string]interface{} `json:"counters"`
	NATS     map[string]interface{} `json:"nats,omitempty"`
	History  bool                   `json:"history_enabled"`
}

// Health checks the store and reports the component flags.
func (s *Service) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	h := Health{
		StoreConnected:   s.store.Ping(ctx) == nil,
		BrokerConnected:  s.conn.IsConnected(),
		ForwarderRunning: s.forwarder.Running(),
		QueueSize:        s.publisher.QueueSize(),
	}
	if last := s.forwarder.LastForward(); !last.IsZero() {
		h.LastForward = &last
	}
	h.Healthy = h.StoreConnected && h.BrokerConnected && h.ForwarderRunning
	return h
}

// Status adds retry counters, network tier and identity to Health.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Health:   s.Health(ctx),
		Broker:   s.conn.Stats(),
		Device:   s.identity.Info(),
		Counters: s.stats.GetStats(),
		History:  s.history != nil,
	}
	st.Broker.QueueSize = s.publisher.QueueSize()
	st.Broker.PublishFailures = s.publisher.Failures()
	if s.ingest != nil {
		st.NATS = s.ingest.Stats()
	}
	return st
}

// RegisterHandlers adds /health and /status to mux.
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Health(r.Context())
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status(r.Context()))
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
