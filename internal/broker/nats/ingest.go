// Package nats relays alarms published on the local NATS bus to the cloud.
package nats

import (
	"fmt"
	"sync"

	"mqtt-edge-gateway/config"
	"mqtt-edge-gateway/internal/logger"
)

// AlarmIngest connects to the local bus and forwards alarms to a sink.
type AlarmIngest struct {
	conn   *Connection
	sub    *AlarmSubscription
	logger *logger.Logger

	mu      sync.Mutex
	started bool
}

func NewAlarmIngest(cfg config.NATSConfig, sink AlarmSink, log *logger.Logger) *AlarmIngest {
	log = log.Named("nats")
	return &AlarmIngest{
		conn:   NewConnection(cfg, log),
		sub:    NewAlarmSubscription(cfg.AlarmSubject, sink, log),
		logger: log,
	}
}

// Start connects and subscribes to the alarm subject.
func (a *AlarmIngest) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}
	if err := a.conn.Connect(); err != nil {
		return err
	}
	if err := a.sub.Subscribe(a.conn.Conn()); err != nil {
		a.conn.Disconnect()
		return fmt.Errorf("alarm ingest: %w", err)
	}
	a.started = true
	return nil
}

// Stop unsubscribes and closes the connection.
func (a *AlarmIngest) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return
	}
	a.sub.Unsubscribe()
	a.conn.Disconnect()
	a.started = false

	received, rejected := a.sub.Counts()
	a.logger.Info("alarm ingest stopped", "received", received, "rejected", rejected)
}

func (a *AlarmIngest) IsConnected() bool {
	return a.conn.IsConnected()
}

// Stats describes the ingest for the status endpoint.
func (a *AlarmIngest) Stats() map[string]interface{} {
	received, rejected := a.sub.Counts()
	return map[string]interface{}{
		"connected": a.conn.IsConnected(),
		"subject":   a.sub.Subject(),
		"received":  received,
		"rejected":  rejected,
	}
}
