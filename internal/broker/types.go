// Package broker holds the types shared by the cloud bridge and the topic
// router that dispatches inbound messages.
package broker

import (
	"errors"
	"time"
)

var (
	ErrNotConnected     = errors.New("broker not connected")
	ErrPublisherStopped = errors.New("publisher stopped")
	ErrInvalidTopic     = errors.New("invalid topic")
)

// ConnectionState is the state of the cloud session.
type ConnectionState int32

const (
	// StateDisconnected indicates no session and no attempt in progress
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connect call is waiting for the broker
	StateConnecting
	// StateConnected indicates an established session; the only state in
	// which publishing is attempted
	StateConnected
	// StateReconnecting indicates the reconnect worker owns the session
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OutboundMessage is owned by the publisher from enqueue until it is
// transmitted or dropped.
type OutboundMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Enqueued time.Time
}

// Publisher accepts outbound messages without blocking. A nil error means
// the message was either transmitted or queued.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// BrokerStats describes the cloud session for the status endpoint.
type BrokerStats struct {
	State                  ConnectionState `json:"state"`
	Broker                 string          `json:"broker"`
	ClientID               string          `json:"client_id"`
	ConnectedSince         time.Time       `json:"connected_since"`
	LastDisconnect         time.Time       `json:"last_disconnect"`
	ConsecutiveDisconnects int             `json:"consecutive_disconnects"`
	ReconnectAttempts      int             `json:"reconnect_attempts"`
	NetworkQuality         string          `json:"network_quality"`
	ReconnectRunning       bool            `json:"reconnect_running"`
	QueueSize              int             `json:"queue_size"`
	PublishFailures        int             `json:"publish_failures"`
}
