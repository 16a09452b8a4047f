package mqtt

import (
	"context"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"mqtt-edge-gateway/internal/broker"
)

// ClientFactory builds a paho client from options. Tests substitute a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Prober checks that address accepts TCP connections before a reconnect
// attempt is made.
type Prober func(ctx context.Context, address string) error

// Transport is the part of the connection manager the publisher needs.
type Transport interface {
	IsConnected() bool
	Transmit(msg broker.OutboundMessage) (mqtt.Token, error)
	ForceReconnect(reason string)
}

const probeTimeout = 5 * time.Second

// TCPProbe dials address and closes the connection immediately.
func TCPProbe(ctx context.Context, address string) error {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ClientSource exposes the current paho client.
type ClientSource interface {
	Client() mqtt.Client
}
