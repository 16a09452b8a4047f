package nats

import (
	"github.com/nats-io/nats.go"
)

// AlarmSink receives each alarm body read from the local bus.
type AlarmSink interface {
	BroadcastRaw(body []byte) error
}

// Subscriber is the part of *nats.Conn the alarm subscription uses.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}
