package mqtt

import (
	"errors"
	"io"
	"net"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"mqtt-edge-gateway/internal/broker"
)

// Disconnect reason codes. 1-5 follow the MQTT 3.1.1 CONNACK return codes.
const (
	ReasonNone              = 0
	ReasonBadProtocol       = 1
	ReasonIDRejected        = 2
	ReasonServerUnavailable = 3
	ReasonBadCredentials    = 4
	ReasonNotAuthorized     = 5
	ReasonConnectionLost    = 7
	ReasonUnknown           = 16
)

// DisconnectClass separates authentication/protocol failures from plain
// network loss.
type DisconnectClass string

const (
	ClassNone    DisconnectClass = "none"
	ClassSerious DisconnectClass = "serious"
	ClassNetwork DisconnectClass = "network"
)

var connackReasons = []struct {
	err  error
	code int
}{
	{packets.ErrorRefusedBadProtocolVersion, ReasonBadProtocol},
	{packets.ErrorProtocolViolation, ReasonBadProtocol},
	{packets.ErrorRefusedIDRejected, ReasonIDRejected},
	{packets.ErrorRefusedServerUnavailable, ReasonServerUnavailable},
	{packets.ErrorRefusedBadUsernameOrPassword, ReasonBadCredentials},
	{packets.ErrorRefusedNotAuthorised, ReasonNotAuthorized},
	{packets.ErrorNetworkError, ReasonConnectionLost},
}

// ReasonCode maps a connect or connection-lost error to a reason code.
func ReasonCode(err error) int {
	if err == nil {
		return ReasonNone
	}
	for _, r := range connackReasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	if isNetworkError(err) {
		return ReasonConnectionLost
	}
	return ReasonUnknown
}

// Classifier decides which reason codes are serious.
type Classifier struct {
	serious map[int]struct{}
}

// NewClassifier builds a classifier from the configured serious codes.
func NewClassifier(codes []int) Classifier {
	c := Classifier{serious: make(map[int]struct{}, len(codes))}
	for _, code := range codes {
		c.serious[code] = struct{}{}
	}
	return c
}

func (c Classifier) Classify(code int) DisconnectClass {
	if code == ReasonNone {
		return ClassNone
	}
	if _, ok := c.serious[code]; ok {
		return ClassSerious
	}
	return ClassNetwork
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "pingresp not received") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// IsConnectionError reports whether a publish failure means the session is
// gone (no connection, connection lost, unknown publish context).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mqtt.ErrNotConnected) || errors.Is(err, broker.ErrNotConnected) {
		return true
	}
	if isNetworkError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "not found")
}
