// Package command answers the cloud's point read, point write and data call
// requests and relays local alarms to the cloud.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"mqtt-edge-gateway/internal/broker"
	"mqtt-edge-gateway/internal/codec"
	"mqtt-edge-gateway/internal/forward"
	"mqtt-edge-gateway/internal/identity"
	"mqtt-edge-gateway/internal/logger"
	"mqtt-edge-gateway/internal/metrics"
	"mqtt-edge-gateway/internal/stats"
	"mqtt-edge-gateway/internal/store"
)

// Error codes carried in failure replies.
const (
	ErrCodeValidation  = "validation_failed"
	ErrCodeJSONParse   = "json_parse_error"
	ErrCodeGeneral     = "general_error"
	ErrCodeNotFound    = "not_found"
	ErrCodeUnsupported = "unsupported_type"
)

const (
	resultSuccess = "success"
	resultFail    = "fail"

	unknownMsgID   = "unknown"
	replyQoS       = 1
	defaultTimeout = 5 * time.Second
	callTimeout    = 2 * time.Minute
)

// Request kinds, used as the metrics label.
const (
	KindRead     = "read"
	KindWrite    = "write"
	KindCallData = "call_data"
)

// CycleRunner runs one aggregation and forward cycle on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context) forward.CycleResult
}

// Reply is the common reply body. Read replies fill Property; failures fill
// Error and Message.
type Reply struct {
	Result    string             `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`
	Property  []forward.Property `json:"property,omitempty"`
	MsgID     string             `json:"msgId"`
}

// Failure is a request that must be answered with a typed failure reply.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

func fail(code, format string, args ...interface{}) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handlers serves the three request/reply protocols. Every request gets
// exactly one reply on the matching reply topic.
type Handlers struct {
	store   store.Store
	pub     broker.Publisher
	topics  identity.Topics
	runner  CycleRunner
	logger  *logger.Logger
	stats   *stats.StatsCollector
	metrics *metrics.Metrics
	clock   clockwork.Clock
	json    codec.JSON
	timeout time.Duration
	ctx     context.Context
}

type Option func(*Handlers)

func WithCycleRunner(r CycleRunner) Option {
	return func(h *Handlers) { h.runner = r }
}

func WithStats(s *stats.StatsCollector) Option {
	return func(h *Handlers) { h.stats = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handlers) { h.metrics = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(h *Handlers) { h.clock = c }
}

// WithTimeout bounds each store operation.
func WithTimeout(d time.Duration) Option {
	return func(h *Handlers) { h.timeout = d }
}

// WithContext sets the context store operations and data calls derive
// from. Cancelling it aborts work in progress.
func WithContext(ctx context.Context) Option {
	return func(h *Handlers) { h.ctx = ctx }
}

// NewHandlers creates the request handlers. Replies go to the reply topics
// in topics.
func NewHandlers(st store.Store, pub broker.Publisher, topics identity.Topics, log *logger.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		store:   st,
		pub:     pub,
		topics:  topics,
		logger:  log,
		clock:   clockwork.NewRealClock(),
		timeout: defaultTimeout,
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the request subscriptions.
func (h *Handlers) Routes() []broker.Route {
	return []broker.Route{
		{Pattern: h.topics.Read, QoS: replyQoS, Handler: h.HandleRead},
		{Pattern: h.topics.Write, QoS: replyQoS, Handler: h.HandleWrite},
		{Pattern: h.topics.CallData, QoS: replyQoS, Handler: h.HandleCallData},
	}
}

// Register adds the request routes to r.
func (h *Handlers) Register(r *broker.Router) error {
	return r.Subscribe(h.Routes()...)
}

func (h *Handlers) now() int64 {
	return h.clock.Now().Unix()
}

// exchange is one request in flight. It remembers the msgId once the body
// has been decoded and whether the single reply has gone out.
type exchange struct {
	kind    string
	topic   string
	msgID   string
	replied bool
}

func (h *Handlers) begin(kind, topic string) *exchange {
	h.stats.IncCommands()
	return &exchange{kind: kind, topic: topic, msgID: unknownMsgID}
}

func (h *Handlers) reply(x *exchange, r Reply) {
	x.replied = true
	r.MsgID = x.msgID
	body, err := h.json.Marshal(r)
	if err != nil {
		h.logger.Error("failed to encode reply", "kind", x.kind, "msgId", x.msgID, "error", err)
		return
	}
	if err := h.pub.Publish(x.topic, body, replyQoS, false); err != nil {
		h.logger.Error("failed to publish reply",
			"kind", x.kind,
			"topic", x.topic,
			"msgId", x.msgID,
			"error", err)
	}
}

func (h *Handlers) replyFailure(x *exchange, f *Failure) {
	h.stats.IncCommandErrors()
	h.metrics.IncCommandsTotal(x.kind, f.Code)
	h.logger.Warn("request failed",
		"kind", x.kind,
		"msgId", x.msgID,
		"error", f.Code,
		"message", f.Message)
	h.reply(x, Reply{
		Result:    resultFail,
		Error:     f.Code,
		Message:   f.Message,
		Timestamp: h.now(),
	})
}

// guard turns a handler panic into a general_error reply, unless the
// request was already answered.
func (h *Handlers) guard(x *exchange) {
	rec := recover()
	if rec == nil {
		return
	}
	if x.replied {
		h.logger.Error("request handler panicked after reply", "kind", x.kind, "msgId", x.msgID, "panic", rec)
		return
	}
	h.logger.Error("request handler panicked", "kind", x.kind, "msgId", x.msgID, "panic", rec)
	h.replyFailure(x, fail(ErrCodeGeneral, "error while processing request: %v", rec))
}

// pointRequest addresses one field of one store entry.
type pointRequest struct {
	Source   string
	Device   string
	DataType string
	Key      string
	Value    interface{}
	MsgID    string
}

// StoreKey is "source:device:dataType" with underscores in the device name
// replaced by spaces, the store's naming convention.
func (r pointRequest) StoreKey() string {
	return r.Source + ":" + strings.ReplaceAll(r.Device, "_", " ") + ":" + r.DataType
}

// decodeRequest parses a JSON object. The returned msgId is "unknown" until
// the body has been read far enough to find one.
func (h *Handlers) decodeRequest(payload []byte) (map[string]interface{}, string, *Failure) {
	var body map[string]interface{}
	if err := h.json.Unmarshal(payload, &body); err != nil || body == nil {
		return nil, unknownMsgID, fail(ErrCodeJSONParse, "request is not a valid JSON object")
	}
	msgID := unknownMsgID
	if v, ok := body["msgId"]; ok {
		msgID = stringify(v)
	}
	return body, msgID, nil
}

// parsePoint checks the required fields of a read or write request.
func parsePoint(body map[string]interface{}, withValue bool) (pointRequest, *Failure) {
	required := []string{"source", "device", "data_type", "key", "msgId"}
	if withValue {
		required = append(required, "value")
	}
	var missing []string
	for _, f := range required {
		if _, ok := body[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return pointRequest{}, fail(ErrCodeValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}

	req := pointRequest{
		Source:   stringify(body["source"]),
		Device:   stringify(body["device"]),
		DataType: stringify(body["data_type"]),
		Key:      stringify(body["key"]),
		Value:    body["value"],
		MsgID:    stringify(body["msgId"]),
	}
	if req.Source == "" || req.Device == "" || req.DataType == "" || req.Key == "" {
		return pointRequest{}, fail(ErrCodeValidation, "source, device, data_type and key must not be empty")
	}
	return req, nil
}

// stringify renders a decoded JSON value as the store's string form.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func (h *Handlers) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, h.timeout)
}
