package broker

import (
	"fmt"
	"strings"
	"sync"

	"mqtt-edge-gateway/internal/logger"
)

// Handler processes one inbound message.
type Handler func(topic string, payload []byte)

// Route binds a topic filter to its handler.
type Route struct {
	Pattern string
	QoS     byte
	Handler Handler
}

// Router dispatches inbound messages to the first registered route whose
// pattern matches the topic.
type Router struct {
	routes []Route
	exact  map[string]int // pattern -> index into routes
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewRouter creates an empty router
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		exact:  make(map[string]int),
		logger: log,
	}
}

// Subscribe registers routes in order. Registering a pattern that already
// exists replaces its handler and keeps its position.
func (r *Router) Subscribe(routes ...Route) error {
	for _, rt := range routes {
		if err := validateTopicFilter(rt.Pattern); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidTopic, rt.Pattern, err)
		}
		if rt.Handler == nil {
			return fmt.Errorf("route %q has no handler", rt.Pattern)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rt := range routes {
		if i, ok := r.exact[rt.Pattern]; ok {
			r.routes[i] = rt
			continue
		}
		r.exact[rt.Pattern] = len(r.routes)
		r.routes = append(r.routes, rt)
	}
	return nil
}

// Unsubscribe removes the route registered for pattern.
func (r *Router) Unsubscribe(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.exact[pattern]
	if !ok {
		return
	}
	r.routes = append(r.routes[:i], r.routes[i+1:]...)
	r.exact = make(map[string]int, len(r.routes))
	for idx, rt := range r.routes {
		r.exact[rt.Pattern] = idx
	}
}

// Routes returns a copy of the registered routes in registration order.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Match returns the first route matching topic.
func (r *Router) Match(topic string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i, ok := r.exact[topic]; ok {
		return r.routes[i], true
	}
	for _, rt := range r.routes {
		if MatchTopic(rt.Pattern, topic) {
			return rt, true
		}
	}
	return Route{}, false
}

// OnMessage dispatches a message and reports whether a route handled it.
// A panicking handler is logged and does not propagate.
func (r *Router) OnMessage(topic string, payload []byte) (handled bool) {
	rt, ok := r.Match(topic)
	if !ok {
		r.logger.Debug("no route for message", "topic", topic)
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked",
				"topic", topic,
				"pattern", rt.Pattern,
				"panic", rec)
		}
	}()

	rt.Handler(topic, payload)
	return true
}

// MatchTopic reports whether topic matches the filter pattern. "+" matches
// exactly one level; "#" must be the last level and matches one or more.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, seg := range p {
		if seg == "#" {
			return i == len(p)-1 && len(t) > i
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}

	return len(p) == len(t)
}

// validateTopicFilter validates a subscription topic filter
func validateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("+ wildcard must occupy entire segment")
		}
	}

	return nil
}

// ValidateTopicName validates a publish topic name
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in topic names", ErrInvalidTopic)
	}
	return nil
}
