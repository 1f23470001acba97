// Package metrics exports Prometheus metrics for sessions, reconnection managers and registries.
package metrics

import (
	"fmt"

	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/reconnect"
	"github.com/MegaGrindStone/go-mcp-client/registry"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "mcp_client"

// Config contains metrics configuration.
type Config struct {
	// Namespace is the prometheus namespace for all metrics. Default: "mcp_client".
	Namespace string
	// ConstLabels are added to every metric.
	ConstLabels map[string]string
	// Registerer receives the collectors. Default: prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Metrics holds the collectors.
type Metrics struct {
	transitions        *prometheus.CounterVec
	sessions           *prometheus.GaugeVec
	errors             *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	reconnectFailures  *prometheus.CounterVec
	reconnectExhausted *prometheus.CounterVec
}

// New creates and registers the collectors.
func New(cfg Config) (*Metrics, error) {
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	constLabels := prometheus.Labels(cfg.ConstLabels)

	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "transitions_total",
			Help:        "Number of session state transitions by target state.",
			ConstLabels: constLabels,
		}, []string{"to"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "sessions",
			Help:        "Number of observed sessions by state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "errors_total",
			Help:        "Number of session errors by operation.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "reconnect",
			Name:        "attempts_total",
			Help:        "Number of reconnection attempts.",
			ConstLabels: constLabels,
		}, []string{"session"}),
		reconnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "reconnect",
			Name:        "failures_total",
			Help:        "Number of failed reconnection attempts.",
			ConstLabels: constLabels,
		}, []string{"session"}),
		reconnectExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "reconnect",
			Name:        "exhausted_total",
			Help:        "Number of times a session ran out of reconnection attempts.",
			ConstLabels: constLabels,
		}, []string{"session"}),
	}

	for _, c := range []prometheus.Collector{
		m.transitions,
		m.sessions,
		m.errors,
		m.reconnectAttempts,
		m.reconnectFailures,
		m.reconnectExhausted,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveSession records the transitions and errors of s until the returned stop is called or s
// is disposed.
func (m *Metrics) ObserveSession(s *connection.Session) (stop func()) {
	m.sessions.WithLabelValues(s.State().String()).Inc()

	states := s.SubscribeStates(func(ev connection.StateEvent) {
		m.transitions.WithLabelValues(ev.To.String()).Inc()
		m.sessions.WithLabelValues(ev.From.String()).Dec()
		m.sessions.WithLabelValues(ev.To.String()).Inc()
	})
	errs := s.SubscribeErrors(func(ev connection.ErrorEvent) {
		m.errors.WithLabelValues(ev.Op).Inc()
	})
	return func() {
		states.Cancel()
		errs.Cancel()
	}
}

// ObserveReconnect records the attempts of rm until the returned stop is called or rm is
// disposed.
func (m *Metrics) ObserveReconnect(rm *reconnect.Manager) (stop func()) {
	sub := rm.Subscribe(func(ev reconnect.Event) {
		switch ev.Kind {
		case reconnect.EventAttempt:
			m.reconnectAttempts.WithLabelValues(ev.SessionID).Inc()
		case reconnect.EventFailed:
			m.reconnectFailures.WithLabelValues(ev.SessionID).Inc()
		case reconnect.EventExhausted:
			m.reconnectExhausted.WithLabelValues(ev.SessionID).Inc()
		case reconnect.EventScheduled, reconnect.EventCancelled:
		}
	})
	return sub.Cancel
}

// ObserveRegistry observes every session registered in reg from now on, with its
// reconnection manager.
func (m *Metrics) ObserveRegistry(reg *registry.Registry) (stop func()) {
	sub := reg.SubscribeRegistrations(func(ev registry.Registration) {
		if rm, ok := reg.Reconnector(ev.ID); ok {
			m.ObserveReconnect(rm)
		}
		if s, ok := reg.Get(ev.ID); ok {
			m.ObserveSession(s)
		}
	})
	return sub.Cancel
}
