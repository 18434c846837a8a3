// Package metrics exposes Prometheus collectors for the session layer.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tablelink"

// Metrics groups the session layer collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	framesMalformed   prometheus.Counter
	framesDispatched  *prometheus.CounterVec
	framesUnhandled   *prometheus.CounterVec
	handlerPanics     *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	reconnectTerminal *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	sendFailures      *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates the collectors and registers them on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_malformed_total",
			Help:      "Inbound frames dropped because they could not be parsed.",
		}),
		framesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_dispatched_total",
			Help:      "Inbound envelopes delivered to subscribers, by type.",
		}, []string{"type"}),
		framesUnhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_unhandled_total",
			Help:      "Inbound envelopes with no subscriber, by type.",
		}, []string{"type"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_panics_total",
			Help:      "Subscriber handlers that panicked, by type.",
		}, []string{"type"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Reconnection attempts scheduled.",
		}),
		reconnectTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "terminal_total",
			Help:      "Reconnection streaks that ended without success, by reason.",
		}, []string{"reason"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "timeouts_total",
			Help:      "Connections force-closed because the peer stopped answering probes.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "send_failures_total",
			Help:      "Outbound envelopes rejected, by type.",
		}, []string{"type"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.framesMalformed,
		m.framesDispatched,
		m.framesUnhandled,
		m.handlerPanics,
		m.reconnectAttempts,
		m.reconnectTerminal,
		m.heartbeatTimeouts,
		m.sendFailures,
		m.connectionState,
	)

	return m
}

// Handler returns the Prometheus exposition handler for these collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.framesMalformed.Inc()
}

func (m *Metrics) FrameDispatched(msgType string) {
	if m == nil {
		return
	}
	m.framesDispatched.WithLabelValues(msgType).Inc()
}

func (m *Metrics) FrameUnhandled(msgType string) {
	if m == nil {
		return
	}
	m.framesUnhandled.WithLabelValues(msgType).Inc()
}

func (m *Metrics) HandlerPanic(msgType string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) ReconnectTerminal(reason string) {
	if m == nil {
		return
	}
	m.reconnectTerminal.WithLabelValues(reason).Inc()
}

func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *Metrics) SendFailure(msgType string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(msgType).Inc()
}

// SetState marks state as the current connection state among all states.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// MalformedFramesCounter exposes the malformed frame counter for inspection.
func (m *Metrics) MalformedFramesCounter() prometheus.Counter {
	return m.framesMalformed
}

// ReconnectAttemptsCounter exposes the reconnect attempt counter for inspection.
func (m *Metrics) ReconnectAttemptsCounter() prometheus.Counter {
	return m.reconnectAttempts
}

// HeartbeatTimeoutsCounter exposes the heartbeat timeout counter for inspection.
func (m *Metrics) HeartbeatTimeoutsCounter() prometheus.Counter {
	return m.heartbeatTimeouts
}

// TerminalCounter exposes the terminal outcome counter for reason.
func (m *Metrics) TerminalCounter(reason string) prometheus.Counter {
	return m.reconnectTerminal.WithLabelValues(reason)
}
