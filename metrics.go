package broadcast

import "github.com/prometheus/client_golang/prometheus"

const namespace = "broadcast"

// Metrics holds Prometheus metrics for broadcast clients. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ConnectAttempts     prometheus.Counter
	ReconnectsScheduled prometheus.Counter
	Transitions         *prometheus.CounterVec
	EventsReceived      prometheus.Counter
	EventsDispatched    prometheus.Counter
	MalformedMessages   prometheus.Counter
	Emits               *prometheus.CounterVec
	Connected           prometheus.Gauge
}

// NewMetrics creates and registers client metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Total number of transport dial attempts.",
		}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect timers scheduled.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "state_transitions_total",
			Help:      "Total number of connection state transitions by target state.",
		}, []string{"state"}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_received_total",
			Help:      "Total number of events decoded from the transport.",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "handler_invocations_total",
			Help:      "Total number of channel handler invocations.",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "malformed_messages_total",
			Help:      "Total number of inbound frames dropped as malformed.",
		}),
		Emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "emits_total",
			Help:      "Total number of emitted payloads by outcome.",
		}, []string{"outcome"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connected",
			Help:      "Number of clients currently in the connected state.",
		}),
	}

	reg.MustRegister(
		m.ConnectAttempts,
		m.ReconnectsScheduled,
		m.Transitions,
		m.EventsReceived,
		m.EventsDispatched,
		m.MalformedMessages,
		m.Emits,
		m.Connected,
	)
	return m
}

func (m *Metrics) connectAttempt() {
	if m != nil {
		m.ConnectAttempts.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.ReconnectsScheduled.Inc()
	}
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to.String()).Inc()
	if to == StateConnected {
		m.Connected.Inc()
	} else if from == StateConnected {
		m.Connected.Dec()
	}
}

func (m *Metrics) received(invoked int) {
	if m != nil {
		m.EventsReceived.Inc()
		m.EventsDispatched.Add(float64(invoked))
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.MalformedMessages.Inc()
	}
}

func (m *Metrics) emit(outcome string) {
	if m != nil {
		m.Emits.WithLabelValues(outcome).Inc()
	}
}
