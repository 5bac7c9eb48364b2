// Package metrics holds the prometheus collectors of the call client and the room relay.
// All methods are safe on a nil receiver so metrics stay optional.
package metrics

import (
	"strconv"

	"github.com/dkeye/voicecall/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicecall"

type Call struct {
	transitions *prometheus.CounterVec
	joins       *prometheus.CounterVec
	negotiation *prometheus.CounterVec
}

func NewCall(reg prometheus.Registerer) *Call {
	m := &Call{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "session state transitions by target state",
		}, []string{"state"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "joins_total",
			Help:      "join attempts by outcome",
		}, []string{"result"}),
		negotiation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "negotiation_failures_total",
			Help:      "offer/answer/candidate failures by step",
		}, []string{"step"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.joins, m.negotiation)
	}
	return m
}

func (m *Call) Transition(s domain.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Call) JoinResult(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Call) NegotiationFailed(step string) {
	if m == nil {
		return
	}
	m.negotiation.WithLabelValues(step).Inc()
}

type Relay struct {
	connections prometheus.Gauge
	joins       *prometheus.CounterVec
	messages    prometheus.Counter
	dropped     prometheus.Counter
}

// NewRelay registers relay collectors; rooms reports the live room count.
func NewRelay(reg prometheus.Registerer, rooms func() float64) *Relay {
	m := &Relay{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "open signaling websocket connections",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "joins_total",
			Help:      "join requests by acknowledgment code",
		}, []string{"code"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "signaling messages fanned out",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "frames dropped on backpressure",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.joins, m.messages, m.dropped)
		if rooms != nil {
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "rooms",
				Help:      "rooms with at least one member",
			}, rooms))
		}
	}
	return m
}

func (m *Relay) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Relay) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Relay) Join(code int) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Relay) Message() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Relay) Dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.Add(float64(n))
}
