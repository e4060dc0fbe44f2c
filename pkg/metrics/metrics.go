// Package metrics exposes the widget chat client and the reference backend as prometheus metrics.
// Collectors are registered on an explicit registerer; nothing is registered globally.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

const namespace = "widgetchat"

var allStates = []widgetchat.State{
	widgetchat.StateDisconnected,
	widgetchat.StateConnecting,
	widgetchat.StateConnectedUnjoined,
	widgetchat.StateJoined,
	widgetchat.StateEnded,
}

// Diagnostics implements widgetchat.Diagnostics on top of prometheus collectors.
type Diagnostics struct {
	State           *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	EventsReceived  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsSent      *prometheus.CounterVec
	ConnectFailures *prometheus.CounterVec
}

var _ widgetchat.Diagnostics = &Diagnostics{}

func NewDiagnostics(reg prometheus.Registerer) (*Diagnostics, error) {
	d := &Diagnostics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "state",
			Help:      "Current session state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_received_total",
			Help:      "Inbound events handled by the session",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped as stale, duplicate or invalid",
		}, []string{"event", "reason"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_sent_total",
			Help:      "Outbound events written to the transport",
		}, []string{"event"}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_failures_total",
			Help:      "Failed connection handshakes by classification",
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{d.State, d.Transitions, d.EventsReceived, d.EventsDropped, d.EventsSent, d.ConnectFailures} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrap(err, "register client metrics")
			}
		}
	}
	for _, s := range allStates {
		d.State.WithLabelValues(string(s)).Set(0)
	}
	d.State.WithLabelValues(string(widgetchat.StateDisconnected)).Set(1)
	return d, nil
}

func (d *Diagnostics) StateChanged(from, to widgetchat.State) {
	d.State.WithLabelValues(string(from)).Set(0)
	d.State.WithLabelValues(string(to)).Set(1)
	d.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (d *Diagnostics) EventReceived(name widgetchat.EventName) {
	d.EventsReceived.WithLabelValues(string(name)).Inc()
}

func (d *Diagnostics) EventDropped(name widgetchat.EventName, reason string) {
	d.EventsDropped.WithLabelValues(string(name), reason).Inc()
}

func (d *Diagnostics) EventSent(name widgetchat.EventName) {
	d.EventsSent.WithLabelValues(string(name)).Inc()
}

func (d *Diagnostics) ConnectFailed(kind widgetchat.ErrorKind) {
	d.ConnectFailures.WithLabelValues(string(kind)).Inc()
}

// Backend holds the reference backend's collectors.
type Backend struct {
	Connections   prometheus.Gauge
	Conversations prometheus.Gauge
	Handshakes    *prometheus.CounterVec
	Frames        *prometheus.CounterVec
	SlowDrops     prometheus.Counter
}

func NewBackend(reg prometheus.Registerer) (*Backend, error) {
	b := &Backend{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		Conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "conversations",
			Help:      "Live conversations",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by result",
		}, []string{"result"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "frames_total",
			Help:      "Frames by direction and event",
		}, []string{"direction", "event"}),
		SlowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "slow_consumer_drops_total",
			Help:      "Connections dropped because their send buffer was full",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{b.Connections, b.Conversations, b.Handshakes, b.Frames, b.SlowDrops} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrap(err, "register backend metrics")
			}
		}
	}
	return b, nil
}

// Totals sums the samples of every gathered counter and gauge family, keyed by family name.
func Totals(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		out[mf.GetName()] = sum
	}
	return out, nil
}
