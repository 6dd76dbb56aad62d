package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects gateway runtime metrics.
//
// Tracked concerns:
//   - connected clients by role, for capacity planning
//   - handshake outcomes, including rate-limited rejections
//   - broadcast volume and slow-consumer enforcement
//   - chat run lifecycle and node invocation latency
type Metrics struct {
	// ConnectedClients gauges live authenticated connections.
	// Labels: role (operator|node)
	ConnectedClients *prometheus.GaugeVec

	// HandshakeCounter counts handshake outcomes.
	// Labels: outcome (ok|unauthorized|rate_limited|timeout)
	HandshakeCounter *prometheus.CounterVec

	// AuthFailures counts authentication failures.
	// Labels: scope (operator|node)
	AuthFailures *prometheus.CounterVec

	// BroadcastCounter counts broadcast frames offered to connections.
	// Labels: event_class (chat|presence|node|other)
	BroadcastCounter *prometheus.CounterVec

	// SlowConsumerCounter counts backpressure enforcement actions.
	// Labels: action (dropped|closed)
	SlowConsumerCounter *prometheus.CounterVec

	// ActiveRuns gauges chat runs that are queued or streaming.
	ActiveRuns prometheus.Gauge

	// RunOutcomes counts terminal chat run states.
	// Labels: state (done|error|aborted|timeout)
	RunOutcomes *prometheus.CounterVec

	// NodeInvokeCounter counts node invocations.
	// Labels: outcome (ok|timeout|disconnected|error)
	NodeInvokeCounter *prometheus.CounterVec

	// NodeInvokeDuration measures node invocation latency in seconds.
	// Buckets: 0.01s .. 60s
	NodeInvokeDuration prometheus.Histogram
}

// NewMetrics creates and registers gateway metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use
// a private registry to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		ConnectedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wiregate_connected_clients",
			Help: "Live authenticated connections by role.",
		}, []string{"role"}),
		HandshakeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_handshakes_total",
			Help: "Handshake outcomes.",
		}, []string{"outcome"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_auth_failures_total",
			Help: "Authentication failures by scope.",
		}, []string{"scope"}),
		BroadcastCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_broadcast_frames_total",
			Help: "Broadcast frames offered to connections.",
		}, []string{"event_class"}),
		SlowConsumerCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_slow_consumer_actions_total",
			Help: "Backpressure enforcement actions.",
		}, []string{"action"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wiregate_active_chat_runs",
			Help: "Chat runs currently queued or streaming.",
		}),
		RunOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_chat_run_outcomes_total",
			Help: "Terminal chat run states.",
		}, []string{"state"}),
		NodeInvokeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_node_invocations_total",
			Help: "Node invocation outcomes.",
		}, []string{"outcome"}),
		NodeInvokeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wiregate_node_invocation_seconds",
			Help:    "Node invocation latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}

	factory(m.ConnectedClients)
	factory(m.HandshakeCounter)
	factory(m.AuthFailures)
	factory(m.BroadcastCounter)
	factory(m.SlowConsumerCounter)
	factory(m.ActiveRuns)
	factory(m.RunOutcomes)
	factory(m.NodeInvokeCounter)
	factory(m.NodeInvokeDuration)
	return m
}

// EventClass buckets event names for the broadcast counter.
func EventClass(event string) string {
	switch {
	case len(event) >= 4 && event[:4] == "chat":
		return "chat"
	case len(event) >= 8 && event[:8] == "presence":
		return "presence"
	case len(event) >= 4 && event[:4] == "node":
		return "node"
	default:
		return "other"
	}
}
