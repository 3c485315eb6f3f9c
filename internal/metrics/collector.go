package ditherdmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "ditherd"
	subsystem = "node"
)

// Label names.
const (
	labelPeerID = "peer_id"
	labelOutcome = "decision"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Node Metrics
// -------------------------------------------------------------------------

// Collector holds all ditherd Prometheus metrics.
//
//   - Peers tracks the number of entities currently known to the node.
//   - RTT observes measured round-trip latencies per peer.
//   - NCCost tracks the network-coordinate embedding's current prediction
//     error (the optimize.Problem's Func value at the last accepted step).
//   - TraversalDecisions counts routing decisions by outcome.
type Collector struct {
	// Peers tracks the number of currently known peer entities.
	Peers prometheus.Gauge

	// RTT observes round-trip latency measurements per peer, in seconds.
	RTT *prometheus.HistogramVec

	// NCCost tracks the network-coordinate engine's current embedding cost.
	NCCost prometheus.Gauge

	// TraversalDecisions counts traversal routing decisions, labeled by
	// outcome (deliver_local, forward, drop).
	TraversalDecisions *prometheus.CounterVec

	// PacketsSent counts packets transmitted to a peer's session.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts packets received from a peer's session.
	PacketsReceived *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Peers,
		c.RTT,
		c.NCCost,
		c.TraversalDecisions,
		c.PacketsSent,
		c.PacketsReceived,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeerID}

	return &Collector{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of peer entities currently known to the node.",
		}),

		RTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rtt_seconds",
			Help:      "Measured round-trip latency per peer.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, peerLabels),

		NCCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nc_cost",
			Help:      "Current network-coordinate embedding cost (weighted squared prediction error).",
		}),

		TraversalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "traversal_decisions_total",
			Help:      "Total traversal routing decisions by outcome.",
		}, []string{labelOutcome}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total packets transmitted to a peer session.",
		}, peerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total packets received from a peer session.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Peer Gauge
// -------------------------------------------------------------------------

// SetPeerCount sets the gauge tracking the number of known peer entities.
func (c *Collector) SetPeerCount(n int) {
	c.Peers.Set(float64(n))
}

// -------------------------------------------------------------------------
// Latency
// -------------------------------------------------------------------------

// ObserveRTT records a round-trip latency measurement for the given peer,
// identified by its hex-encoded RemoteID.
func (c *Collector) ObserveRTT(peerID string, seconds float64) {
	c.RTT.WithLabelValues(peerID).Observe(seconds)
}

// -------------------------------------------------------------------------
// Network Coordinates
// -------------------------------------------------------------------------

// SetNCCost records the network-coordinate engine's current embedding cost.
func (c *Collector) SetNCCost(cost float64) {
	c.NCCost.Set(cost)
}

// -------------------------------------------------------------------------
// Traversal Routing
// -------------------------------------------------------------------------

// Traversal decision outcomes, matching router.Decision's String() values.
const (
	DecisionDeliverLocal = "deliver_local"
	DecisionForward      = "forward"
	DecisionDrop         = "drop"
)

// IncTraversalDecision increments the counter for the given routing outcome.
func (c *Collector) IncTraversalDecision(outcome string) {
	c.TraversalDecisions.WithLabelValues(outcome).Inc()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted packets counter for a peer.
func (c *Collector) IncPacketsSent(peerID string) {
	c.PacketsSent.WithLabelValues(peerID).Inc()
}

// IncPacketsReceived increments the received packets counter for a peer.
func (c *Collector) IncPacketsReceived(peerID string) {
	c.PacketsReceived.WithLabelValues(peerID).Inc()
}

// AddPacketsSent advances the transmitted packets counter for a peer by
// delta, for callers that track a session worker's lifetime total rather
// than observing each packet individually. Non-positive deltas are ignored
// (a Prometheus counter may only move forward).
func (c *Collector) AddPacketsSent(peerID string, delta float64) {
	if delta <= 0 {
		return
	}
	c.PacketsSent.WithLabelValues(peerID).Add(delta)
}

// AddPacketsReceived advances the received packets counter for a peer by
// delta; see AddPacketsSent.
func (c *Collector) AddPacketsReceived(peerID string, delta float64) {
	if delta <= 0 {
		return
	}
	c.PacketsReceived.WithLabelValues(peerID).Add(delta)
}
