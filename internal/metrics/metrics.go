// Package metrics declares the Prometheus collectors the RIB-OUT
// pipeline exposes: per-queue depth, per-peer sync state, per-rib
// fan-out, and the attribute-interning/transport counters that round
// out observability of the update path.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgp_ribout_queue_pending",
			Help: "Pending RouteUpdate entries per RibOut queue.",
		},
		[]string{"rib", "queue"},
	)

	QueueMarkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgp_ribout_queue_markers",
			Help: "Peer markers currently threaded through a RibOut queue.",
		},
		[]string{"rib", "queue"},
	)

	PeerInSync = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgp_ribout_peer_in_sync",
			Help: "Whether a peer's marker has reached the tail of a queue (1) or is still behind (0).",
		},
		[]string{"peer", "rib", "queue"},
	)

	PeerSendReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgp_ribout_peer_send_ready",
			Help: "Whether a peer's transport is currently accepting more data.",
		},
		[]string{"peer"},
	)

	RibActivePeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgp_ribout_rib_active_peers",
			Help: "Cardinality of a RibOut's active peer set.",
		},
		[]string{"rib"},
	)

	SchedulingGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bgp_ribout_scheduling_groups",
			Help: "Number of connected components in the peer<->rib membership graph.",
		},
	)

	AttrInternTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgp_ribout_attr_intern_total",
			Help: "Attribute interning lookups, by cache hit/miss/error.",
		},
		[]string{"result"},
	)

	TransportSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgp_ribout_transport_send_total",
			Help: "Transport.Send outcomes, by accepted/blocked.",
		},
		[]string{"result"},
	)

	ExportDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgp_ribout_export_dropped_total",
			Help: "Route changes the export policy withdrew entirely rather than advertised.",
		},
		[]string{"reason"},
	)

	MembershipNoopTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgp_ribout_membership_noop_total",
			Help: "Config-driven membership operations absorbed as no-ops (e.g. leave for a non-member).",
		},
		[]string{"reason"},
	)
)

var registerOnce sync.Once

// Register registers every collector with the default registry.
// Idempotent: later calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueuePending,
			QueueMarkers,
			PeerInSync,
			PeerSendReady,
			RibActivePeers,
			SchedulingGroups,
			AttrInternTotal,
			TransportSendTotal,
			ExportDroppedTotal,
			MembershipNoopTotal,
		)
	})
}
