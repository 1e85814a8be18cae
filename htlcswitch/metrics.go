package htlcswitch

import "github.com/prometheus/client_golang/prometheus"

// forwardedHTLCsTotal and failedForwardsTotal give an operator a
// Prometheus view of the forwarding plane's throughput without polling
// CircuitMap/link state directly.
var (
	forwardedHTLCsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lampod",
		Subsystem: "htlcswitch",
		Name:      "forwarded_htlcs_total",
		Help:      "Number of update_add_htlc packets successfully routed to an outgoing link.",
	})
	failedForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lampod",
			Subsystem: "htlcswitch",
			Name:      "failed_forwards_total",
			Help:      "Number of update_add_htlc packets this node failed back, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(forwardedHTLCsTotal, failedForwardsTotal)
}
