package chainntfs

import "github.com/prometheus/client_golang/prometheus"

// pollFailuresTotal counts every transient or fatal pollOnce error, split
// by outcome, giving an operator a Prometheus signal that the configured
// RPC backend is flaky or down well before the fatal-termination event
// reaches the log.
var pollFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lampod",
		Subsystem: "chainntfs",
		Name:      "poll_failures_total",
		Help:      "Number of pollOnce iterations that returned an error, by fatality.",
	},
	[]string{"fatal"},
)

func init() {
	prometheus.MustRegister(pollFailuresTotal)
}
