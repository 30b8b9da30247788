package forwarder

//
// Metrics definitions
//

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricSessionsCount counts the local connections we accepted.
	metricSessionsCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lagproxy_sessions_count",
		Help: "Total number of accepted local connections",
	})

	// metricDialFailuresCount counts the outbound connection
	// attempts that failed.
	metricDialFailuresCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lagproxy_dial_failures_count",
		Help: "Total number of failed outbound connection attempts",
	})
)
