package pipe

//
// Metrics definitions
//

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricPipesActiveGauge gauges the number of pipes currently
	// forwarding traffic.
	metricPipesActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lagproxy_pipes_active_gauge",
		Help: "The number of pipes currently forwarding traffic",
	})

	// metricForwardedBytes counts the bytes delivered to the sink
	// for each direction.
	metricForwardedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lagproxy_forwarded_bytes_count",
		Help: "Total number of bytes delivered to the sink",
	}, []string{"direction"})
)
