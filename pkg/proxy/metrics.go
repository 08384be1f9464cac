package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptrelay_upstream_latency_seconds",
		Help:    "Time spent proxying requests to upstream providers, body included",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})
)
