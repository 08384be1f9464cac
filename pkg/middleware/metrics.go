package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptrelay_forwarded_total",
		Help: "Requests forwarded upstream, by provider and status class",
	}, []string{"provider", "status"})
	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptrelay_rejections_total",
		Help: "Requests answered by the relay itself instead of an upstream",
	}, []string{"reason"})
)
