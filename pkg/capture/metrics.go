package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	captureOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptrelay_capture_total",
		Help: "Usage records by delivery outcome (primary, fallback, dropped)",
	}, []string{"outcome"})
	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promptrelay_capture_duration_seconds",
		Help:    "Time spent delivering a usage record, fallback included",
		Buckets: prometheus.DefBuckets,
	})
	requestTokenHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promptrelay_request_tokens",
		Help:    "Input tokens per captured request, reported or estimated",
		Buckets: []float64{1, 10, 50, 100, 500, 1_000, 2_000, 4_000, 8_000, 16_000},
	})
)
