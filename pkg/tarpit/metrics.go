package tarpit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deadlockssh_sessions_total",
		Help: "Total number of tarpit sessions by outcome",
	}, []string{"outcome"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deadlockssh_active_sessions",
		Help: "Number of currently active tarpit sessions",
	})

	bannerBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deadlockssh_banner_bytes_total",
		Help: "Total banner bytes trickled to peers",
	})

	capturedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deadlockssh_captured_bytes_total",
		Help: "Total bytes received from peers",
	})

	delaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deadlockssh_delay_seconds",
		Help:    "Artificial pre-banner delay assigned to sessions",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
