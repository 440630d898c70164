package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	UpstreamCompletion = "completion"
	UpstreamRelay      = "relay"
	UpstreamLedger     = "ledger"
	UpstreamTelegram   = "telegram"
)

var (
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Inbound messages by recognised command",
		},
		[]string{"command"},
	)

	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Outcomes of /sign attempts",
		},
		[]string{"outcome"},
	)

	UpstreamFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_failures_total",
			Help: "Failed calls to external services after retries",
		},
		[]string{"upstream"},
	)

	CompletionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "completion_duration_seconds",
			Help:    "Completion API latency including retries",
			Buckets: prometheus.DefBuckets,
		},
	)
)
