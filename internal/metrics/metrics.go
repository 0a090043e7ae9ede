package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDecisions counts auth gate outcomes ("accepted", "missing_token", "revoked", ...).
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_gate_decisions_total",
			Help: "Auth gate decisions by outcome",
		},
		[]string{"outcome"},
	)
	GateLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tokengate_gate_lookup_duration_seconds",
			Help:    "Token store lookup latency seen by the auth gate",
			Buckets: prometheus.DefBuckets,
		},
	)
	UsageRecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_usage_record_failures_total",
			Help: "Usage increments dropped at the auth gate",
		},
	)
	UsageFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_usage_flushes_total",
			Help: "Usage ledger flushes by status",
		},
		[]string{"status"},
	)
	TokensMinted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_tokens_minted_total",
			Help: "Tokens minted by privilege",
		},
		[]string{"privilege"},
	)
	MintCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_mint_collisions_total",
			Help: "Generated token values rejected as duplicates",
		},
	)
	MintExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_mint_exhausted_total",
			Help: "Mint requests that ran out of collision retries",
		},
	)
	TokensRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_tokens_revoked_total",
			Help: "Tokens moved from active to revoked",
		},
	)
	OutboxDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_outbox_dispatch_total",
			Help: "Token lifecycle event deliveries by event type and outcome",
		},
		[]string{"event_type", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
