package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Currently registered client sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_total",
		Help: "Total client sessions registered",
	})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_expired_total",
		Help: "Sessions removed by the inactivity sweep",
	})

	UpstreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upstream_connection_state",
		Help: "Upstream connection state (0=disconnected 1=connecting 2=connected 3=degraded)",
	})

	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstream_reconnect_attempts_total",
		Help: "Reconnection attempts against the upstream realtime API",
	})

	UpstreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_events_total",
		Help: "Inbound upstream events by type",
	}, []string{"type"})

	UpstreamMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstream_malformed_payloads_total",
		Help: "Inbound payloads dropped by structural validation",
	})

	UpstreamSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_send_errors_total",
		Help: "Failed sends to the upstream connection",
	}, []string{"reason"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_rejections_total",
		Help: "Requests rejected by the hierarchical rate limiter",
	}, []string{"scope"})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_delivery_failures_total",
		Help: "Per-client delivery failures during fan-out",
	})

	OrdersFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_finalized_total",
		Help: "Order drafts finalized and handed to persistence",
	})

	OrderValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_validation_failures_total",
		Help: "Order finalize validation failures by rule",
	}, []string{"rule"})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_chunks_forwarded_total",
		Help: "Client audio chunks forwarded upstream",
	})

	FallbackCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallback_completions_total",
		Help: "Text completions served by the fallback assistant while degraded",
	})
)
