package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_messages_sent_total",
			Help: "Total messages stored",
		},
		[]string{"kind"}, // "text" or "attachment"
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_send_failures_total",
			Help: "Message sends that failed",
		},
		[]string{"stage"}, // "sign", "upload", "insert"
	)

	ConversationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_conversations_started_total",
			Help: "Total conversations created",
		},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_status_transitions_total",
			Help: "Message status changes applied",
		},
		[]string{"status"},
	)

	StatusRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_status_rejected_total",
			Help: "Status updates ignored because they would not advance the message",
		},
	)

	TypingPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_typing_published_total",
			Help: "Typing events published",
		},
	)

	LoadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_load_failures_total",
			Help: "Failed loads of conversations or messages",
		},
		[]string{"what"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketchat_active_sessions",
			Help: "Open websocket chat sessions",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"action"},
	)
)
