package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "rides_created_total", Help: "Total ride requests created"})

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "claims_total", Help: "Total claim attempts by outcome"},
		[]string{"outcome"}, // won, lost, rejected
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch", Name: "match_latency_seconds", Help: "Candidate lookup latency seconds"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "notifications_total", Help: "Notification delivery attempts by channel and outcome"},
		[]string{"channel", "outcome"}, // channel: push, ws; outcome: sent, failed, muted
	)

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "ws_connections", Help: "Live WebSocket connections"})
	WSDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "ws_dropped_total", Help: "Connections dropped because their send buffer filled"})

	VehiclePositionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "vehicle_positions_total", Help: "Vehicle position updates applied"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
