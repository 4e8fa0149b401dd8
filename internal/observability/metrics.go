package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportEventsTotal counts events received from the realtime endpoint by type.
	TransportEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_transport_events_total",
		Help: "Total realtime events received by type",
	}, []string{"event_type"})

	// TransportMalformedEvents counts frames rejected before dispatch.
	TransportMalformedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_transport_malformed_events_total",
		Help: "Total realtime frames rejected as malformed",
	}, []string{"reason"})

	// TransportEmitDrops counts emits dropped because the connection was down or the buffer was full.
	TransportEmitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_transport_emit_drops_total",
		Help: "Total outbound events dropped",
	}, []string{"reason"})

	// TransportReconnectAttempts counts reconnect dials.
	TransportReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_transport_reconnect_attempts_total",
		Help: "Total websocket reconnect attempts",
	})

	// TransportConnected is 1 while the client transport holds a live connection.
	TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedsync_transport_connected",
		Help: "Whether the realtime connection is currently established",
	})

	// OptimisticMutations counts optimistic mutations by kind and outcome.
	OptimisticMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_optimistic_mutations_total",
		Help: "Optimistic mutations by kind and outcome (confirmed, reverted, superseded)",
	}, []string{"kind", "outcome"})

	// StaleResponsesDropped counts REST responses discarded after view teardown.
	StaleResponsesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_stale_responses_dropped_total",
		Help: "REST responses discarded because their view was torn down",
	}, []string{"component"})

	// RESTRequestLatency records REST collaborator latency by route and status.
	RESTRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_rest_request_duration_seconds",
		Help:    "REST collaborator request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	// DevServerConnections is the gauge of websocket connections on the dev server.
	DevServerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedsync_devserver_websocket_connections",
		Help: "Number of active dev server websocket connections",
	})

	// DevServerBackpressureDrops counts dev server messages dropped due to backpressure.
	DevServerBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_devserver_backpressure_drops_total",
		Help: "Total dev server websocket messages dropped due to backpressure",
	}, []string{"reason"})

	DevServerRedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_devserver_redis_errors_total",
		Help: "Total failed dev server Redis commands",
	}, []string{"command"})
)

// ObserveREST records the latency of a REST call started at start.
func ObserveREST(route string, status int, start time.Time) {
	RESTRequestLatency.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

// SetConnected flips the connection gauge.
func SetConnected(connected bool) {
	if connected {
		TransportConnected.Set(1)
		return
	}
	TransportConnected.Set(0)
}
