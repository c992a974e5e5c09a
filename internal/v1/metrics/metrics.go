package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime messaging substrate.
//
// Naming convention: namespace_subsystem_name
// - namespace: realtime (application-level grouping)
// - subsystem: websocket, room, bus, digestion, presence, notify, cache
// - name: specific metric (connections_active, flushes_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, subscribers, batch size)
// - Counter: Cumulative events (messages broadcast, flushes, drops)
// - Histogram: Latency distributions (flush duration)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one subscriber (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one subscriber",
	})

	// RoomSubscribers tracks the number of sockets subscribed to each room (GaugeVec - current state per room)
	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "room",
		Name:      "subscribers_count",
		Help:      "Number of sockets subscribed to each room",
	}, []string{"room_id"})

	// MessagesBroadcast counts messages fanned out to room subscribers (CounterVec - cumulative)
	MessagesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "room",
		Name:      "messages_broadcast_total",
		Help:      "Total messages fanned out to room subscribers",
	}, []string{"status"})

	// BusPublishes counts publishes to the message bus (CounterVec - cumulative)
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Total publishes to the message bus",
	}, []string{"status"})

	// BusReconnects counts lazy re-dials of the bus connection (Counter - cumulative)
	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Total lazy re-dials of the bus connection",
	})

	// DigestionBatchSize tracks the current number of buffered envelopes (Gauge - current state)
	DigestionBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "digestion",
		Name:      "batch_size",
		Help:      "Current number of envelopes buffered for the next flush",
	})

	// DigestionFlushes counts flush attempts by outcome (CounterVec - cumulative)
	DigestionFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "digestion",
		Name:      "flushes_total",
		Help:      "Total digestion flush attempts",
	}, []string{"status"})

	// DigestionFlushDuration tracks time spent writing batches to the store (Histogram - latency distribution)
	DigestionFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "realtime",
		Subsystem: "digestion",
		Name:      "flush_duration_seconds",
		Help:      "Time spent writing digestion batches to the store",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Notifications counts point-to-point notification deliveries (CounterVec - cumulative)
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Total notification delivery attempts",
	}, []string{"status"})

	// PresenceConnected tracks users with a live presence socket (Gauge - current state)
	PresenceConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "presence",
		Name:      "connected_users",
		Help:      "Current number of users with a live presence socket",
	})

	// RateLimitRequests counts requests that passed the rate limiter (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by the rate limiter (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// CacheBreakerState tracks the cache circuit breaker state (Gauge: 0=closed, 1=half-open, 2=open)
	CacheBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "cache",
		Name:      "breaker_state",
		Help:      "Cache circuit breaker state (0=closed, 1=half-open, 2=open)",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
