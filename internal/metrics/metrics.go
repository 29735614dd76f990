package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	namespace = "realtime"
)

// Metrics holds every collector the client session and the gateway export.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Client connection metrics
	ConnectionState      prometheus.Gauge
	ReconnectAttempts    prometheus.Counter
	ReconnectGiveUps     prometheus.Counter
	EmitsDropped         *prometheus.CounterVec
	PingRoundTrip        prometheus.Histogram
	FanoutEventsTotal    *prometheus.CounterVec
	FramesMalformedTotal prometheus.Counter

	// Location metrics
	LocationAccuracy     *prometheus.HistogramVec
	LocationImprovements prometheus.Counter
	LocationFallbacks    prometheus.Counter

	// Gateway metrics
	WSConnectionsTotal  prometheus.Counter
	WSActiveConnections prometheus.Gauge
	OnlineUsers         prometheus.Gauge
	RoomMembers         *prometheus.GaugeVec
	StreamViewers       *prometheus.GaugeVec
	FramesDropped       prometheus.Counter

	logger *zap.Logger
}

// New creates and registers all metrics with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, nil)
}

// NewWithRegistry creates and registers all metrics with a custom registry
func NewWithRegistry(registerer prometheus.Registerer, logger *zap.Logger) *Metrics {
	factory := promauto.With(registerer)

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		ConnectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "client_connection_state",
				Help:      "Connection state of the realtime client (0 disconnected, 1 connecting, 2 connected)",
			},
		),
		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_reconnect_attempts_total",
				Help:      "Total number of scheduled reconnect attempts",
			},
		),
		ReconnectGiveUps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_reconnect_give_ups_total",
				Help:      "Total number of sessions that exhausted the reconnect budget",
			},
		),
		EmitsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_emits_dropped_total",
				Help:      "Total number of emits that were not sent",
			},
			[]string{"reason"},
		),
		PingRoundTrip: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "client_ping_rtt_seconds",
				Help:      "Ping round trip time in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		FanoutEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_fanout_events_total",
				Help:      "Total number of socket events re-published on the fan-out bus",
			},
			[]string{"event"},
		),
		FramesMalformedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_malformed_total",
				Help:      "Total number of inbound frames dropped because they could not be decoded",
			},
		),
		LocationAccuracy: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "location_accuracy_meters",
				Help:      "Accuracy radius of accepted location samples",
				Buckets:   []float64{5, 10, 20, 50, 100, 200, 500, 1000, 9999},
			},
			[]string{"method"},
		),
		LocationImprovements: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_improvements_total",
				Help:      "Total number of watch samples accepted as an improvement",
			},
		),
		LocationFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_fallbacks_total",
				Help:      "Total number of acquisitions that degraded to the fallback coordinate",
			},
		),
		WSConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_connections_total",
				Help:      "Total number of WebSocket connections",
			},
		),
		WSActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_active_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		OnlineUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online_users",
				Help:      "Number of users with at least one open connection",
			},
		),
		RoomMembers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "location_room_members",
				Help:      "Number of connections per location room",
			},
			[]string{"room"},
		),
		StreamViewers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "livestream_viewers",
				Help:      "Number of viewers per livestream",
			},
			[]string{"stream"},
		),
		FramesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of outbound frames dropped because a send buffer was full",
			},
		),
		logger: logger,
	}
}
