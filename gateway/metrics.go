package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's prometheus collectors.
type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Events      *prometheus.CounterVec
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	Disconnects *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors with reg. A nil reg yields
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Number of live websocket connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_online_users",
			Help: "Number of users with at least one live connection",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Domain events dispatched, by frame type",
		}, []string{"type"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_frames_delivered_total",
			Help: "Frames written to client transports",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_frames_dropped_total",
			Help: "Frames discarded because a connection's send queue was full",
		}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_disconnects_total",
			Help: "Closed connections, by reason",
		}, []string{"reason"}),
	}
}
