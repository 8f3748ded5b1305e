// Package metrics registers the process's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the signaling core reports to.
type Metrics struct {
	ConnectionsLive    prometheus.Gauge
	AdmissionsTotal    *prometheus.CounterVec
	BroadcastsTotal    *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
	GatewayReconnects  prometheus.Counter
	GatewayState       prometheus.Gauge
	VoiceSessionsLive  prometheus.Gauge
	ModerationActions  *prometheus.CounterVec
	ChallengesSwept    prometheus.Counter
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		ConnectionsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_connections_live",
			Help: "Number of live websocket connections, verified or not",
		}),
		AdmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_admissions_total",
			Help: "Admission attempts by outcome",
		}, []string{"outcome"}),
		BroadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_broadcasts_total",
			Help: "State broadcasts by kind",
		}, []string{"kind"}),
		RateLimitedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_rate_limited_total",
			Help: "Rejected calls by action",
		}, []string{"action"}),
		GatewayReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parlor_gateway_reconnects_total",
			Help: "Media gateway reconnection attempts",
		}),
		GatewayState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_gateway_connected",
			Help: "1 when the media gateway link is connected and healthy",
		}),
		VoiceSessionsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_voice_sessions_live",
			Help: "Sessions currently joined to a voice channel",
		}),
		ModerationActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_moderation_actions_total",
			Help: "Moderation actions by kind",
		}, []string{"action"}),
		ChallengesSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parlor_challenges_swept_total",
			Help: "Expired admission challenges removed by the janitor",
		}),
	}
}
