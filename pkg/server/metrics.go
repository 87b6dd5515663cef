package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the relay
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge

	FramesIn   *prometheus.CounterVec // by frame type
	FramesOut  *prometheus.CounterVec
	Broadcasts prometheus.Counter
	SendErrors prometheus.Counter

	MessagesRelayed prometheus.Counter
	MessagesSeen    prometheus.Counter

	RateLimited   *prometheus.CounterVec // by guard (rest, auth, relay)
	AuthFailures  prometheus.Counter
	AuthSuccesses prometheus.Counter
	IPBlocks      *prometheus.CounterVec // by kind (temp, perm)
	DataWipes     prometheus.Counter

	ExpiredCopies  *prometheus.CounterVec // by kind (recipient, sender)
	PurgedMessages prometheus.Counter
	SweepSkips     prometheus.Counter
}

// NewMetrics registers all collectors on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hush_active_connections",
			Help: "Number of live websocket connections",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hush_active_subscriptions",
			Help: "Total conversation subscriptions across all connections",
		}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_frames_in_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		FramesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_frames_out_total",
			Help: "Outbound frames by type",
		}, []string{"type"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_broadcasts_total",
			Help: "Conversation broadcast fan-outs",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_send_errors_total",
			Help: "Failed frame sends (connection evicted as a result)",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_messages_relayed_total",
			Help: "Ciphertext messages persisted and broadcast",
		}),
		MessagesSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_messages_seen_total",
			Help: "Seen receipts processed",
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_rate_limited_total",
			Help: "Requests denied by rate guards",
		}, []string{"guard"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_auth_failures_total",
			Help: "Failed authentication attempts",
		}),
		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_auth_successes_total",
			Help: "Successful authentications",
		}),
		IPBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_ip_blocks_total",
			Help: "IP blocks issued by the defense engine",
		}, []string{"kind"}),
		DataWipes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_data_wipes_total",
			Help: "Database wipes triggered by the defense engine",
		}),
		ExpiredCopies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_expired_copies_total",
			Help: "Message copies removed by the expiry worker",
		}, []string{"kind"}),
		PurgedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_purged_messages_total",
			Help: "Message rows hard-deleted after all copies expired",
		}),
		SweepSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "hush_sweep_skips_total",
			Help: "Expiry ticks skipped because the previous sweep was still running",
		}),
	}
}
