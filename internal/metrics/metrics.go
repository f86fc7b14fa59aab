package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_messages_total",
			Help: "BGP messages sent and received.",
		},
		[]string{"peer", "direction", "type"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_notifications_total",
			Help: "NOTIFICATION messages sent and received.",
		},
		[]string{"peer", "direction", "code", "subcode"},
	)

	DecodeWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_decode_warnings_total",
			Help: "Tolerated decode problems (unknown attributes, unsupported families).",
		},
		[]string{"peer"},
	)

	RoutesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_routes_received_total",
			Help: "Routes decoded from UPDATE messages.",
		},
		[]string{"peer", "afi", "action"},
	)

	RoutesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_routes_sent_total",
			Help: "Routes encoded into UPDATE messages.",
		},
		[]string{"peer", "afi", "action"},
	)

	UpdateSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_update_size_bytes",
			Help:    "Size of encoded UPDATE messages.",
			Buckets: []float64{23, 64, 128, 256, 512, 1024, 2048, 3072, 4096},
		},
		[]string{"peer"},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_session_state",
			Help: "Session state (0=idle, 1=open_sent, 2=open_confirm, 3=established).",
		},
		[]string{"peer"},
	)

	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_session_transitions_total",
			Help: "Session state transitions.",
		},
		[]string{"peer", "to"},
	)

	EORSeen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_eor_seen",
			Help: "End-of-RIB received from peer (0/1).",
		},
		[]string{"peer", "afi"},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last message received from peer.",
		},
		[]string{"peer"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_events_published_total",
			Help: "Route events written to Kafka by outcome.",
		},
		[]string{"outcome"},
	)

	EventBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_event_batch_size",
			Help:    "Route event batch sizes flushed to Kafka.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"topic"},
	)

	EventWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_event_write_duration_seconds",
			Help:    "Kafka produce latency per batch.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesTotal,
			NotificationsTotal,
			DecodeWarningsTotal,
			RoutesReceivedTotal,
			RoutesSentTotal,
			UpdateSizeBytes,
			SessionState,
			SessionTransitionsTotal,
			EORSeen,
			LastMsgTimestamp,
			EventsPublishedTotal,
			EventBatchSize,
			EventWriteDuration,
		)
	})
}
