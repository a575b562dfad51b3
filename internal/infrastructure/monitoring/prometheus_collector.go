package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay activity.
type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	roomsActive    prometheus.Gauge
	sessionsTotal  prometheus.Counter

	messagesRelayed  *prometheus.CounterVec
	messagesReplayed prometheus.Counter
	protocolErrors   *prometheus.CounterVec
	sessionsDropped  *prometheus.CounterVec
	upgradesRejected *prometheus.CounterVec

	fanout prometheus.Histogram
}

// NewPrometheusCollector registers the relay metrics with reg.
// A nil reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fivecall_sessions_active",
			Help: "Number of relay sessions currently joined to a room",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fivecall_rooms_active",
			Help: "Number of rooms held by the relay hub",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fivecall_sessions_total",
			Help: "Total number of relay sessions joined",
		}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivecall_messages_relayed_total",
			Help: "Total number of accepted inbound relay messages",
		}, []string{"type"}),

		messagesReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fivecall_messages_replayed_total",
			Help: "Total number of queued messages replayed to late joiners",
		}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivecall_protocol_errors_total",
			Help: "Total number of rejected inbound relay messages",
		}, []string{"reason"}),

		sessionsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivecall_sessions_dropped_total",
			Help: "Total number of sessions closed by the relay",
		}, []string{"reason"}),

		upgradesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivecall_upgrades_rejected_total",
			Help: "Total number of room connections rejected before upgrade",
		}, []string{"reason"}),

		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fivecall_relay_fanout",
			Help:    "Number of sessions a relayed message was delivered to",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
	}
}

func (p *PrometheusCollector) SessionJoined() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionLeft() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) MessageRelayed(msgType string, fanout int) {
	p.messagesRelayed.WithLabelValues(msgType).Inc()
	p.fanout.Observe(float64(fanout))
}

func (p *PrometheusCollector) MessagesReplayed(n int) {
	p.messagesReplayed.Add(float64(n))
}

func (p *PrometheusCollector) ProtocolError(reason string) {
	p.protocolErrors.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SessionDropped(reason string) {
	p.sessionsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) UpgradeRejected(reason string) {
	p.upgradesRejected.WithLabelValues(reason).Inc()
}
