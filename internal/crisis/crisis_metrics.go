package crisis

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the crisis triage subsystem.
type Metrics struct {
	AlertsCreated  *prometheus.CounterVec
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	DeliveryMarks  *prometheus.CounterVec
	BriefsTotal    *prometheus.CounterVec
	NoticesTotal   *prometheus.CounterVec
	FeedEvents     *prometheus.CounterVec
	SessionsActive prometheus.Gauge
	SnapshotsTotal prometheus.Counter
	ExportRows     prometheus.Counter
}

// NewMetrics registers and returns crisis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_alerts_created_total",
			Help: "Total crisis alerts created, by source and tier.",
		}, []string{"source", "tier"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_actions_total",
			Help: "Total responder actions by action type and outcome.",
		}, []string{"action", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeline_action_duration_seconds",
			Help:    "Duration of action processing including the store write.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"action"}),
		DeliveryMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_delivery_marks_total",
			Help: "Total dispatcher delivery confirmations by channel.",
		}, []string{"channel"}),
		BriefsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_briefs_total",
			Help: "Total AI responder brief generations by outcome.",
		}, []string{"outcome"}),
		NoticesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_supervisor_notices_total",
			Help: "Total supervisor channel notices by outcome.",
		}, []string{"outcome"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_feed_events_total",
			Help: "Total change feed events processed by live sessions.",
		}, []string{"kind"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifeline_sessions_active",
			Help: "Currently connected live sync sessions.",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_session_snapshots_total",
			Help: "Total working-set snapshots emitted to sessions.",
		}),
		ExportRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_export_rows_total",
			Help: "Total rows written by CSV exports.",
		}),
	}

	reg.MustRegister(
		m.AlertsCreated,
		m.ActionsTotal,
		m.ActionDuration,
		m.DeliveryMarks,
		m.BriefsTotal,
		m.NoticesTotal,
		m.FeedEvents,
		m.SessionsActive,
		m.SnapshotsTotal,
		m.ExportRows,
	)

	return m
}

// ObserveCreated records one created alert.
func (m *Metrics) ObserveCreated(src Source, tier Tier) {
	m.AlertsCreated.WithLabelValues(string(src), strconv.Itoa(int(tier))).Inc()
}
