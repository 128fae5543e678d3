package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calibration_sessions_active",
			Help: "Number of session workers currently running",
		},
	)
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_sessions_total",
			Help: "Total number of sessions finished, by terminal status",
		},
		[]string{"status"},
	)
	BatchesPairedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calibration_batches_paired_total",
			Help: "Total number of fully paired batches handed to the UQ engine",
		},
	)
	DuplicatesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_duplicates_dropped_total",
			Help: "Total number of duplicate stream messages dropped",
		},
		[]string{"kind"},
	)
	PoisonMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_poison_messages_total",
			Help: "Total number of undecodable or invalid messages rejected",
		},
		[]string{"queue"},
	)
	UQFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calibration_uq_failures_total",
			Help: "Total number of batches nacked due to UQ algorithmic failure",
		},
	)
	PublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calibration_publish_failures_total",
			Help: "Total number of best-effort paired-envelope publish failures",
		},
	)
	StageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_stage_transitions_total",
			Help: "Total number of stage transitions, by target stage",
		},
		[]string{"stage"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(BatchesPairedTotal)
	prometheus.MustRegister(DuplicatesDroppedTotal)
	prometheus.MustRegister(PoisonMessagesTotal)
	prometheus.MustRegister(UQFailuresTotal)
	prometheus.MustRegister(PublishFailuresTotal)
	prometheus.MustRegister(StageTransitionsTotal)
}
