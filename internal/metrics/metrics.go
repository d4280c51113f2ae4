package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process registry served at /metrics.
var Registry = prometheus.NewRegistry()

var (
	TasksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smsrelay_tasks_created_total",
		Help: "Tasks created through single or bulk create.",
	})
	TasksAssigned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smsrelay_tasks_assigned_total",
		Help: "Tasks assigned to devices, by access path.",
	}, []string{"path"})
	AssignRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smsrelay_assign_races_total",
		Help: "Dequeued task ids discarded because they were no longer QUEUED.",
	})
	StatusReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smsrelay_status_reports_total",
		Help: "Worker status reports, by reported status and outcome.",
	}, []string{"status", "outcome"})
	TasksReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smsrelay_tasks_reclaimed_total",
		Help: "Stale ASSIGNED tasks returned to QUEUED.",
	})
	Pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smsrelay_pushes_total",
		Help: "Push attempts to devices, by event and whether a live connection took it.",
	}, []string{"event", "delivered"})
	ConnectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smsrelay_connected_devices",
		Help: "Devices holding a live push connection on this node.",
	})
	Withdrawals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smsrelay_withdrawals_total",
		Help: "Withdrawals by terminal status.",
	}, []string{"status"})
	PayoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smsrelay_payout_duration_seconds",
		Help:    "External payout call latency.",
		Buckets: prometheus.DefBuckets,
	})
	ReferralBonuses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smsrelay_referral_bonuses_paid_total",
		Help: "Referral bonuses paid.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TasksCreated,
		TasksAssigned,
		AssignRaces,
		StatusReports,
		TasksReclaimed,
		Pushes,
		ConnectedDevices,
		Withdrawals,
		PayoutLatency,
		ReferralBonuses,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// QueueDepth registers a gauge reading the priority queue length on scrape.
func QueueDepth(fn func() float64) {
	Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smsrelay_queue_depth",
		Help: "Task ids currently held by the priority queue hint.",
	}, fn))
}

func Bool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
