package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replguard_scans_total",
			Help: "Total number of fleet scans by mode",
		},
		[]string{"mode"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replguard_scan_duration_seconds",
			Help:    "Fleet scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replguard_nodes",
			Help: "Nodes in the last scan by health status",
		},
		[]string{"status"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replguard_probe_duration_seconds",
			Help:    "Per-node probe duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Retry metrics
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replguard_retry_attempts_total",
			Help: "Total number of remote call attempts by component and outcome kind",
		},
		[]string{"component", "kind"},
	)

	// Classification metrics
	IssuesByCategory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replguard_issues",
			Help: "Issues found in the last run by category and severity",
		},
		[]string{"category", "severity"},
	)

	// Healing metrics
	HealingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replguard_healing_decisions_total",
			Help: "Healing eligibility decisions by outcome reason",
		},
		[]string{"reason"},
	)

	HealingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replguard_healing_actions_total",
			Help: "Dispatched healing actions by category and result",
		},
		[]string{"category", "result"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replguard_rollbacks_total",
			Help: "Rollback attempts by result",
		},
		[]string{"result"},
	)

	// Run metrics
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replguard_run_duration_seconds",
			Help:    "Control loop run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	LastResultCode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replguard_last_result_code",
			Help: "Result code of the last run (0 healthy, 2 issues remain, 3 unreachable, 4 fatal)",
		},
	)
)

func init() {
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(NodesByStatus)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(IssuesByCategory)
	prometheus.MustRegister(HealingDecisionsTotal)
	prometheus.MustRegister(HealingActionsTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(LastResultCode)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
