package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Identity graph metrics
	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cassnet_tenants_total",
			Help: "Total number of tenants",
		},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cassnet_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	ApiKeysIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_api_keys_issued_total",
			Help: "Total number of API keys issued",
		},
	)

	// Auth metrics
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cassnet_tokens_issued_total",
			Help: "Total number of tokens issued by use",
		},
		[]string{"use"},
	)

	AuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
	)

	// Orchestration metrics
	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cassnet_tasks_pending",
			Help: "Number of tasks waiting in the pending queue",
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_tasks_scheduled_total",
			Help: "Total number of tasks scheduled",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_tasks_failed_total",
			Help: "Total number of tasks that terminally failed",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_task_retries_total",
			Help: "Total number of task retries",
		},
	)

	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cassnet_leases_active",
			Help: "Number of currently held task leases",
		},
	)

	LeaseRenewals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cassnet_lease_renewals_total",
			Help: "Total number of lease renewals",
		},
	)

	WorkflowRunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cassnet_workflow_runs_active",
			Help: "Number of workflow runs in the active index",
		},
	)

	WorkflowRunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cassnet_workflow_runs_finished_total",
			Help: "Total number of finished workflow runs by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(ApiKeysIssued)
	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(LeaseRenewals)
	prometheus.MustRegister(WorkflowRunsActive)
	prometheus.MustRegister(WorkflowRunsFinished)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
