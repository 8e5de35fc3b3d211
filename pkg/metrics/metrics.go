package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_scans_total",
		Help: "The total number of wallet scans by round and status",
	}, []string{"round", "status"})

	ScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_scan_duration_seconds",
		Help:    "Time taken to scan a wallet",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms to ~6.4s
	}, []string{"round"})

	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_actions_total",
		Help: "Classifier decisions by kind",
	}, []string{"kind"})

	EmergencyActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_emergency_active",
		Help: "1 while a wallet holds the emergency slot",
	})

	Emergencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_emergencies_total",
		Help: "Finished emergency loops by reason",
	}, []string{"reason"})

	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_transfers_total",
		Help: "Finished transfer loops by reason",
	}, []string{"reason"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_submissions_total",
		Help: "Submitted sweep transactions by token and status",
	}, []string{"token", "status"})

	GasErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_gas_errors_total",
		Help: "Submissions that failed on insufficient gas",
	})

	FundingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_funding_attempts_total",
		Help: "Gas funding attempts by status",
	}, []string{"status"})

	MonitorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_monitor_outcomes_total",
		Help: "Monitored transaction outcomes by status",
	}, []string{"status"})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_gas_price_gwei",
		Help: "Current suggested gas price in gwei",
	}, []string{"network"})

	EndpointFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_endpoint_failures_total",
		Help: "RPC failures reported against an endpoint",
	}, []string{"endpoint"})

	BackgroundTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_background_tasks",
		Help: "Background tasks currently running",
	})

	TaskErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_task_errors_total",
		Help: "Errors reported by background tasks",
	})
)
