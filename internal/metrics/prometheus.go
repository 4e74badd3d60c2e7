package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LicensesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deployconsole_licenses_expired_total",
		Help: "Total licenses transitioned to expired by the sweep",
	})

	EnforcementCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployconsole_license_enforcement_total",
		Help: "License enforcement calls per server IP by final outcome",
	}, []string{"outcome"})

	LicenseSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deployconsole_license_sweep_duration_seconds",
		Help:    "Time to run one license expiry sweep",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	DeploymentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployconsole_deployments_finalized_total",
		Help: "Deployments moved into the inventory by deployment type",
	}, []string{"type"})

	FinalizeWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deployconsole_finalize_step_failures_total",
		Help: "Non-critical finalize steps that failed and were rolled back",
	})

	ServersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deployconsole_servers",
		Help: "Known servers by last probed liveness status",
	}, []string{"status"})
)

func AddLicensesExpired(count int64) {
	if count > 0 {
		LicensesExpired.Add(float64(count))
	}
}

func IncEnforcement(outcome string) {
	label := strings.TrimSpace(outcome)
	if label == "" {
		label = "unknown"
	}
	EnforcementCalls.WithLabelValues(label).Inc()
}

func ObserveLicenseSweepDuration(duration time.Duration) {
	LicenseSweepDuration.Observe(duration.Seconds())
}

func IncDeploymentFinalized(deploymentType string) {
	label := strings.TrimSpace(deploymentType)
	if label == "" {
		label = "unknown"
	}
	DeploymentsFinalized.WithLabelValues(label).Inc()
}

func AddFinalizeWarnings(count int) {
	if count > 0 {
		FinalizeWarnings.Add(float64(count))
	}
}

func SetServerCounts(online, offline int) {
	if online < 0 {
		online = 0
	}
	if offline < 0 {
		offline = 0
	}
	ServersByStatus.WithLabelValues("online").Set(float64(online))
	ServersByStatus.WithLabelValues("offline").Set(float64(offline))
}
