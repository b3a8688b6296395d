package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var preflightBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "risk_preflight_blocks_total",
	Help: "The total number of distributions refused at pre-flight validation",
}, []string{"reason"})

var anomalyAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "risk_anomaly_alerts_total",
	Help: "The total number of anomaly alerts raised by progress monitoring",
}, []string{"reason"})

var emergencyHalts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "risk_emergency_halts_total",
	Help: "The total number of emergency halts executed",
})

var monitorsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "risk_monitors_active",
	Help: "The number of distribution progress monitors currently running",
})
