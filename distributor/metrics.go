package distributor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var distributionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distributor_distributions_started_total",
	Help: "The total number of distribution requests accepted",
})

var distributionsBlocked = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distributor_distributions_blocked_total",
	Help: "The total number of distribution requests refused by risk validation",
})

var accountsQueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distributor_accounts_queued_total",
	Help: "The total number of per-account actions handed off to the dispatcher",
})

var accountsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distributor_accounts_failed_total",
	Help: "The total number of per-account failures during distribution",
})
