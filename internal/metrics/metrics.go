// Package metrics exposes node lifecycle counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NodeStartsTotal counts node start attempts by result: started, rejected, failed.
var NodeStartsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fabrichost_node_starts_total",
		Help: "Node start attempts by result",
	},
	[]string{"deployment", "result"},
)

// NodeOutcomesTotal counts terminal node outcomes: success, canceled, faulted.
var NodeOutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fabrichost_node_outcomes_total",
		Help: "Terminal node lifecycle outcomes",
	},
	[]string{"deployment", "outcome"},
)

// FaultsReportedTotal counts faults reported to the orchestration platform.
var FaultsReportedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fabrichost_faults_reported_total",
		Help: "Faults reported to the orchestration platform",
	},
	[]string{"fault_type"},
)

// InstancesCreatedTotal counts service instances created by the factory.
var InstancesCreatedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fabrichost_instances_created_total",
		Help: "Service instances created",
	},
	[]string{"service_type"},
)

// PlacementsTotal counts placement attempts made by the local platform.
var PlacementsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fabrichost_placements_total",
		Help: "Placement attempts by result",
	},
	[]string{"service", "result"},
)

// OpenDuration observes how long instance Open takes.
var OpenDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fabrichost_instance_open_seconds",
		Help:    "Duration of instance open",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	},
	[]string{"result"},
)
