package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control loop metrics, served from /metrics by the web monitor.
var (
	// TicksTotal counts completed control ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartnav_ticks_total",
		Help: "Total control loop ticks",
	})

	// TickDuration tracks the wall time spent inside one tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cartnav_tick_duration_seconds",
		Help:    "Control tick duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	})

	// PlansTotal counts planner invocations by result (found, unreachable,
	// blocked, budget, empty).
	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartnav_plans_total",
		Help: "Path planning attempts by result",
	}, []string{"result"})

	// PlanExpansions tracks nodes expanded per search.
	PlanExpansions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cartnav_plan_expansions",
		Help:    "Nodes expanded per path search",
		Buckets: []float64{10, 100, 1000, 10000, 100000},
	})

	// MapUpdatesTotal counts sensor readings applied to the occupancy map.
	MapUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartnav_map_updates_total",
		Help: "Sensor readings applied to the occupancy map",
	})

	// ObstacleHitsTotal counts echo endpoints recorded against map cells.
	ObstacleHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartnav_obstacle_hits_total",
		Help: "Obstacle hits recorded in the occupancy map",
	})

	// MapCells reports the current occupancy grid extent in cells.
	MapCells = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartnav_map_cells",
		Help: "Occupancy grid size in cells (width*height)",
	})

	// DriveErrorsTotal counts drive commands the motor link rejected.
	DriveErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartnav_drive_errors_total",
		Help: "Drive commands that failed to reach the motor board",
	})

	// DriveConnected is 1 while the last drive command was written successfully.
	DriveConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartnav_drive_connected",
		Help: "1 if the motor link accepted the last command",
	})

	// DeliveryTransitions counts workflow state entries by state name.
	DeliveryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartnav_delivery_transitions_total",
		Help: "Delivery workflow state transitions by target state",
	}, []string{"state"})
)
