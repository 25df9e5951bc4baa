package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry exposes run counters as Prometheus collectors on a registry
// owned by the run, so concurrent runs in one process never share series.
type Telemetry struct {
	Registry *prometheus.Registry

	EventsFired     *prometheus.CounterVec
	StaleEvents     prometheus.Counter
	VehiclesEntered *prometheus.CounterVec
	VehiclesExited  *prometheus.CounterVec
	FluidExited     prometheus.Counter
	DroppedMass     *prometheus.CounterVec
	ActuatorPokes   *prometheus.CounterVec
	LaneGroupLoad   *prometheus.GaugeVec
}

// NewTelemetry registers the run collectors on a fresh registry.
func NewTelemetry(runID string) *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, reg))
	return &Telemetry{
		Registry: reg,
		EventsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otm_events_fired_total",
			Help: "Events popped and executed by the dispatcher, by target type.",
		}, []string{"target"}),
		StaleEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "otm_stale_events_total",
			Help: "Pokes that found their subject rescheduled and did nothing.",
		}),
		VehiclesEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otm_vehicles_entered_total",
			Help: "Discrete vehicles created by sources, by commodity.",
		}, []string{"commodity"}),
		VehiclesExited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otm_vehicles_exited_total",
			Help: "Discrete vehicles leaving through sinks, by commodity.",
		}, []string{"commodity"}),
		FluidExited: factory.NewCounter(prometheus.CounterOpts{
			Name: "otm_fluid_exited_total",
			Help: "Macroscopic mass discharged by sinks, in vehicles.",
		}),
		DroppedMass: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otm_routing_dropped_total",
			Help: "Mass and vehicles dropped by lenient routing, by destination link.",
		}, []string{"link"}),
		ActuatorPokes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otm_actuator_pokes_total",
			Help: "Actuator pokes, by actuator type.",
		}, []string{"type"}),
		LaneGroupLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otm_lanegroup_vehicles",
			Help: "Vehicles held by a lane group at the last sample.",
		}, []string{"link", "lanegroup"}),
	}
}

// WriteToTextfile writes the current values in the text exposition format.
func (t *Telemetry) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, t.Registry)
}
