package sim

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

func linkCommodity() []Commodity {
	return []Commodity{{ID: 1, Name: "cars"}}
}

func TestSimulation_UndersaturatedCorridorHasNoQueue(t *testing.T) {
	// GIVEN a 2-lane source link feeding a 2-lane sink at 1000 veh/hr
	spec := ScenarioSpec{
		Network:     lineNetwork(2, ModelCTM, ModelCTM),
		SimDt:       2,
		Commodities: linkCommodity(),
		Sources:     []SourceSpec{{Link: 1, Commodity: 1, Profile: DemandProfile{Values: []float64{1000}}}},
	}
	s, err := NewSimulation(spec)
	require.NoError(t, err)

	// WHEN an hour is simulated
	require.NoError(t, s.Run(0, 3600))

	// THEN the demand was served without a standing queue
	m := s.Env.Metrics
	assert.Less(t, m.SourceBacklog, 1.0)
	assert.InDelta(t, 1000, m.FluidEntered, 2)
	assert.Greater(t, m.FluidExited, 950.0)
	assert.Equal(t, 3600.0, m.SimEnd)

	// AND every cell of the sink is below critical density
	sink := s.Env.macroByLG[s.Env.Net.Links[2].LaneGroups[0]]
	critical := sink.fmax / sink.vf
	for i, n := range sink.CellMasses() {
		assert.Less(t, n, critical, "cell %d", i)
	}

	// AND mass is conserved
	assert.InDelta(t, m.FluidEntered, m.FluidExited+totalHeld(s.Env), 1e-6)
	assert.Zero(t, m.ConservationClamps)
}

func TestSimulation_MixedModelsConserveMass(t *testing.T) {
	// GIVEN a chain through every model family
	spec := ScenarioSpec{
		Network:     lineNetwork(1, ModelCTM, ModelPointQueue, ModelNewell, ModelNone),
		SimDt:       1,
		Commodities: linkCommodity(),
		Sources:     []SourceSpec{{Link: 1, Commodity: 1, Profile: DemandProfile{Values: []float64{600}}}},
		Trace:       trace.TraceConfig{Level: trace.TraceLevelVehicles},
	}
	s, err := NewSimulation(spec)
	require.NoError(t, err)

	// WHEN run for ten minutes
	require.NoError(t, s.Run(0, 600))

	// THEN vehicles made it through, and entered = exited + held
	m := s.Env.Metrics
	assert.Positive(t, m.VehiclesExited)
	assert.InDelta(t, m.FluidEntered, float64(m.VehiclesExited)+totalHeld(s.Env)+m.DroppedMass, 1e-6)
	assert.Equal(t, m.VehiclesExited, len(exitOrder(s.Env.Trace, 4)))
	assert.InDelta(t, s.LinkVehicles(2)+s.LinkVehicles(3)+s.LinkVehicles(1), totalHeld(s.Env), 1e-9)

	// AND telemetry agrees with the counters
	assert.Equal(t, float64(m.VehiclesExited), testutil.ToFloat64(s.Env.Telemetry.VehiclesExited.WithLabelValues("1")))
	assert.Equal(t, float64(m.EventsFired), sumEventsFired(t, s))
}

func TestSimulation_VehicleModelsFeedCellModel(t *testing.T) {
	for _, up := range []ModelType{ModelPointQueue, ModelNewell} {
		t.Run(string(up), func(t *testing.T) {
			// GIVEN a vehicle link feeding a cell-based sink at 1 s steps
			spec := ScenarioSpec{
				Network:     lineNetwork(1, up, ModelCTM),
				SimDt:       1,
				Commodities: linkCommodity(),
				Sources:     []SourceSpec{{Link: 1, Commodity: 1, Profile: DemandProfile{Values: []float64{600}}}},
			}
			s, err := NewSimulation(spec)
			require.NoError(t, err)

			// WHEN run for half an hour
			require.NoError(t, s.Run(0, 1800))

			// THEN vehicles crossed into the cell model and drained through it
			m := s.Env.Metrics
			assert.Greater(t, m.FluidExited, 200.0)
			assert.Less(t, s.LinkVehicles(1), 20.0)
			assert.Greater(t, s.LinkVehicles(2), 0.0)
			assert.InDelta(t, m.InNetwork(), totalHeld(s.Env), 1e-6)
			assert.Zero(t, m.ConservationClamps)
		})
	}
}

func sumEventsFired(t *testing.T, s *Simulation) float64 {
	t.Helper()
	families, err := s.Env.Telemetry.Registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != "otm_events_fired_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestSimulation_SignalScenarioFromSpec(t *testing.T) {
	spec := ScenarioSpec{
		Network:     mergeNetwork(ModelPointQueue),
		Commodities: linkCommodity(),
		Actuators:   []ActuatorSpec{signalSpec()},
		Controllers: []Controller{&StaticController{Commands: map[ActuatorID]Command{1: greenFor(1)}}},
	}
	s, err := NewSimulation(spec)
	require.NoError(t, err)
	a, ok := s.Actuator(1)
	require.True(t, ok)
	assert.False(t, a.Initialized())

	require.NoError(t, s.Run(10, 0))

	assert.True(t, a.Initialized())
	color, _ := a.PhaseColor(2)
	assert.Equal(t, Red, color)
	assert.Equal(t, 10.0, s.Env.Metrics.SimStart)
}

func TestSimulation_SamplesLaneGroups(t *testing.T) {
	spec := ScenarioSpec{
		Network:     lineNetwork(1, ModelPointQueue, ModelPointQueue),
		Commodities: linkCommodity(),
		Sources:     []SourceSpec{{Link: 1, Commodity: 1, Profile: DemandProfile{Values: []float64{720}}}},
		Trace:       trace.TraceConfig{Level: trace.TraceLevelFull, SampleDt: 30},
	}
	s, err := NewSimulation(spec)
	require.NoError(t, err)

	require.NoError(t, s.Run(0, 60))

	// samples at 0, 30 and 60 for both lane groups
	require.Len(t, s.Env.Trace.Samples, 6)
	last := s.Env.Trace.Samples[4]
	assert.Equal(t, 60.0, last.Time)
	assert.Equal(t, s.LinkVehicles(1), last.Vehicles)
	assert.Equal(t, last.Vehicles, testutil.ToFloat64(s.Env.Telemetry.LaneGroupLoad.WithLabelValues("1", "0")))
}

func TestSimulation_AdvanceInSteps(t *testing.T) {
	spec := ScenarioSpec{
		Network:     lineNetwork(1, ModelPointQueue, ModelPointQueue),
		Commodities: linkCommodity(),
		Sources:     []SourceSpec{{Link: 1, Commodity: 1, Profile: DemandProfile{Values: []float64{360}}}},
	}
	s, err := NewSimulation(spec)
	require.NoError(t, err)

	require.Error(t, s.Advance(10))
	require.NoError(t, s.Initialize(0))
	require.Error(t, s.Initialize(0))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Advance(20))
	}

	assert.Equal(t, 100.0, s.Env.Dispatcher.Now())
	assert.Equal(t, 10, s.Env.Metrics.VehiclesEntered)

	err = s.Advance(-1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTimestamp))
}

func TestNewSimulation_ConstructionErrors(t *testing.T) {
	path := PathID(1)
	badPath := PathID(2)
	tests := []struct {
		name   string
		mutate func(*ScenarioSpec)
		want   string
	}{
		{"unknown commodity", func(s *ScenarioSpec) { s.Sources[0].Commodity = 9 }, "unknown commodity 9"},
		{"pathfull without path", func(s *ScenarioSpec) { s.Commodities[0].Pathfull = true }, "needs a path"},
		{"unknown path", func(s *ScenarioSpec) { s.Sources[0].Path = &badPath }, "unknown path 2"},
		{"path on another link", func(s *ScenarioSpec) {
			s.Paths = []Path{{ID: 1, Links: []LinkID{2}}}
			s.Sources[0].Path = &path
		}, "starts on link 2"},
		{"broken path", func(s *ScenarioSpec) { s.Paths = []Path{{ID: 1, Links: []LinkID{2, 1}}} }, "does not follow"},
		{"empty path", func(s *ScenarioSpec) { s.Paths = []Path{{ID: 1}} }, "no links"},
		{"duplicate commodity", func(s *ScenarioSpec) { s.Commodities = append(s.Commodities, s.Commodities[0]) }, "duplicate commodity"},
		{"duplicate actuator", func(s *ScenarioSpec) {
			a := ActuatorSpec{ID: 3, Type: ActuatorCapacity, Target: TargetLink, TargetID: 1}
			s.Actuators = []ActuatorSpec{a, a}
		}, "duplicate actuator 3"},
		{"unknown actuator type", func(s *ScenarioSpec) {
			s.Actuators = []ActuatorSpec{{ID: 3, Type: "meter", Target: TargetLink, TargetID: 1}}
		}, "unknown type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := ScenarioSpec{
				Network:     lineNetwork(1, ModelPointQueue, ModelPointQueue),
				Commodities: linkCommodity(),
				Sources:     []SourceSpec{{Link: 1, Commodity: 1, Profile: DemandProfile{Values: []float64{100}}}},
			}
			tc.mutate(&spec)

			s, err := NewSimulation(spec)

			require.Error(t, err)
			assert.Nil(t, s)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewSimulation_UnknownActuatorOfControllerWarns(t *testing.T) {
	spec := ScenarioSpec{
		Network:     mergeNetwork(ModelPointQueue),
		Commodities: linkCommodity(),
		Controllers: []Controller{&StaticController{Commands: map[ActuatorID]Command{7: greenFor(1)}}},
	}

	s, err := NewSimulation(spec)

	require.NoError(t, err)
	assert.Len(t, s.Env.Log.Messages(LevelWarning), 1)
}
