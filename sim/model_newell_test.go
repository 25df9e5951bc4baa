package sim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

// newellLine is two single-lane car-following links stepped at 1 s.
func newellLine(t *testing.T) (*Env, *newellLaneGroup) {
	t.Helper()
	env := newTestEnv(t, lineNetwork(1, ModelNewell, ModelNewell), 1, withTrace(trace.TraceLevelVehicles))
	return env, env.newell.byLG[env.Net.Links[1].LaneGroups[0]]
}

func TestNewell_LoneVehicleMovesAtFreeFlow(t *testing.T) {
	// GIVEN one vehicle on an empty link
	env, m := newellLine(t)
	require.NoError(t, env.Router.Route(0, 1, &LinkPacket{Vehicles: newTestVehicles(env, 1, linkKey(1))}))
	v := m.Vehicles()[0]
	assert.Equal(t, 0.0, v.Pos)

	// WHEN the model steps
	require.NoError(t, env.newell.Poke(env.Dispatcher, 0))

	// THEN nothing is ahead of it and it advanced exactly vf*dt
	assert.True(t, math.IsInf(v.Headway, 1))
	assert.Nil(t, v.Leader)
	assert.InDelta(t, m.dv, v.Pos, 1e-9)
	assert.InDelta(t, testRoadParam.SpeedMps(), m.dv, 1e-9)

	require.NoError(t, env.newell.Poke(env.Dispatcher, 1))
	assert.InDelta(t, 2*m.dv, v.Pos, 1e-9)
}

func TestNewell_FollowerNeverOvertakes(t *testing.T) {
	// GIVEN two vehicles entering together
	env, m := newellLine(t)
	require.NoError(t, env.Router.Route(0, 1, &LinkPacket{Vehicles: newTestVehicles(env, 2, linkKey(1))}))
	vs := m.Vehicles()
	leader, follower := vs[0], vs[1]
	assert.Same(t, leader, follower.Leader)

	// WHEN stepped until the leader nears the end of the link
	for step := 0; step < 30; step++ {
		require.NoError(t, env.newell.Poke(env.Dispatcher, float64(step)))

		// THEN the follower stays behind and its headway is the gap
		require.LessOrEqual(t, follower.Pos, leader.Pos)
		assert.InDelta(t, leader.Pos-follower.Pos, follower.Headway, 1e-9)
	}

	// AND it moved less than free flow once it had a leader
	assert.Less(t, follower.Pos, leader.Pos)
	assert.Positive(t, follower.Pos)
}

func TestNewell_CrossesToSinkAndExits(t *testing.T) {
	env, m := newellLine(t)
	require.NoError(t, env.Router.Route(0, 1, &LinkPacket{Vehicles: newTestVehicles(env, 1, linkKey(1))}))
	_, err := env.Dispatcher.Register(0, PriorityVehicleModel, env.newell)
	require.NoError(t, err)

	require.NoError(t, env.Dispatcher.Run(100))

	assert.Zero(t, m.TotalVehicles())
	assert.Equal(t, []int64{1}, exitOrder(env.Trace, 1))
	assert.Equal(t, []int64{1}, exitOrder(env.Trace, 2))
	assert.Equal(t, 1, env.Metrics.VehiclesExited)
	assert.Zero(t, totalHeld(env))
}

func TestNewell_ClosedConnectionHoldsAtBoundary(t *testing.T) {
	// GIVEN a closed exit
	env, m := newellLine(t)
	for _, rc := range env.Net.RoadConnections {
		rc.ExternalMaxFlowVps = 0
	}
	require.NoError(t, env.Router.Route(0, 1, &LinkPacket{Vehicles: newTestVehicles(env, 1, linkKey(1))}))
	_, err := env.Dispatcher.Register(0, PriorityVehicleModel, env.newell)
	require.NoError(t, err)

	// WHEN run well past the free-flow crossing time
	require.NoError(t, env.Dispatcher.Run(100))

	// THEN the vehicle creeps up to the boundary without crossing
	require.Len(t, m.Vehicles(), 1)
	v := m.Vehicles()[0]
	assert.LessOrEqual(t, v.Pos, m.lg.Length)
	assert.Greater(t, v.Pos, m.lg.Length-1)
	assert.Empty(t, exitOrder(env.Trace, 1))
}

func TestNewell_FluidMaterializesWholeVehicles(t *testing.T) {
	_, m := newellLine(t)

	require.NoError(t, m.ReceivePacket(0, &LaneGroupPacket{Fluid: map[RouteKey]float64{linkKey(2): 1.75}}))

	assert.Len(t, m.Vehicles(), 1)
	assert.InDelta(t, 1.75, m.TotalVehicles(), 1e-12)
	assert.InDelta(t, 150-1.75, m.Supply(), 1e-9)
	assert.Equal(t, m.Supply(), m.Space())
}

func TestNewell_TravelTimeNotImplemented(t *testing.T) {
	_, m := newellLine(t)

	_, err := m.TravelTime()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))
}
