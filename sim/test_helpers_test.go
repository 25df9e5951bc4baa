package sim

import (
	"math/rand"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

// TestMain keeps routing and source warnings out of test output.
// DEBUG_TESTS=1 restores them.
func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.ErrorLevel)
	}
	os.Exit(m.Run())
}

// testRoadParam is 1800 veh/hr/lane, 100 km/h, 150 veh/km/lane.
var testRoadParam = RoadParam{ID: 1, CapacityVphpl: 1800, SpeedKph: 100, JamDensityVpkpl: 150}

func testRoadParams() map[int64]RoadParam {
	return map[int64]RoadParam{1: testRoadParam}
}

// lineNetwork chains one link per model: link i runs from node i to node
// i+1. Every link is 1000 m long with the given number of lanes.
func lineNetwork(lanes int, models ...ModelType) NetworkSpec {
	spec := NetworkSpec{RoadParams: testRoadParams()}
	for i := range models {
		spec.Nodes = append(spec.Nodes, NodeSpec{ID: NodeID(i + 1)})
	}
	spec.Nodes = append(spec.Nodes, NodeSpec{ID: NodeID(len(models) + 1)})
	for i, m := range models {
		spec.Links = append(spec.Links, LinkSpec{
			ID: LinkID(i + 1), StartNode: NodeID(i + 1), EndNode: NodeID(i + 2),
			Length: 1000, FullLanes: lanes, RoadParam: 1, Model: m,
		})
	}
	return spec
}

// divergeNetwork is a 2-lane link 1 (node 1 to 2) whose lane 1 continues to
// link 2 and lane 2 to link 3. Links 2 and 3 are single-lane sinks.
func divergeNetwork(model ModelType) NetworkSpec {
	return NetworkSpec{
		Nodes: []NodeSpec{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}},
		Links: []LinkSpec{
			{ID: 1, StartNode: 1, EndNode: 2, Length: 1000, FullLanes: 2, RoadParam: 1, Model: model},
			{ID: 2, StartNode: 2, EndNode: 3, Length: 1000, FullLanes: 1, RoadParam: 1, Model: model},
			{ID: 3, StartNode: 2, EndNode: 4, Length: 1000, FullLanes: 1, RoadParam: 1, Model: model},
		},
		RoadParams: testRoadParams(),
		RoadConnections: []RoadConnSpec{
			{ID: 1, InLink: 1, InLanes: LaneRange{From: 1, To: 1}, OutLink: 2},
			{ID: 2, InLink: 1, InLanes: LaneRange{From: 2, To: 2}, OutLink: 3},
		},
	}
}

type testEnvOption func(*Env)

func withTrace(level trace.TraceLevel) testEnvOption {
	return func(env *Env) { env.Trace = trace.NewSimulationTrace(trace.TraceConfig{Level: level}) }
}

func withRouting(mode RoutingMode, paths map[PathID]*Path, splits SplitRatios) testEnvOption {
	return func(env *Env) {
		env.Router = NewRouter(env, paths, splits, rand.New(rand.NewSource(7)), mode)
	}
}

func withConservation(mode ConservationMode) testEnvOption {
	return func(env *Env) { env.Conservation = mode }
}

// newTestEnv builds spec with models and a strict router.
func newTestEnv(t *testing.T, spec NetworkSpec, dt float64, opts ...testEnvOption) *Env {
	t.Helper()
	env := &Env{
		Dispatcher:   NewDispatcher(0),
		VehicleIDs:   &VehicleIDGenerator{},
		SimDt:        dt,
		Conservation: ConservationStrict,
		Log:          &ErrorLog{},
		Metrics:      NewMetrics(),
		Telemetry:    NewTelemetry("test"),
	}
	net, err := BuildNetwork(spec, BuildEnv{SimDt: dt, Log: env.Log, NewModel: env.NewModel})
	require.NoError(t, err)
	env.Net = net
	env.Router = NewRouter(env, nil, nil, rand.New(rand.NewSource(7)), RoutingStrict)
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// linkKey is the route key of link-routed flow of commodity 1 heading to next.
func linkKey(next LinkID) RouteKey {
	return RouteKey{Commodity: 1, PathOrLink: int64(next)}
}

func newTestVehicles(env *Env, n int, key RouteKey) []*Vehicle {
	out := make([]*Vehicle, n)
	for i := range out {
		out[i] = NewVehicle(env.VehicleIDs, key)
	}
	return out
}

// exitOrder returns the ids of vehicles leaving link, in record order.
func exitOrder(st *trace.SimulationTrace, link LinkID) []int64 {
	var ids []int64
	for _, r := range st.Vehicles {
		if r.Kind == trace.VehicleExited && r.Link == int64(link) {
			ids = append(ids, r.VehicleID)
		}
	}
	return ids
}

func totalHeld(env *Env) float64 {
	total := 0.0
	for _, lg := range env.Net.LaneGroups {
		total += lg.Model.TotalVehicles()
	}
	return total
}
