package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildNetwork_TwoRoadConnectionsSplitLanes(t *testing.T) {
	// GIVEN a 2-lane link whose lanes go to two different downstream links
	spec := divergeNetwork(ModelPointQueue)

	// WHEN the network is built
	net, err := BuildNetwork(spec, BuildEnv{})
	require.NoError(t, err)

	// THEN the link has exactly two lane groups, each reaching one link only
	link := net.Links[1]
	require.Len(t, link.LaneGroups, 2)
	first, second := net.LaneGroups[link.LaneGroups[0]], net.LaneGroups[link.LaneGroups[1]]
	assert.Equal(t, []LinkID{2}, first.ReachableLinks())
	assert.Equal(t, []LinkID{3}, second.ReachableLinks())
	assert.Equal(t, []LaneGroupID{first.ID}, link.OutLink2LaneGroups[2])
	assert.Equal(t, []LaneGroupID{second.ID}, link.OutLink2LaneGroups[3])

	// AND the road connections resolve to those lane groups
	assert.Equal(t, []LaneGroupID{first.ID}, net.RoadConnections[1].InLaneGroups)
	assert.Equal(t, []LaneGroupID{second.ID}, net.RoadConnections[2].InLaneGroups)
	assert.Equal(t, []LaneGroupID{net.Links[2].LaneGroups[0]}, net.RoadConnections[1].OutLaneGroups)

	// AND neighbors are linked
	assert.Equal(t, second.ID, first.NeighborOut)
	assert.Equal(t, first.ID, second.NeighborIn)
	assert.Equal(t, NoLaneGroup, first.NeighborIn)
}

func TestBuildNetwork_LanePartitionCoversEveryLaneOnce(t *testing.T) {
	// GIVEN links with and without downstream add-lanes
	spec := lineNetwork(2, ModelPointQueue, ModelPointQueue)
	spec.Geometries = map[int64]*RoadGeometry{
		7: {ID: 7, DnIn: &AddLanes{Side: SideIn, Lanes: 1, Length: 200}, DnOut: &AddLanes{Side: SideOut, Lanes: 2, Length: 150}},
	}
	spec.Links[0].Geometry = 7

	net, err := BuildNetwork(spec, BuildEnv{})
	require.NoError(t, err)

	for _, id := range net.LinkOrder {
		link := net.Links[id]
		// THEN every downstream lane belongs to exactly one lane group
		seen := make(map[int]int)
		for _, lg := range net.LinkLaneGroups(link) {
			for lane := lg.StartLane; lane <= lg.EndLane(); lane++ {
				seen[lane]++
			}
		}
		require.Len(t, seen, link.NumDnLanes(), "link %d", id)
		for lane, n := range seen {
			assert.Equal(t, 1, n, "link %d lane %d", id, lane)
		}
	}

	// AND the add-lane link is split by side with the add-lane lengths
	lgs := net.LinkLaneGroups(net.Links[1])
	require.Len(t, lgs, 3)
	assert.Equal(t, []Side{SideIn, SideFull, SideOut}, []Side{lgs[0].Side, lgs[1].Side, lgs[2].Side})
	assert.Equal(t, []int{1, 2, 2}, []int{lgs[0].NumLanes, lgs[1].NumLanes, lgs[2].NumLanes})
	assert.Equal(t, 200.0, lgs[0].Length)
	assert.Equal(t, 1000.0, lgs[1].Length)
	assert.Equal(t, 150.0, lgs[2].Length)
}

func TestBuildNetwork_UpstreamAddLaneInheritsConnections(t *testing.T) {
	// GIVEN a link with an inner upstream add-lane
	spec := lineNetwork(2, ModelPointQueue, ModelPointQueue)
	spec.Geometries = map[int64]*RoadGeometry{
		3: {ID: 3, UpIn: &AddLanes{Side: SideIn, Lanes: 1, Length: 300}},
	}
	spec.Links[0].Geometry = 3

	net, err := BuildNetwork(spec, BuildEnv{})
	require.NoError(t, err)

	// THEN it is a separate upstream lane group next to the inner full lanes
	link := net.Links[1]
	require.NotEqual(t, NoLaneGroup, link.UpInLaneGroup)
	up := net.LaneGroups[link.UpInLaneGroup]
	full := net.InnerFullLaneGroup(link)
	assert.Equal(t, FlowUp, up.FlowDir)
	assert.Equal(t, 300.0, up.Length)
	assert.Equal(t, full.ID, up.NeighborOut)
	assert.Equal(t, up.ID, full.NeighborUpIn)

	// AND it exits through the full lanes' connections
	assert.Equal(t, full.OutRoadConns, up.OutRoadConns)
	assert.Contains(t, link.OutLink2LaneGroups[2], up.ID)
}

func TestBuildNetwork_SynthesizedConnectionIDsFollowExplicitOnes(t *testing.T) {
	// GIVEN a diverge with explicit connections 1 and 2 and a line after link 2
	spec := divergeNetwork(ModelPointQueue)
	spec.Nodes = append(spec.Nodes, NodeSpec{ID: 5})
	spec.Links = append(spec.Links, LinkSpec{ID: 4, StartNode: 3, EndNode: 5, Length: 500, FullLanes: 1, RoadParam: 1, Model: ModelPointQueue})

	net, err := BuildNetwork(spec, BuildEnv{})
	require.NoError(t, err)

	// THEN link 2 gets a synthesized connection numbered after the explicit ones
	rc, ok := net.RoadConnections[3]
	require.True(t, ok)
	assert.Equal(t, LinkID(2), rc.StartLink)
	assert.Equal(t, LinkID(4), rc.EndLink)
}

func TestBuildNetwork_MacroNodesGetNodeModels(t *testing.T) {
	spec := lineNetwork(1, ModelCTM, ModelCTM, ModelPointQueue)
	env := &Env{SimDt: 2, Metrics: NewMetrics(), Telemetry: NewTelemetry("test")}

	net, err := BuildNetwork(spec, BuildEnv{SimDt: 2, NewModel: env.NewModel})
	require.NoError(t, err)

	// node 1 is a source, nodes 2 and 3 follow cell-based links, node 4 is a sink
	assert.Equal(t, []NodeID{2, 3}, net.MacroNodes)
	assert.Nil(t, net.Nodes[1].NodeModel)
	assert.NotNil(t, net.Nodes[3].NodeModel)
	assert.Equal(t, []LinkID{1, 2}, net.MacroLinks)
	for _, lg := range net.LaneGroups {
		assert.NotNil(t, lg.Model, "lane group %d", lg.ID)
	}
}

func TestBuildNetwork_EmptyModelWarnsAndPassesThrough(t *testing.T) {
	spec := lineNetwork(1, "")
	log := &ErrorLog{}

	net, err := BuildNetwork(spec, BuildEnv{Log: log})
	require.NoError(t, err)

	assert.Equal(t, ModelNone, net.Links[1].ModelType)
	assert.Len(t, log.Messages(LevelWarning), 1)
	assert.False(t, log.HasErrors())
}

func TestBuildNetwork_ConstructionErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NetworkSpec)
		dt     float64
		want   string
	}{
		{
			name:   "duplicate link",
			mutate: func(s *NetworkSpec) { s.Links = append(s.Links, s.Links[0]) },
			want:   "duplicate link id 1",
		},
		{
			name:   "missing road params",
			mutate: func(s *NetworkSpec) { s.Links[0].RoadParam = 9 },
			want:   "missing road parameters",
		},
		{
			name:   "cell model without dt",
			mutate: func(s *NetworkSpec) { s.Links[0].Model = ModelCTM },
			want:   "requires a positive simulation dt",
		},
		{
			name:   "unknown model",
			mutate: func(s *NetworkSpec) { s.Links[0].Model = "lwr" },
			want:   "unknown model",
		},
		{
			name:   "diverge without connections",
			mutate: func(s *NetworkSpec) { s.RoadConnections = nil },
			want:   "no road connection leaves the link",
		},
		{
			name: "connection across nodes",
			mutate: func(s *NetworkSpec) {
				s.RoadConnections[0].InLink = 2
			},
			want: "ends at node 3",
		},
		{
			name: "lane outside link",
			mutate: func(s *NetworkSpec) {
				s.RoadConnections[1].InLanes = LaneRange{From: 2, To: 3}
			},
			want: "outside link 1",
		},
		{
			name: "lane without connection",
			mutate: func(s *NetworkSpec) {
				s.RoadConnections = s.RoadConnections[:1]
			},
			want: "lane 2 reaches no road connection",
		},
		{
			name:   "duplicate node",
			mutate: func(s *NetworkSpec) { s.Nodes = append(s.Nodes, NodeSpec{ID: 1}) },
			want:   "duplicate node id 1",
		},
		{
			name: "lane group straddling sides",
			mutate: func(s *NetworkSpec) {
				s.Geometries = map[int64]*RoadGeometry{
					5: {ID: 5, DnIn: &AddLanes{Side: SideIn, Lanes: 1, Length: 200}},
				}
				s.Links[0].Geometry = 5
				s.RoadConnections[0].InLanes = LaneRange{From: 1, To: 2}
				s.RoadConnections[1].InLanes = LaneRange{From: 3, To: 3}
			},
			want: "lane group over lanes 1-2 straddles sides in and full",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := divergeNetwork(ModelPointQueue)
			tc.mutate(&spec)
			net, err := BuildNetwork(spec, BuildEnv{SimDt: tc.dt})
			require.Error(t, err)
			assert.Nil(t, net)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBuildNetwork_NonContiguousLanesRejected(t *testing.T) {
	// GIVEN lanes 1-3 going to link 2 and lane 2 also going to link 3
	spec := divergeNetwork(ModelPointQueue)
	spec.Links[0].FullLanes = 3
	spec.RoadConnections = []RoadConnSpec{
		{ID: 1, InLink: 1, InLanes: LaneRange{From: 1, To: 3}, OutLink: 2},
		{ID: 2, InLink: 1, InLanes: LaneRange{From: 2, To: 2}, OutLink: 3},
	}

	_, err := BuildNetwork(spec, BuildEnv{})

	// THEN lanes 1 and 3 share a connection set but are not adjacent
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contiguous")
}

func TestBuildNetwork_OverlappingConnectionsShareLaneGroups(t *testing.T) {
	// GIVEN lane 2 of 3 feeding both downstream links
	spec := divergeNetwork(ModelPointQueue)
	spec.Links[0].FullLanes = 3
	spec.RoadConnections = []RoadConnSpec{
		{ID: 1, InLink: 1, InLanes: LaneRange{From: 1, To: 2}, OutLink: 2},
		{ID: 2, InLink: 1, InLanes: LaneRange{From: 2, To: 3}, OutLink: 3},
	}

	net, err := BuildNetwork(spec, BuildEnv{})
	require.NoError(t, err)

	// THEN three lane groups: left only, shared, right only
	lgs := net.LinkLaneGroups(net.Links[1])
	require.Len(t, lgs, 3)
	assert.Equal(t, []LinkID{2}, lgs[0].ReachableLinks())
	assert.Equal(t, []LinkID{2, 3}, lgs[1].ReachableLinks())
	assert.Equal(t, []LinkID{3}, lgs[2].ReachableLinks())
	assert.Equal(t, []LaneGroupID{lgs[0].ID, lgs[1].ID}, net.Links[1].OutLink2LaneGroups[2])
}
