package sim

import (
	"fmt"
	"math"
)

// ModelType tags the flow model family assigned to a link.
type ModelType string

const (
	ModelNone         ModelType = "none"
	ModelPointQueue   ModelType = "pq"
	ModelCTM          ModelType = "ctm"
	ModelCTMMultiNode ModelType = "mn"
	ModelNewell       ModelType = "newell"
)

// ValidModelTypes is the set of recognized model names. Empty means unspecified.
var ValidModelTypes = map[ModelType]bool{
	"": true, ModelNone: true, ModelPointQueue: true, ModelCTM: true, ModelCTMMultiNode: true, ModelNewell: true,
}

// IsMacro reports whether the model is cell based.
func (m ModelType) IsMacro() bool {
	return m == ModelCTM || m == ModelCTMMultiNode
}

// IsVehicle reports whether the model holds discrete vehicles.
func (m ModelType) IsVehicle() bool {
	return m == ModelPointQueue || m == ModelNewell
}

// Node is a graph vertex.
type Node struct {
	ID              NodeID
	InLinks         []LinkID
	OutLinks        []LinkID
	IsSource        bool
	IsSink          bool
	IsMany2One      bool
	RoadConnections []RoadConnID

	// NodeModel is set only on macroscopic interior nodes.
	NodeModel *NodeModel
}

// Link is a directed edge.
type Link struct {
	ID        LinkID
	StartNode NodeID
	EndNode   NodeID
	ModelType ModelType
	Length    float64 // meters
	FullLanes int
	Geometry  *RoadGeometry
	RoadParam RoadParam

	// LaneGroups are the downstream-flowing lane groups, ordered by start lane.
	LaneGroups []LaneGroupID
	// Upstream-side add-lane lane groups, or NoLaneGroup.
	UpInLaneGroup  LaneGroupID
	UpOutLaneGroup LaneGroupID

	// OutLink2LaneGroups maps every reachable downstream link to the local
	// lane groups that reach it. Nil on sinks.
	OutLink2LaneGroups map[LinkID][]LaneGroupID

	IsSource bool
	IsSink   bool
}

// NumDnLanes is the lane count at the downstream end.
func (l *Link) NumDnLanes() int {
	return l.Geometry.dnInLanes() + l.FullLanes + l.Geometry.dnOutLanes()
}

// NumUpLanes is the lane count at the upstream end.
func (l *Link) NumUpLanes() int {
	return l.Geometry.upInLanes() + l.FullLanes + l.Geometry.upOutLanes()
}

// SideForDnLane returns the geometric side of a downstream lane (1-based).
func (l *Link) SideForDnLane(lane int) Side {
	switch {
	case lane <= l.Geometry.dnInLanes():
		return SideIn
	case lane > l.Geometry.dnInLanes()+l.FullLanes:
		return SideOut
	default:
		return SideFull
	}
}

// LaneGroup is a set of adjacent lanes of one link sharing a side and a
// flow direction. It is the smallest unit of flow state.
type LaneGroup struct {
	ID        LaneGroupID
	Link      LinkID
	Side      Side
	FlowDir   FlowDirection
	StartLane int // first lane, in downstream numbering for FlowDn, upstream numbering for FlowUp
	NumLanes  int
	Length    float64

	// OutRoadConns maps each reachable downstream link to the road
	// connections leaving this lane group towards it.
	OutRoadConns map[LinkID][]RoadConnID

	NeighborIn    LaneGroupID
	NeighborOut   LaneGroupID
	NeighborUpIn  LaneGroupID
	NeighborUpOut LaneGroupID

	// MaxFlowVph caps the lane group's throughput; +Inf when not overridden.
	MaxFlowVph float64

	Model LaneGroupModel
}

func newLaneGroup(id LaneGroupID, link *Link, side Side, dir FlowDirection, length float64, numLanes, startLane int) *LaneGroup {
	return &LaneGroup{
		ID:            id,
		Link:          link.ID,
		Side:          side,
		FlowDir:       dir,
		StartLane:     startLane,
		NumLanes:      numLanes,
		Length:        length,
		OutRoadConns:  make(map[LinkID][]RoadConnID),
		NeighborIn:    NoLaneGroup,
		NeighborOut:   NoLaneGroup,
		NeighborUpIn:  NoLaneGroup,
		NeighborUpOut: NoLaneGroup,
		MaxFlowVph:    math.Inf(1),
	}
}

// EndLane returns the last lane of the group.
func (lg *LaneGroup) EndLane() int {
	return lg.StartLane + lg.NumLanes - 1
}

// CanReach reports whether flow in this lane group can enter link next.
func (lg *LaneGroup) CanReach(next LinkID) bool {
	_, ok := lg.OutRoadConns[next]
	return ok
}

// ReachableLinks returns the reachable downstream links in ascending order.
func (lg *LaneGroup) ReachableLinks() []LinkID {
	return sortedIDs(lg.OutRoadConns)
}

func (lg *LaneGroup) String() string {
	return fmt.Sprintf("lg%d(link %d, %s lanes %d-%d)", lg.ID, lg.Link, lg.Side, lg.StartLane, lg.EndLane())
}

// RoadConnection joins a lane range of one link to a lane range of the next.
type RoadConnection struct {
	ID            RoadConnID
	StartLink     LinkID
	StartFromLane int
	StartToLane   int
	EndLink       LinkID
	EndFromLane   int
	EndToLane     int

	InLaneGroups  []LaneGroupID
	OutLaneGroups []LaneGroupID

	// ExternalMaxFlowVps is the actuator-imposed cap; +Inf when unconstrained.
	ExternalMaxFlowVps float64
}

// Network exclusively owns the topology for one simulation run.
// Entities reference each other by id only.
type Network struct {
	Nodes           map[NodeID]*Node
	Links           map[LinkID]*Link
	LaneGroups      []*LaneGroup
	RoadConnections map[RoadConnID]*RoadConnection

	// Input order, used wherever iteration order must be deterministic.
	NodeOrder []NodeID
	LinkOrder []LinkID

	// MacroNodes are interior nodes with a NodeModel, ascending by id.
	MacroNodes []NodeID
	// MacroLinks are the cell-based links in input order.
	MacroLinks []LinkID
}

// LaneGroup returns the lane group with the given id.
func (n *Network) LaneGroup(id LaneGroupID) *LaneGroup {
	return n.LaneGroups[id]
}

// LinkLaneGroups returns the downstream-flowing lane groups of a link.
func (n *Network) LinkLaneGroups(link *Link) []*LaneGroup {
	out := make([]*LaneGroup, len(link.LaneGroups))
	for i, id := range link.LaneGroups {
		out[i] = n.LaneGroups[id]
	}
	return out
}

// AllLinkLaneGroups returns the downstream lane groups plus any
// upstream-side add-lane groups of a link.
func (n *Network) AllLinkLaneGroups(link *Link) []*LaneGroup {
	out := n.LinkLaneGroups(link)
	if link.UpInLaneGroup != NoLaneGroup {
		out = append(out, n.LaneGroups[link.UpInLaneGroup])
	}
	if link.UpOutLaneGroup != NoLaneGroup {
		out = append(out, n.LaneGroups[link.UpOutLaneGroup])
	}
	return out
}

// DnLaneGroupForLane returns the downstream lane group covering lane (1-based).
func (n *Network) DnLaneGroupForLane(link *Link, lane int) *LaneGroup {
	for _, id := range link.LaneGroups {
		lg := n.LaneGroups[id]
		if lane >= lg.StartLane && lane <= lg.EndLane() {
			return lg
		}
	}
	return nil
}

// InnerFullLaneGroup returns the full-side lane group with the lowest lanes.
func (n *Network) InnerFullLaneGroup(link *Link) *LaneGroup {
	return n.DnLaneGroupForLane(link, link.Geometry.dnInLanes()+1)
}

// OuterFullLaneGroup returns the full-side lane group with the highest lanes.
func (n *Network) OuterFullLaneGroup(link *Link) *LaneGroup {
	return n.DnLaneGroupForLane(link, link.Geometry.dnInLanes()+link.FullLanes)
}

// NextLinkFor resolves the link a route key leaves link towards.
// Sink links resolve to themselves.
func (n *Network) NextLinkFor(link *Link, key RouteKey, paths map[PathID]*Path) (LinkID, bool) {
	if link.IsSink {
		return link.ID, true
	}
	if !key.IsPath {
		return LinkID(key.PathOrLink), true
	}
	p, ok := paths[PathID(key.PathOrLink)]
	if !ok {
		return 0, false
	}
	return p.NextLink(link.ID)
}

func (n *Network) String() string {
	return fmt.Sprintf("%d nodes, %d links, %d lane groups, %d road connections",
		len(n.Nodes), len(n.Links), len(n.LaneGroups), len(n.RoadConnections))
}
