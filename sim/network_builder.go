package sim

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// NodeSpec describes one input node.
type NodeSpec struct {
	ID NodeID
}

// LinkSpec describes one input link. Geometry 0 means no add-lanes.
// An empty Model defaults to the passthrough model.
type LinkSpec struct {
	ID        LinkID
	StartNode NodeID
	EndNode   NodeID
	Length    float64
	FullLanes int
	RoadParam int64
	Geometry  int64
	Model     ModelType
}

// LaneRange is an inclusive 1-based lane range. The zero value selects every lane.
type LaneRange struct {
	From int
	To   int
}

func (r LaneRange) resolve(numLanes int) (LaneRange, bool) {
	if r.From == 0 && r.To == 0 {
		return LaneRange{From: 1, To: numLanes}, true
	}
	return r, r.From >= 1 && r.From <= r.To && r.To <= numLanes
}

func (r LaneRange) contains(lane int) bool {
	return lane >= r.From && lane <= r.To
}

// RoadConnSpec describes an explicit road connection. InLanes are numbered
// at the downstream end of InLink, OutLanes at the upstream end of OutLink.
type RoadConnSpec struct {
	ID       RoadConnID
	InLink   LinkID
	InLanes  LaneRange
	OutLink  LinkID
	OutLanes LaneRange
}

// NetworkSpec is the raw topology input.
type NetworkSpec struct {
	Nodes           []NodeSpec
	Links           []LinkSpec
	Geometries      map[int64]*RoadGeometry
	RoadParams      map[int64]RoadParam
	RoadConnections []RoadConnSpec
}

// ModelFactory creates the model instance of one lane group.
type ModelFactory func(net *Network, link *Link, lg *LaneGroup) (LaneGroupModel, error)

// BuildEnv carries what construction needs beyond the topology itself.
type BuildEnv struct {
	// SimDt is the fixed step of the time-stepped models, in seconds.
	SimDt float64
	// Log receives configuration warnings. May be nil.
	Log *ErrorLog
	// NewModel instantiates lane group models. When nil only the topology is built.
	NewModel ModelFactory
}

type networkBuilder struct {
	spec NetworkSpec
	env  BuildEnv
	net  *Network

	// explicit and synthesized road connections, by start link
	rcsByLink map[LinkID][]*RoadConnection
	rcRanges  map[RoadConnID]LaneRange
}

// BuildNetwork derives nodes, links, lane groups and road connections from
// the raw input. Construction is all-or-nothing: on error the network is nil.
func BuildNetwork(spec NetworkSpec, env BuildEnv) (*Network, error) {
	if env.Log == nil {
		env.Log = &ErrorLog{}
	}
	b := &networkBuilder{
		spec: spec,
		env:  env,
		net: &Network{
			Nodes:           make(map[NodeID]*Node),
			Links:           make(map[LinkID]*Link),
			RoadConnections: make(map[RoadConnID]*RoadConnection),
		},
		rcsByLink: make(map[LinkID][]*RoadConnection),
		rcRanges:  make(map[RoadConnID]LaneRange),
	}
	steps := []func() error{
		b.addNodesAndLinks,
		b.assignModelTypes,
		b.setBoundaryFlags,
		b.addRoadConnections,
		b.synthesizeRoadConnections,
		b.partitionLanes,
		b.linkNeighbors,
		b.registerRoadConnections,
		b.mapOutLinks,
		b.createModels,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return b.net, nil
}

func (b *networkBuilder) addNodesAndLinks() error {
	net := b.net
	for _, ns := range b.spec.Nodes {
		if _, dup := net.Nodes[ns.ID]; dup {
			return errors.Errorf("duplicate node id %d", ns.ID)
		}
		net.Nodes[ns.ID] = &Node{ID: ns.ID}
		net.NodeOrder = append(net.NodeOrder, ns.ID)
	}
	for _, ls := range b.spec.Links {
		if _, dup := net.Links[ls.ID]; dup {
			return errors.Errorf("duplicate link id %d", ls.ID)
		}
		start, ok := net.Nodes[ls.StartNode]
		if !ok {
			return errors.Errorf("link %d: unknown start node %d", ls.ID, ls.StartNode)
		}
		end, ok := net.Nodes[ls.EndNode]
		if !ok {
			return errors.Errorf("link %d: unknown end node %d", ls.ID, ls.EndNode)
		}
		if ls.Length <= 0 {
			return errors.Errorf("link %d: length must be positive, got %v", ls.ID, ls.Length)
		}
		if ls.FullLanes < 1 {
			return errors.Errorf("link %d: needs at least one full lane, got %d", ls.ID, ls.FullLanes)
		}
		rp, ok := b.spec.RoadParams[ls.RoadParam]
		if !ok {
			return errors.Errorf("link %d: missing road parameters (id %d)", ls.ID, ls.RoadParam)
		}
		if err := rp.Validate(); err != nil {
			return errors.Wrapf(err, "link %d", ls.ID)
		}
		var geom *RoadGeometry
		if ls.Geometry != 0 {
			if geom, ok = b.spec.Geometries[ls.Geometry]; !ok {
				return errors.Errorf("link %d: unknown road geometry %d", ls.ID, ls.Geometry)
			}
		}
		link := &Link{
			ID:             ls.ID,
			StartNode:      ls.StartNode,
			EndNode:        ls.EndNode,
			ModelType:      ls.Model,
			Length:         ls.Length,
			FullLanes:      ls.FullLanes,
			Geometry:       geom,
			RoadParam:      rp,
			UpInLaneGroup:  NoLaneGroup,
			UpOutLaneGroup: NoLaneGroup,
		}
		net.Links[ls.ID] = link
		net.LinkOrder = append(net.LinkOrder, ls.ID)
		start.OutLinks = append(start.OutLinks, ls.ID)
		end.InLinks = append(end.InLinks, ls.ID)
	}
	return nil
}

func (b *networkBuilder) assignModelTypes() error {
	for _, id := range b.net.LinkOrder {
		link := b.net.Links[id]
		if !ValidModelTypes[link.ModelType] {
			return errors.Errorf("link %d: unknown model %q", id, link.ModelType)
		}
		if link.ModelType == "" {
			link.ModelType = ModelNone
			b.env.Log.Warnf("link %d has no model, using %q", id, ModelNone)
		}
		if (link.ModelType.IsMacro() || link.ModelType == ModelNewell) && b.env.SimDt <= 0 {
			return errors.Errorf("link %d: model %q requires a positive simulation dt", id, link.ModelType)
		}
		if link.ModelType.IsMacro() {
			b.net.MacroLinks = append(b.net.MacroLinks, id)
		}
	}
	return nil
}

func (b *networkBuilder) setBoundaryFlags() error {
	for _, id := range b.net.NodeOrder {
		node := b.net.Nodes[id]
		node.IsSource = len(node.InLinks) == 0
		node.IsSink = len(node.OutLinks) == 0
		node.IsMany2One = len(node.OutLinks) == 1
	}
	for _, id := range b.net.LinkOrder {
		link := b.net.Links[id]
		link.IsSource = len(b.net.Nodes[link.StartNode].InLinks) == 0
		link.IsSink = len(b.net.Nodes[link.EndNode].OutLinks) == 0
	}
	return nil
}

func (b *networkBuilder) addRoadConnections() error {
	for _, rs := range b.spec.RoadConnections {
		if _, dup := b.net.RoadConnections[rs.ID]; dup {
			return errors.Errorf("duplicate road connection id %d", rs.ID)
		}
		in, ok := b.net.Links[rs.InLink]
		if !ok {
			return errors.Errorf("road connection %d: unknown start link %d", rs.ID, rs.InLink)
		}
		out, ok := b.net.Links[rs.OutLink]
		if !ok {
			return errors.Errorf("road connection %d: unknown end link %d", rs.ID, rs.OutLink)
		}
		if in.EndNode != out.StartNode {
			return errors.Errorf("road connection %d: link %d ends at node %d but link %d starts at node %d",
				rs.ID, in.ID, in.EndNode, out.ID, out.StartNode)
		}
		inLanes, ok := rs.InLanes.resolve(in.NumDnLanes())
		if !ok {
			return errors.Errorf("road connection %d: lanes %d-%d outside link %d lanes 1-%d",
				rs.ID, rs.InLanes.From, rs.InLanes.To, in.ID, in.NumDnLanes())
		}
		outLanes, ok := rs.OutLanes.resolve(out.NumUpLanes())
		if !ok {
			return errors.Errorf("road connection %d: lanes %d-%d outside link %d lanes 1-%d",
				rs.ID, rs.OutLanes.From, rs.OutLanes.To, out.ID, out.NumUpLanes())
		}
		b.addRoadConnection(rs.ID, in, inLanes, out, outLanes)
	}
	for _, id := range b.net.LinkOrder {
		link := b.net.Links[id]
		if len(b.rcsByLink[id]) == 0 && len(b.net.Nodes[link.EndNode].OutLinks) > 1 {
			return errors.Errorf("link %d: end node %d has %d out links but no road connection leaves the link",
				id, link.EndNode, len(b.net.Nodes[link.EndNode].OutLinks))
		}
	}
	return nil
}

func (b *networkBuilder) addRoadConnection(id RoadConnID, in *Link, inLanes LaneRange, out *Link, outLanes LaneRange) {
	rc := &RoadConnection{
		ID:                 id,
		StartLink:          in.ID,
		StartFromLane:      inLanes.From,
		StartToLane:        inLanes.To,
		EndLink:            out.ID,
		EndFromLane:        outLanes.From,
		EndToLane:          outLanes.To,
		ExternalMaxFlowVps: inf,
	}
	b.net.RoadConnections[id] = rc
	b.rcsByLink[in.ID] = append(b.rcsByLink[in.ID], rc)
	b.rcRanges[id] = inLanes
}

// synthesizeRoadConnections gives every non-sink link without explicit
// connections one connection per existing side, to its single successor.
func (b *networkBuilder) synthesizeRoadConnections() error {
	var nextID RoadConnID
	for id := range b.net.RoadConnections {
		nextID = max(nextID, id)
	}
	for _, id := range b.net.LinkOrder {
		link := b.net.Links[id]
		if link.IsSink || len(b.rcsByLink[id]) > 0 {
			continue
		}
		out := b.net.Links[b.net.Nodes[link.EndNode].OutLinks[0]]
		outLanes := LaneRange{From: 1, To: out.NumUpLanes()}
		dnIn := link.Geometry.dnInLanes()
		sides := []LaneRange{
			{From: 1, To: dnIn},
			{From: dnIn + 1, To: dnIn + link.FullLanes},
			{From: dnIn + link.FullLanes + 1, To: link.NumDnLanes()},
		}
		for _, lanes := range sides {
			if lanes.To < lanes.From {
				continue
			}
			nextID++
			b.addRoadConnection(nextID, link, lanes, out, outLanes)
			logrus.Debugf("link %d: synthesized road connection %d lanes %d-%d to link %d",
				id, nextID, lanes.From, lanes.To, out.ID)
		}
	}
	return nil
}

// partitionLanes groups downstream lanes by the set of road connections
// that leave them. Upstream add-lanes become their own lane groups.
func (b *networkBuilder) partitionLanes() error {
	for _, id := range b.net.LinkOrder {
		link := b.net.Links[id]
		rcs := b.rcsByLink[id]

		type run struct {
			from, to int
			rcs      []RoadConnID
		}
		var runs []run
		seen := make(map[string]bool)
		prevKey := ""
		for lane := 1; lane <= link.NumDnLanes(); lane++ {
			var reach []RoadConnID
			for _, rc := range rcs {
				if b.rcRanges[rc.ID].contains(lane) {
					reach = append(reach, rc.ID)
				}
			}
			if len(reach) == 0 && !link.IsSink {
				return errors.Errorf("link %d: lane %d reaches no road connection", id, lane)
			}
			sort.Slice(reach, func(i, j int) bool { return reach[i] < reach[j] })
			key := fmt.Sprint(reach)
			if link.IsSink {
				// sinks have no connections; partition by side
				key = string(link.SideForDnLane(lane))
			}
			if len(runs) > 0 && key == prevKey {
				runs[len(runs)-1].to = lane
				continue
			}
			if seen[key] {
				return errors.Errorf("link %d: lanes reaching %v are not contiguous", id, reach)
			}
			seen[key] = true
			prevKey = key
			runs = append(runs, run{from: lane, to: lane, rcs: reach})
		}

		for _, r := range runs {
			side := link.SideForDnLane(r.from)
			if link.SideForDnLane(r.to) != side {
				return errors.Errorf("link %d: lane group over lanes %d-%d straddles sides %s and %s",
					id, r.from, r.to, side, link.SideForDnLane(r.to))
			}
			lg := b.newLaneGroup(link, side, FlowDn, dnSideLength(link, side), r.to-r.from+1, r.from)
			for _, rcID := range r.rcs {
				rc := b.net.RoadConnections[rcID]
				lg.OutRoadConns[rc.EndLink] = append(lg.OutRoadConns[rc.EndLink], rcID)
			}
			link.LaneGroups = append(link.LaneGroups, lg.ID)
		}

		if n := link.Geometry.upInLanes(); n > 0 {
			lg := b.newLaneGroup(link, SideIn, FlowUp, upSideLength(link, link.Geometry.UpIn), n, 1)
			link.UpInLaneGroup = lg.ID
		}
		if n := link.Geometry.upOutLanes(); n > 0 {
			start := link.Geometry.upInLanes() + link.FullLanes + 1
			lg := b.newLaneGroup(link, SideOut, FlowUp, upSideLength(link, link.Geometry.UpOut), n, start)
			link.UpOutLaneGroup = lg.ID
		}
	}
	return nil
}

func (b *networkBuilder) newLaneGroup(link *Link, side Side, dir FlowDirection, length float64, numLanes, startLane int) *LaneGroup {
	lg := newLaneGroup(LaneGroupID(len(b.net.LaneGroups)), link, side, dir, length, numLanes, startLane)
	b.net.LaneGroups = append(b.net.LaneGroups, lg)
	return lg
}

func dnSideLength(link *Link, side Side) float64 {
	var add *AddLanes
	if link.Geometry != nil {
		switch side {
		case SideIn:
			add = link.Geometry.DnIn
		case SideOut:
			add = link.Geometry.DnOut
		}
	}
	if add == nil || add.Length <= 0 || add.Length > link.Length {
		return link.Length
	}
	return add.Length
}

func upSideLength(link *Link, add *AddLanes) float64 {
	if add.Length <= 0 || add.Length > link.Length {
		return link.Length
	}
	return add.Length
}

// linkNeighbors chains downstream lane groups laterally and attaches the
// upstream add-lanes to the adjacent full lane group. Upstream add-lane
// groups exit through the connections of that full lane group.
func (b *networkBuilder) linkNeighbors() error {
	net := b.net
	for _, id := range net.LinkOrder {
		link := net.Links[id]
		for i := 1; i < len(link.LaneGroups); i++ {
			inner := net.LaneGroups[link.LaneGroups[i-1]]
			outer := net.LaneGroups[link.LaneGroups[i]]
			inner.NeighborOut = outer.ID
			outer.NeighborIn = inner.ID
		}
		if link.UpInLaneGroup != NoLaneGroup {
			up := net.LaneGroups[link.UpInLaneGroup]
			full := net.InnerFullLaneGroup(link)
			if full == nil {
				return errors.Errorf("link %d: no full lane group next to the inner upstream add-lane", id)
			}
			up.NeighborOut = full.ID
			full.NeighborUpIn = up.ID
			inheritRoadConns(up, full)
		}
		if link.UpOutLaneGroup != NoLaneGroup {
			up := net.LaneGroups[link.UpOutLaneGroup]
			full := net.OuterFullLaneGroup(link)
			if full == nil {
				return errors.Errorf("link %d: no full lane group next to the outer upstream add-lane", id)
			}
			up.NeighborIn = full.ID
			full.NeighborUpOut = up.ID
			inheritRoadConns(up, full)
		}
	}
	return nil
}

func inheritRoadConns(up, full *LaneGroup) {
	for next, rcs := range full.OutRoadConns {
		up.OutRoadConns[next] = append([]RoadConnID(nil), rcs...)
	}
}

// registerRoadConnections resolves lane ranges to lane groups and files each
// connection under the end node of its start link.
func (b *networkBuilder) registerRoadConnections() error {
	net := b.net
	ids := lo.Keys(net.RoadConnections)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rc := net.RoadConnections[id]
		start := net.Links[rc.StartLink]
		end := net.Links[rc.EndLink]
		for lane := rc.StartFromLane; lane <= rc.StartToLane; lane++ {
			lg := net.DnLaneGroupForLane(start, lane)
			if lg == nil {
				return errors.Errorf("road connection %d: lane %d of link %d has no lane group", id, lane, start.ID)
			}
			rc.InLaneGroups = append(rc.InLaneGroups, lg.ID)
		}
		for lane := rc.EndFromLane; lane <= rc.EndToLane; lane++ {
			lg := upLaneGroupForLane(net, end, lane)
			if lg == NoLaneGroup {
				return errors.Errorf("road connection %d: lane %d of link %d has no lane group", id, lane, end.ID)
			}
			rc.OutLaneGroups = append(rc.OutLaneGroups, lg)
		}
		rc.InLaneGroups = lo.Uniq(rc.InLaneGroups)
		rc.OutLaneGroups = lo.Uniq(rc.OutLaneGroups)
		node := net.Nodes[start.EndNode]
		node.RoadConnections = append(node.RoadConnections, id)
	}
	return nil
}

// upLaneGroupForLane maps a lane at the upstream end of link to its lane group.
func upLaneGroupForLane(net *Network, link *Link, lane int) LaneGroupID {
	upIn := link.Geometry.upInLanes()
	switch {
	case lane <= upIn:
		return link.UpInLaneGroup
	case lane <= upIn+link.FullLanes:
		if lg := net.DnLaneGroupForLane(link, link.Geometry.dnInLanes()+lane-upIn); lg != nil {
			return lg.ID
		}
		return NoLaneGroup
	default:
		return link.UpOutLaneGroup
	}
}

func (b *networkBuilder) mapOutLinks() error {
	net := b.net
	for _, id := range net.LinkOrder {
		link := net.Links[id]
		if link.IsSink {
			continue
		}
		link.OutLink2LaneGroups = make(map[LinkID][]LaneGroupID)
		for _, lg := range net.AllLinkLaneGroups(link) {
			if len(lg.OutRoadConns) == 0 {
				return errors.Errorf("link %d: %s reaches no downstream link", id, lg)
			}
			for _, next := range lg.ReachableLinks() {
				link.OutLink2LaneGroups[next] = append(link.OutLink2LaneGroups[next], lg.ID)
			}
		}
	}
	return nil
}

// createModels runs last so that cell construction sees final boundary flags.
func (b *networkBuilder) createModels() error {
	net := b.net
	for _, id := range net.NodeOrder {
		node := net.Nodes[id]
		if node.IsSink {
			continue
		}
		if lo.SomeBy(node.InLinks, func(l LinkID) bool { return net.Links[l].ModelType.IsMacro() }) {
			node.NodeModel = newNodeModel(net, node)
			net.MacroNodes = append(net.MacroNodes, id)
		}
	}
	sort.Slice(net.MacroNodes, func(i, j int) bool { return net.MacroNodes[i] < net.MacroNodes[j] })

	if b.env.NewModel == nil {
		return nil
	}
	for _, id := range net.LinkOrder {
		link := net.Links[id]
		for _, lg := range net.AllLinkLaneGroups(link) {
			m, err := b.env.NewModel(net, link, lg)
			if err != nil {
				return errors.Wrapf(err, "link %d: creating %s model", id, link.ModelType)
			}
			lg.Model = m
		}
	}
	for _, id := range net.MacroNodes {
		if err := net.Nodes[id].NodeModel.bind(net); err != nil {
			return errors.Wrapf(err, "node %d", id)
		}
	}
	return nil
}
