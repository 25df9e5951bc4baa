package sim

import (
	"fmt"
	"math"
)

// NodeModel resolves the flows crossing a node whose incoming links are
// cell based. Each road connection gets a fraction of its demand, limited
// by its external cap and by the supply of the lane groups it lands on;
// every upstream lane group then moves at the smallest fraction among its
// connections, so its flow stays first-in first-out.
type NodeModel struct {
	node NodeID
	// cell-based lane groups of the incoming links
	senders []LaneGroupID
	models  []*ctmLaneGroup

	// Results of the last resolution, for observation.
	LastDemand map[RoadConnID]float64
	LastFlow   map[RoadConnID]float64
	LastSupply float64
}

func newNodeModel(net *Network, node *Node) *NodeModel {
	nm := &NodeModel{node: node.ID}
	for _, id := range node.InLinks {
		link := net.Links[id]
		if !link.ModelType.IsMacro() {
			continue
		}
		for _, lg := range net.AllLinkLaneGroups(link) {
			nm.senders = append(nm.senders, lg.ID)
		}
	}
	return nm
}

// bind resolves the sender models once the lane group models exist.
func (nm *NodeModel) bind(net *Network) error {
	nm.models = make([]*ctmLaneGroup, len(nm.senders))
	for i, id := range nm.senders {
		m, ok := net.LaneGroups[id].Model.(*ctmLaneGroup)
		if !ok {
			return fmt.Errorf("lane group %d: node resolution needs a cell-based model, got %T", id, net.LaneGroups[id].Model)
		}
		nm.models[i] = m
	}
	return nil
}

// resolve runs the node's part of phase I and hands each sender its exits.
func (nm *NodeModel) resolve(env *Env) {
	net := env.Net
	dt := env.SimDt

	// S[lg][rc][key]: demand of each sender per road connection and route
	type rcDemand map[RoadConnID]map[RouteKey]float64
	S := make(map[LaneGroupID]rcDemand, len(nm.senders))
	D := make(map[RoadConnID]float64)
	for i, id := range nm.senders {
		m := nm.models[i]
		S[id] = make(rcDemand)
		for _, key := range sortedKeys(m.lastCell().demand) {
			d := m.lastCell().demand[key]
			if d <= 0 {
				continue
			}
			next, ok := env.Router.NextLink(m.link, key)
			if !ok {
				continue
			}
			// flow not in a lane group reaching next waits for a lane change
			rcs := m.lg.OutRoadConns[next]
			if len(rcs) == 0 {
				continue
			}
			share := d / float64(len(rcs))
			for _, rc := range rcs {
				if S[id][rc] == nil {
					S[id][rc] = make(map[RouteKey]float64)
				}
				S[id][rc][key] += share
				D[rc] += share
			}
		}
	}

	// demand placed on each receiving lane group
	rcIDs := sortedIDs(D)
	props := make(map[RoadConnID][]float64, len(D))
	load := make(map[LaneGroupID]float64)
	for _, rcID := range rcIDs {
		d := D[rcID]
		rc := net.RoadConnections[rcID]
		props[rcID] = LaneGroupProportions(net, rc.OutLaneGroups)
		for j, lg := range rc.OutLaneGroups {
			load[lg] += d * props[rcID][j]
		}
	}
	supply := make(map[LaneGroupID]float64, len(load))
	nm.LastSupply = 0
	for _, lg := range sortedIDs(load) {
		supply[lg] = math.Max(0, net.LaneGroups[lg].Model.Supply())
		nm.LastSupply += supply[lg]
	}

	alpha := make(map[RoadConnID]float64, len(D))
	for _, rcID := range rcIDs {
		d := D[rcID]
		rc := net.RoadConnections[rcID]
		a := 1.0
		if d > 0 {
			a = math.Min(a, rc.ExternalMaxFlowVps*dt/d)
			for j, lg := range rc.OutLaneGroups {
				if props[rcID][j] > 0 && load[lg] > 0 {
					a = math.Min(a, supply[lg]/load[lg])
				}
			}
		}
		alpha[rcID] = math.Max(0, a)
	}

	nm.LastDemand = D
	nm.LastFlow = make(map[RoadConnID]float64, len(D))
	for i, id := range nm.senders {
		m := nm.models[i]
		a := 1.0
		for rcID, byKey := range S[id] {
			if fluidTotal(byKey) > 0 {
				a = math.Min(a, alpha[rcID])
			}
		}
		for _, rcID := range sortedIDs(S[id]) {
			byKey := S[id][rcID]
			exit := make(map[RouteKey]float64, len(byKey))
			for _, key := range sortedKeys(byKey) {
				s := byKey[key]
				exit[key] = a * s
				nm.LastFlow[rcID] += a * s
			}
			m.exits[rcID] = exit
		}
	}
}

// TotalFlow returns the flow resolved in the last step over all connections.
func (nm *NodeModel) TotalFlow() float64 {
	total := 0.0
	for _, id := range sortedIDs(nm.LastFlow) {
		total += nm.LastFlow[id]
	}
	return total
}

// TotalDemand returns the demand seen in the last step over all connections.
func (nm *NodeModel) TotalDemand() float64 {
	total := 0.0
	for _, id := range sortedIDs(nm.LastDemand) {
		total += nm.LastDemand[id]
	}
	return total
}
