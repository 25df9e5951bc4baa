package sim

import (
	"fmt"
	"math"
)

// newellModel steps every car-following lane group of the network at the
// simulation dt. Lane groups are updated in three full passes: new
// positions, boundary releases, headways.
type newellModel struct {
	env        *Env
	lanegroups []*newellLaneGroup
	byLG       map[LaneGroupID]*newellLaneGroup
}

func newNewellModel(env *Env) *newellModel {
	return &newellModel{env: env, byLG: make(map[LaneGroupID]*newellLaneGroup)}
}

func (nm *newellModel) add(link *Link, lg *LaneGroup) *newellLaneGroup {
	m := &newellLaneGroup{
		model:   nm,
		env:     nm.env,
		link:    link,
		lg:      lg,
		rp:      link.RoadParam,
		partial: make(partialVehicleMemory),
	}
	m.updateParams()
	nm.lanegroups = append(nm.lanegroups, m)
	nm.byLG[lg.ID] = m
	return m
}

func (nm *newellModel) Poke(d *Dispatcher, timestamp float64) error {
	for _, m := range nm.lanegroups {
		m.computeNewPositions()
	}
	for _, m := range nm.lanegroups {
		if err := m.Release(timestamp); err != nil {
			return err
		}
	}
	for _, m := range nm.lanegroups {
		m.updateHeadways()
	}
	_, err := d.Register(timestamp+nm.env.SimDt, PriorityVehicleModel, nm)
	return err
}

// tailPosition is the smallest vehicle position among the car-following
// lane groups of link.
func (nm *newellModel) tailPosition(link *Link) (float64, bool) {
	pos, found := inf, false
	for _, lg := range nm.env.Net.AllLinkLaneGroups(link) {
		m := nm.byLG[lg.ID]
		if m == nil || len(m.vehicles) == 0 {
			continue
		}
		pos = math.Min(pos, m.vehicles[len(m.vehicles)-1].Pos)
		found = true
	}
	return pos, found
}

// newellLaneGroup holds vehicles ordered downstream first.
type newellLaneGroup struct {
	model *newellModel
	env   *Env
	link  *Link
	lg    *LaneGroup
	rp    RoadParam

	vehicles []*Vehicle
	partial  partialVehicleMemory

	dv float64 // free-flow displacement per step, m
	dw float64 // jam spacing, m
	dc float64 // wave speed ratio per step
}

func (m *newellLaneGroup) updateParams() {
	dt := m.env.SimDt
	vf := m.rp.SpeedMps()
	q := m.rp.CapacityVphpl / 3600   // veh/s/lane
	kj := m.rp.JamDensityVpkpl / 1000 // veh/m/lane
	w := q / (kj - q/vf)
	m.dv = vf * dt
	m.dw = 1 / kj
	m.dc = w * dt / (m.dw + w*dt)
}

func (m *newellLaneGroup) computeNewPositions() {
	for _, v := range m.vehicles {
		dx := math.Min(m.dv, v.Headway-m.dw)
		dx = math.Min(dx, v.Headway*m.dc)
		v.NewPos = v.Pos + math.Max(dx, 0)
	}
}

// Release moves vehicles that crossed the downstream boundary to the next
// lane group. A vehicle that cannot go halves its remaining gap instead,
// and nobody behind it passes it.
func (m *newellLaneGroup) Release(timestamp float64) error {
	kept := m.vehicles[:0]
	limit := inf
	for _, v := range m.vehicles {
		v.NewPos = math.Min(v.NewPos, limit)
		if v.NewPos > m.lg.Length {
			gone, err := m.release(timestamp, v)
			if err != nil {
				return err
			}
			if gone {
				continue
			}
			v.NewPos = (v.Pos + m.lg.Length) / 2
		}
		v.Pos = v.NewPos
		limit = v.Pos
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.vehicles); i++ {
		m.vehicles[i] = nil
	}
	m.vehicles = kept
	return nil
}

func (m *newellLaneGroup) release(timestamp float64, v *Vehicle) (bool, error) {
	if m.link.IsSink {
		m.dropLeader(v, nil)
		m.env.vehicleExitedNetwork(timestamp, v, m.link.ID)
		return true, nil
	}
	next, ok := m.env.Router.NextLink(m.link, v.Key)
	if !ok {
		return false, fmt.Errorf("link %d: vehicle %d has no next link for %s", m.link.ID, v.ID, v.Key)
	}
	if !m.lg.CanReach(next) {
		return m.changeLane(v, next), nil
	}
	var best *RoadConnection
	space := -inf
	for _, id := range m.lg.OutRoadConns[next] {
		rc := m.env.Net.RoadConnections[id]
		if rc.ExternalMaxFlowVps <= 0 {
			continue
		}
		for _, out := range rc.OutLaneGroups {
			if s := m.env.Net.LaneGroups[out].Model.Space(); s > space {
				best, space = rc, s
			}
		}
	}
	if best == nil || space < 1 {
		return false, nil
	}
	v.Pos = v.NewPos - m.lg.Length
	v.NewPos = v.Pos
	m.dropLeader(v, m.env.Net.Links[best.EndLink])
	m.env.vehicleLeftLink(timestamp, v, m.link.ID)
	return true, m.env.Router.Route(timestamp, best.EndLink, &LinkPacket{Vehicles: []*Vehicle{v}, ArriveTo: best.OutLaneGroups})
}

// dropLeader clears the leader of followers that will not enter the link
// the leader is moving to.
func (m *newellLaneGroup) dropLeader(leader *Vehicle, to *Link) {
	for _, f := range m.vehicles {
		if f.Leader != leader {
			continue
		}
		if to == nil || to.ModelType != ModelNewell {
			f.Leader = nil
			continue
		}
		if next, ok := m.env.Router.NextLink(m.link, f.Key); !ok || next != to.ID {
			f.Leader = nil
		}
	}
}

// changeLane moves a vehicle at the boundary into the neighbor lane group
// towards its exit when that lane group has room. The caller drops it from
// this lane group when it returns true.
func (m *newellLaneGroup) changeLane(v *Vehicle, next LinkID) bool {
	target := m.model.byLG[lateralTowards(m.env.Net, m.link, m.lg, next)]
	if target == nil || target.Space() < 1 {
		return false
	}
	m.dropLeader(v, nil)
	v.Pos = math.Min(v.Pos, target.lg.Length)
	v.NewPos = v.Pos
	v.LaneGroup = target.lg.ID
	v.Leader = nil
	target.insertByPosition(v)
	return true
}

func (m *newellLaneGroup) insertByPosition(v *Vehicle) {
	i := 0
	for i < len(m.vehicles) && m.vehicles[i].Pos >= v.Pos {
		i++
	}
	m.vehicles = append(m.vehicles, nil)
	copy(m.vehicles[i+1:], m.vehicles[i:])
	m.vehicles[i] = v
}

// ReceivePacket places arriving vehicles at the upstream end, behind the
// current tail. Vehicles coming from a car-following lane group keep
// their overshoot.
func (m *newellLaneGroup) ReceivePacket(timestamp float64, p *LaneGroupPacket) error {
	vehicles := append(p.Vehicles, m.partial.materialize(p.Fluid, m.env.VehicleIDs)...)
	for _, v := range vehicles {
		pos := math.Max(0, v.Pos)
		var tail *Vehicle
		if n := len(m.vehicles); n > 0 {
			tail = m.vehicles[n-1]
			pos = math.Min(pos, tail.Pos)
		}
		v.Pos, v.NewPos = pos, pos
		v.LaneGroup = m.lg.ID
		v.WaitingForLaneChange = false
		v.Leader = tail
		m.env.vehicleEntered(timestamp, v, m.link.ID)
		m.vehicles = append(m.vehicles, v)
	}
	return nil
}

// updateHeadways recomputes every headway. The vehicle ahead in the lane
// group is the leader; the head keeps a leader that moved to the link it
// is heading for, and otherwise looks at that link's tail.
func (m *newellLaneGroup) updateHeadways() {
	for i, v := range m.vehicles {
		if i > 0 {
			v.Leader = m.vehicles[i-1]
			v.Headway = v.Leader.Pos - v.Pos
			continue
		}
		v.Headway = inf
		if m.link.IsSink {
			v.Leader = nil
			continue
		}
		next, ok := m.env.Router.NextLink(m.link, v.Key)
		if !ok {
			v.Leader = nil
			continue
		}
		if l := v.Leader; l != nil && l.LaneGroup != NoLaneGroup && m.env.Net.LaneGroups[l.LaneGroup].Link == next {
			v.Headway = l.Pos - v.Pos + m.lg.Length
			continue
		}
		v.Leader = nil
		if pos, found := m.model.tailPosition(m.env.Net.Links[next]); found {
			v.Headway = pos + m.lg.Length - v.Pos
		}
	}
}

// Demand counts vehicles whose next position is past the boundary.
func (m *newellLaneGroup) Demand() float64 {
	n := 0
	for _, v := range m.vehicles {
		if v.NewPos > m.lg.Length {
			n++
		}
	}
	return float64(n)
}

func (m *newellLaneGroup) Supply() float64 {
	return m.rp.JamDensityVpkpl*float64(m.lg.NumLanes)*m.lg.Length/1000 - m.TotalVehicles()
}

func (m *newellLaneGroup) Space() float64 { return m.Supply() }

func (m *newellLaneGroup) OnCapacityChanged(timestamp float64) error {
	return nil
}

func (m *newellLaneGroup) SetRoadParam(rp RoadParam) {
	m.rp = rp
	m.updateParams()
}

func (m *newellLaneGroup) TotalVehicles() float64 {
	return float64(len(m.vehicles)) + m.partial.total()
}

func (m *newellLaneGroup) VehiclesByRoute() map[RouteKey]float64 {
	out := make(map[RouteKey]float64)
	for _, v := range m.vehicles {
		out[v.Key]++
	}
	for key, f := range m.partial {
		out[key] += f
	}
	return out
}

func (m *newellLaneGroup) TravelTime() (float64, error) {
	return 0, fmt.Errorf("car-following travel time on link %d: %w", m.link.ID, ErrNotImplemented)
}

// Vehicles returns the vehicles, downstream first.
func (m *newellLaneGroup) Vehicles() []*Vehicle {
	return append([]*Vehicle(nil), m.vehicles...)
}
