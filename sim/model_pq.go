package sim

import (
	"fmt"
	"math"
)

// pqLaneGroup is the point-queue model: vehicles spend a fixed free-flow
// transit time, then wait in a FIFO released at a capacity-bounded rate.
type pqLaneGroup struct {
	env  *Env
	link *Link
	lg   *LaneGroup
	rp   RoadParam

	transit VehicleQueue
	waiting VehicleQueue
	partial partialVehicleMemory

	transitTime   float64 // seconds
	saturationVps float64
	rateVps       float64

	// release pokes scheduled under an older generation are stale
	gen generation
}

func newPQLaneGroup(env *Env, link *Link, lg *LaneGroup) *pqLaneGroup {
	m := &pqLaneGroup{
		env:     env,
		link:    link,
		lg:      lg,
		rp:      link.RoadParam,
		partial: make(partialVehicleMemory),
	}
	m.updateParams()
	if env.pqByLG == nil {
		env.pqByLG = make(map[LaneGroupID]*pqLaneGroup)
	}
	env.pqByLG[lg.ID] = m
	env.pq = append(env.pq, m)
	return m
}

func (m *pqLaneGroup) updateParams() {
	m.transitTime = m.lg.Length / m.rp.SpeedMps()
	m.saturationVps = m.rp.CapacityVphpl * float64(m.lg.NumLanes) / 3600
	m.rateVps = m.currentRate()
}

// currentRate is the saturation rate capped by every exiting road
// connection and by the lane group override.
func (m *pqLaneGroup) currentRate() float64 {
	rate := math.Min(m.saturationVps, m.lg.MaxFlowVph/3600)
	for _, rcs := range m.lg.OutRoadConns {
		for _, id := range rcs {
			rate = math.Min(rate, m.env.Net.RoadConnections[id].ExternalMaxFlowVps)
		}
	}
	return math.Max(0, rate)
}

// start schedules the first release.
func (m *pqLaneGroup) start(now float64) error {
	return m.scheduleRelease(now, m.rateVps)
}

// scheduleRelease registers a release one period of rate after now.
// A zero rate schedules nothing; a capacity change restarts the cycle.
func (m *pqLaneGroup) scheduleRelease(now, rate float64) error {
	if rate <= 0 {
		return nil
	}
	g := m.gen
	_, err := m.env.Dispatcher.Register(now+1/rate, PriorityRelease, PokeFunc(func(d *Dispatcher, t float64) error {
		if g != m.gen {
			d.MarkStale()
			return nil
		}
		if err := m.scheduleRelease(t, m.rateVps); err != nil {
			return err
		}
		return m.Release(t)
	}))
	return err
}

// ReceivePacket puts arriving vehicles in transit. Fluid is materialized
// through the partial-vehicle memory.
func (m *pqLaneGroup) ReceivePacket(timestamp float64, p *LaneGroupPacket) error {
	vehicles := append(p.Vehicles, m.partial.materialize(p.Fluid, m.env.VehicleIDs)...)
	for _, v := range vehicles {
		m.admit(timestamp, v)
		m.transit.Enqueue(v, timestamp+m.transitTime)
		if _, err := m.env.Dispatcher.Register(timestamp+m.transitTime, PriorityTransit, PokeFunc(m.transitToWaiting)); err != nil {
			return err
		}
	}
	return nil
}

// admit takes ownership of v.
func (m *pqLaneGroup) admit(timestamp float64, v *Vehicle) {
	v.LaneGroup = m.lg.ID
	v.Pos, v.NewPos, v.Leader = 0, 0, nil
	v.Headway = inf
	v.WaitingForLaneChange = false
	if !m.link.IsSink {
		next, ok := m.env.Router.NextLink(m.link, v.Key)
		v.WaitingForLaneChange = ok && !m.lg.CanReach(next)
	}
	m.env.vehicleEntered(timestamp, v, m.link.ID)
}

func (m *pqLaneGroup) transitToWaiting(d *Dispatcher, timestamp float64) error {
	for {
		readyAt, ok := m.transit.PeekReadyAt()
		if !ok || readyAt > timestamp {
			return nil
		}
		v := m.transit.Dequeue()
		m.waiting.Enqueue(v, readyAt)
	}
}

// Release lets the head of the waiting queue go if it is not changing lanes
// and some lane group behind its road connection has room for it.
func (m *pqLaneGroup) Release(timestamp float64) error {
	v := m.waiting.Peek()
	if v == nil {
		return nil
	}
	if v.WaitingForLaneChange {
		m.changeLane(timestamp, v)
		return nil
	}
	if m.link.IsSink {
		m.waiting.Dequeue()
		m.env.vehicleExitedNetwork(timestamp, v, m.link.ID)
		return nil
	}
	next, ok := m.env.Router.NextLink(m.link, v.Key)
	if !ok {
		return fmt.Errorf("link %d: vehicle %d has no next link for %s", m.link.ID, v.ID, v.Key)
	}
	rc, space := m.bestRoadConn(next)
	if rc == nil || space < 1 {
		return nil
	}
	m.waiting.Dequeue()
	m.env.vehicleLeftLink(timestamp, v, m.link.ID)
	return m.env.Router.Route(timestamp, rc.EndLink, &LinkPacket{Vehicles: []*Vehicle{v}, ArriveTo: rc.OutLaneGroups})
}

// bestRoadConn returns the open road connection towards next whose
// receiving lane groups have the most room.
func (m *pqLaneGroup) bestRoadConn(next LinkID) (*RoadConnection, float64) {
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
	return best, space
}

// changeLane moves a blocked head vehicle one lane group towards its exit,
// into the back of that lane group's waiting queue. The cycle releases nothing.
func (m *pqLaneGroup) changeLane(timestamp float64, v *Vehicle) {
	next, ok := m.env.Router.NextLink(m.link, v.Key)
	if !ok {
		return
	}
	target := m.env.pqByLG[lateralTowards(m.env.Net, m.link, m.lg, next)]
	if target == nil || target.Space() < 1 {
		return
	}
	m.waiting.Dequeue()
	v.LaneGroup = target.lg.ID
	v.WaitingForLaneChange = !target.lg.CanReach(next)
	target.waiting.Enqueue(v, timestamp)
}

// lateralTowards returns the neighbor of lg on the side of the lane groups
// that reach next, or NoLaneGroup.
func lateralTowards(net *Network, link *Link, lg *LaneGroup, next LinkID) LaneGroupID {
	if lg.FlowDir == FlowUp {
		if lg.Side == SideIn {
			return lg.NeighborOut
		}
		return lg.NeighborIn
	}
	for _, id := range link.LaneGroups {
		other := net.LaneGroups[id]
		if other.CanReach(next) {
			if other.StartLane < lg.StartLane {
				return lg.NeighborIn
			}
			return lg.NeighborOut
		}
	}
	return NoLaneGroup
}

func (m *pqLaneGroup) Demand() float64 {
	return float64(m.waiting.Len())
}

func (m *pqLaneGroup) maxVehicles() float64 {
	return m.rp.JamDensityVpkpl * float64(m.lg.NumLanes) * m.lg.Length / 1000
}

func (m *pqLaneGroup) Supply() float64 {
	return m.maxVehicles() - m.TotalVehicles()
}

func (m *pqLaneGroup) Space() float64 { return m.Supply() }

// OnCapacityChanged recomputes the release rate and restarts the release
// cycle at twice the new rate.
func (m *pqLaneGroup) OnCapacityChanged(timestamp float64) error {
	m.rateVps = m.currentRate()
	m.gen.bump()
	return m.scheduleRelease(timestamp, 2*m.rateVps)
}

func (m *pqLaneGroup) SetRoadParam(rp RoadParam) {
	m.rp = rp
	m.updateParams()
}

func (m *pqLaneGroup) TotalVehicles() float64 {
	return float64(m.transit.Len()+m.waiting.Len()) + m.partial.total()
}

func (m *pqLaneGroup) VehiclesByRoute() map[RouteKey]float64 {
	out := make(map[RouteKey]float64)
	for _, q := range []*VehicleQueue{&m.transit, &m.waiting} {
		for _, v := range q.Vehicles() {
			out[v.Key]++
		}
	}
	for key, f := range m.partial {
		out[key] += f
	}
	return out
}

// TravelTime is the transit time plus the time to drain the waiting queue.
func (m *pqLaneGroup) TravelTime() (float64, error) {
	if m.rateVps <= 0 {
		if m.waiting.Len() > 0 {
			return inf, nil
		}
		return m.transitTime, nil
	}
	return m.transitTime + float64(m.waiting.Len())/m.rateVps, nil
}

// WaitingVehicles returns the waiting queue, head first.
func (m *pqLaneGroup) WaitingVehicles() []*Vehicle {
	return m.waiting.Vehicles()
}

// TransitVehicles returns the transit queue, head first.
func (m *pqLaneGroup) TransitVehicles() []*Vehicle {
	return m.transit.Vehicles()
}
