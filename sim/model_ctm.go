package sim

import (
	"fmt"
	"math"
)

// cell is one fixed-length segment of a cell-based lane group.
type cell struct {
	mass   map[RouteKey]float64
	demand map[RouteKey]float64 // per step, phase I
	supply float64              // per step, phase I
}

func newCell() *cell {
	return &cell{mass: make(map[RouteKey]float64), demand: make(map[RouteKey]float64)}
}

func (c *cell) total() float64 { return fluidTotal(c.mass) }

// ctmLaneGroup is the cell transmission model of one lane group. It moves
// flow only inside the network-wide macro step.
type ctmLaneGroup struct {
	env  *Env
	link *Link
	lg   *LaneGroup
	rp   RoadParam

	cells      []*cell
	cellLength float64

	// per cell, per step
	vf   float64 // free-flow fraction of a cell crossed per step
	fmax float64 // capacity, veh per step
	nmax float64 // jam mass, veh
	w    float64 // congestion wave fraction per step

	flows    []map[RouteKey]float64                // cell i to i+1
	exits    map[RoadConnID]map[RouteKey]float64   // set by the node model
	sinkExit map[RouteKey]float64

	stepStart float64
	received  float64
}

func newCTMLaneGroup(env *Env, link *Link, lg *LaneGroup, maxCellLength float64) *ctmLaneGroup {
	n := int(math.Max(1, math.Ceil(lg.Length/maxCellLength)))
	m := &ctmLaneGroup{
		env:        env,
		link:       link,
		lg:         lg,
		rp:         link.RoadParam,
		cells:      make([]*cell, n),
		cellLength: lg.Length / float64(n),
	}
	for i := range m.cells {
		m.cells[i] = newCell()
	}
	m.updateParams()
	m.computeDemandSupply()
	return m
}

func (m *ctmLaneGroup) updateParams() {
	dt := m.env.SimDt
	lanes := float64(m.lg.NumLanes)
	m.vf = math.Min(1, m.rp.SpeedMps()*dt/m.cellLength)
	m.fmax = m.rp.CapacityVphpl * lanes * dt / 3600
	m.nmax = m.rp.JamDensityVpkpl * lanes * m.cellLength / 1000
	critical := m.fmax / m.vf
	if m.nmax > critical {
		m.w = math.Min(1, m.fmax/(m.nmax-critical))
	} else {
		m.w = 1
	}
}

// exitCap is the lane group throughput cap per step.
func (m *ctmLaneGroup) exitCap() float64 {
	return m.lg.MaxFlowVph * m.env.SimDt / 3600
}

func (m *ctmLaneGroup) computeDemandSupply() {
	m.stepStart = m.TotalVehicles()
	m.received = 0
	last := len(m.cells) - 1
	for i, c := range m.cells {
		n := c.total()
		c.demand = make(map[RouteKey]float64, len(c.mass))
		c.supply = math.Max(0, math.Min(m.w*(m.nmax-n), m.fmax))
		if n <= 0 {
			continue
		}
		d := math.Min(m.vf*n, m.fmax)
		if i == last {
			d = math.Min(d, m.exitCap())
		}
		for key, mass := range c.mass {
			c.demand[key] = d * mass / n
		}
	}
}

// computeInternalFlows resolves cell-to-cell flows and, on sinks, the
// discharge of the last cell.
func (m *ctmLaneGroup) computeInternalFlows() {
	m.flows = make([]map[RouteKey]float64, len(m.cells)-1)
	for i := 0; i+1 < len(m.cells); i++ {
		up, dn := m.cells[i], m.cells[i+1]
		m.flows[i] = make(map[RouteKey]float64, len(up.demand))
		d := fluidTotal(up.demand)
		if d <= 0 {
			continue
		}
		ratio := math.Min(d, dn.supply) / d
		for key, dk := range up.demand {
			m.flows[i][key] = dk * ratio
		}
	}
	m.exits = make(map[RoadConnID]map[RouteKey]float64)
	m.sinkExit = nil
	if m.link.IsSink {
		m.sinkExit = make(map[RouteKey]float64)
		for key, dk := range m.lastCell().demand {
			m.sinkExit[key] = dk
		}
	}
}

func (m *ctmLaneGroup) lastCell() *cell { return m.cells[len(m.cells)-1] }

// ReceivePacket adds arriving mass to the first cell. Vehicles dissolve into fluid.
func (m *ctmLaneGroup) ReceivePacket(timestamp float64, p *LaneGroupPacket) error {
	first := m.cells[0]
	for key, mass := range p.Fluid {
		first.mass[key] += mass
		m.received += mass
	}
	for _, v := range p.Vehicles {
		first.mass[v.Key]++
		m.received++
	}
	return nil
}

// Demand is the last cell's sending flow in the current step.
func (m *ctmLaneGroup) Demand() float64 {
	return fluidTotal(m.lastCell().demand)
}

// Supply is the first cell's receiving flow left in the current step.
func (m *ctmLaneGroup) Supply() float64 {
	return math.Max(0, m.cells[0].supply-m.received)
}

// Space is the jam room of the first cell, net of what arrived this step.
func (m *ctmLaneGroup) Space() float64 {
	return math.Max(0, m.nmax-m.cells[0].total())
}

// Release is phase II for this lane group: it applies the flows resolved in
// phase I and sends exits through their road connections.
func (m *ctmLaneGroup) Release(timestamp float64) error {
	for i, flow := range m.flows {
		for _, key := range sortedKeys(flow) {
			f := flow[key]
			if err := m.take(i, key, f); err != nil {
				return err
			}
			m.cells[i+1].mass[key] += f
		}
	}
	last := len(m.cells) - 1
	sent := 0.0

	for _, id := range sortedIDs(m.exits) {
		pkt := &LinkPacket{Fluid: make(map[RouteKey]float64), ArriveTo: m.env.Net.RoadConnections[id].OutLaneGroups}
		for _, key := range sortedKeys(m.exits[id]) {
			f := m.exits[id][key]
			if f <= 0 {
				continue
			}
			if err := m.take(last, key, f); err != nil {
				return err
			}
			pkt.Fluid[key] += f
			sent += f
		}
		if pkt.IsEmpty() {
			continue
		}
		if err := m.env.Router.Route(timestamp, m.env.Net.RoadConnections[id].EndLink, pkt); err != nil {
			return err
		}
	}
	if m.sinkExit != nil {
		discharged := 0.0
		for _, key := range sortedKeys(m.sinkExit) {
			f := m.sinkExit[key]
			if err := m.take(last, key, f); err != nil {
				return err
			}
			discharged += f
		}
		sent += discharged
		m.env.fluidExitedNetwork(discharged)
	}
	m.flows, m.exits, m.sinkExit = nil, nil, nil

	where := fmt.Sprintf("link %d lane group %d", m.link.ID, m.lg.ID)
	return m.env.checkBalance(where, m.stepStart, m.received, sent, m.TotalVehicles())
}

// take removes f of key from cell i under the conservation mode.
func (m *ctmLaneGroup) take(i int, key RouteKey, f float64) error {
	c := m.cells[i]
	v, err := m.env.nonNegative(fmt.Sprintf("link %d lane group %d cell %d %s", m.link.ID, m.lg.ID, i, key), c.mass[key]-f)
	if err != nil {
		return err
	}
	if v <= 0 {
		delete(c.mass, key)
	} else {
		c.mass[key] = v
	}
	return nil
}

func (m *ctmLaneGroup) OnCapacityChanged(timestamp float64) error {
	m.updateParams()
	return nil
}

func (m *ctmLaneGroup) SetRoadParam(rp RoadParam) {
	m.rp = rp
	m.updateParams()
}

func (m *ctmLaneGroup) TotalVehicles() float64 {
	total := 0.0
	for _, c := range m.cells {
		total += c.total()
	}
	return total
}

func (m *ctmLaneGroup) VehiclesByRoute() map[RouteKey]float64 {
	out := make(map[RouteKey]float64)
	for _, c := range m.cells {
		for key, mass := range c.mass {
			out[key] += mass
		}
	}
	return out
}

// TravelTime sums cell traversal times on the triangular fundamental diagram.
func (m *ctmLaneGroup) TravelTime() (float64, error) {
	dt := m.env.SimDt
	critical := m.fmax / m.vf
	total := 0.0
	for _, c := range m.cells {
		n := c.total()
		if n <= critical {
			total += m.cellLength / m.rp.SpeedMps()
			continue
		}
		if n >= m.nmax {
			return inf, nil
		}
		// congested: speed = flow / density
		speed := m.w * (m.nmax - n) / n * m.cellLength / dt
		total += m.cellLength / speed
	}
	return total, nil
}

// CellMasses returns the mass of each cell, upstream first.
func (m *ctmLaneGroup) CellMasses() []float64 {
	out := make([]float64, len(m.cells))
	for i, c := range m.cells {
		out[i] = c.total()
	}
	return out
}

// laneChange moves mass that cannot reach its next link from its lane group
// towards a lane group that can, bounded by the receiving cell's supply.
// Cells of lane groups of different length are aligned at the downstream end.
func laneChange(env *Env, link *Link) {
	if len(link.LaneGroups) < 2 || link.IsSink {
		return
	}
	net := env.Net
	type move struct {
		from *cell
		to   *cell
		key  RouteKey
		mass float64
	}
	var moves []move
	wanted := make(map[*cell]float64)
	for idx, id := range link.LaneGroups {
		lg := net.LaneGroups[id]
		src := env.macroByLG[id]
		for _, key := range laneGroupKeys(src) {
			next, ok := env.Router.NextLink(link, key)
			if !ok || lg.CanReach(next) {
				continue
			}
			nbr := lg.NeighborOut
			for j := 0; j < idx; j++ {
				if net.LaneGroups[link.LaneGroups[j]].CanReach(next) {
					nbr = lg.NeighborIn
					break
				}
			}
			if nbr == NoLaneGroup {
				continue
			}
			dst := env.macroByLG[nbr]
			offset := len(dst.cells) - len(src.cells)
			for i, c := range src.cells {
				j := i + offset
				if j < 0 || j >= len(dst.cells) || c.mass[key] <= 0 {
					continue
				}
				moves = append(moves, move{from: c, to: dst.cells[j], key: key, mass: c.mass[key]})
				wanted[dst.cells[j]] += c.mass[key]
			}
		}
	}
	if len(moves) == 0 {
		return
	}
	scale := make(map[*cell]float64, len(wanted))
	for _, id := range link.LaneGroups {
		dst := env.macroByLG[id]
		for _, c := range dst.cells {
			if w := wanted[c]; w > 0 {
				room := math.Max(0, math.Min(dst.w*(dst.nmax-c.total()), dst.fmax))
				scale[c] = math.Min(1, room/w)
			}
		}
	}
	for _, mv := range moves {
		f := mv.mass * scale[mv.to]
		if f <= 0 {
			continue
		}
		mv.from.mass[mv.key] -= f
		if mv.from.mass[mv.key] <= 0 {
			delete(mv.from.mass, mv.key)
		}
		mv.to.mass[mv.key] += f
	}
}

func laneGroupKeys(m *ctmLaneGroup) []RouteKey {
	return sortedKeys(m.VehiclesByRoute())
}

// macroStep advances every cell-based lane group by one step: phase I
// (lane changes, demand and supply, node resolution) completes over the
// whole network before phase II (packet exchange, cell updates) starts.
type macroStep struct {
	env *Env
}

func (s *macroStep) Poke(d *Dispatcher, timestamp float64) error {
	env := s.env
	for _, id := range env.Net.MacroLinks {
		laneChange(env, env.Net.Links[id])
	}
	for _, m := range env.macro {
		m.computeDemandSupply()
	}
	for _, m := range env.macro {
		m.computeInternalFlows()
	}
	for _, id := range env.Net.MacroNodes {
		env.Net.Nodes[id].NodeModel.resolve(env)
	}

	for _, m := range env.macro {
		if err := m.Release(timestamp); err != nil {
			return err
		}
	}
	env.Metrics.MacroSteps++
	_, err := d.Register(timestamp+env.SimDt, PriorityMacroStep, s)
	return err
}
