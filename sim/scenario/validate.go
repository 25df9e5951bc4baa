package scenario

import (
	"math"

	"github.com/samber/lo"

	"github.com/Gorky8685/otm-sim/sim"
	"github.com/Gorky8685/otm-sim/sim/trace"
)

var validModes = map[string]bool{"strict": true, "lenient": true}

var validActuatorTypes = map[string]bool{
	string(sim.ActuatorSignal): true, string(sim.ActuatorCapacity): true, string(sim.ActuatorFD): true,
}

var validControllerTypes = map[string]bool{"static": true, "schedule": true}

// Validate checks the scenario for problems the network builder cannot
// see and reports all of them at once.
func (s *Scenario) Validate() error {
	log := &sim.ErrorLog{}
	s.validateRun(log)
	roadParams := s.validateRoadParams(log)
	s.validateTopology(log, roadParams)
	s.validateDemand(log)
	s.validateControl(log, roadParams)
	return log.Err()
}

func (s *Scenario) validateRun(log *sim.ErrorLog) {
	if s.SimDt < 0 || math.IsNaN(s.SimDt) || math.IsInf(s.SimDt, 0) {
		log.Errorf("sim_dt must be a finite non-negative number, got %v", s.SimDt)
	}
	if s.MaxCellLength < 0 {
		log.Errorf("max_cell_length must be non-negative, got %v", s.MaxCellLength)
	}
	if !validModes[s.Routing] {
		log.Errorf("unknown routing %q; valid: strict, lenient", s.Routing)
	}
	if !validModes[s.Conservation] {
		log.Errorf("unknown conservation %q; valid: strict, lenient", s.Conservation)
	}
	if !trace.IsValidTraceLevel(s.Trace.Level) {
		log.Errorf("unknown trace level %q; valid: none, vehicles, full", s.Trace.Level)
	}
	if s.Trace.SampleDt < 0 {
		log.Errorf("trace sample_dt must be non-negative, got %v", s.Trace.SampleDt)
	}
}

func (s *Scenario) validateRoadParams(log *sim.ErrorLog) map[int64]bool {
	seen := make(map[int64]bool, len(s.RoadParams))
	for _, rp := range s.RoadParams {
		if seen[rp.ID] {
			log.Errorf("duplicate road_params id %d", rp.ID)
		}
		seen[rp.ID] = true
		if err := rp.toSim().Validate(); err != nil {
			log.Errorf("%v", err)
		}
	}
	return seen
}

func (s *Scenario) validateTopology(log *sim.ErrorLog, roadParams map[int64]bool) {
	nodes := make(map[int64]bool, len(s.Nodes))
	for _, id := range s.Nodes {
		if nodes[id] {
			log.Errorf("duplicate node %d", id)
		}
		nodes[id] = true
	}
	geometries := lo.SliceToMap(s.Geometries, func(g GeometrySpec) (int64, bool) { return g.ID, true })
	links := make(map[int64]bool, len(s.Links))
	for _, l := range s.Links {
		if links[l.ID] {
			log.Errorf("duplicate link %d", l.ID)
		}
		links[l.ID] = true
		if !nodes[l.StartNode] || !nodes[l.EndNode] {
			log.Errorf("link %d: nodes %d and %d must both be declared", l.ID, l.StartNode, l.EndNode)
		}
		if l.Length <= 0 {
			log.Errorf("link %d: length must be positive, got %v", l.ID, l.Length)
		}
		if l.FullLanes < 1 {
			log.Errorf("link %d: full_lanes must be at least 1, got %d", l.ID, l.FullLanes)
		}
		if !roadParams[l.RoadParam] {
			log.Errorf("link %d: unknown road_param %d", l.ID, l.RoadParam)
		}
		if l.Geometry != 0 && !geometries[l.Geometry] {
			log.Errorf("link %d: unknown geometry %d", l.ID, l.Geometry)
		}
		if !sim.ValidModelTypes[sim.ModelType(l.Model)] {
			log.Errorf("link %d: unknown model %q; valid: none, pq, ctm, mn, newell", l.ID, l.Model)
		}
	}
	for _, rc := range s.RoadConns {
		if !links[rc.InLink] || !links[rc.OutLink] {
			log.Errorf("road connection %d: links %d and %d must both be declared", rc.ID, rc.InLink, rc.OutLink)
		}
		checkLanes(log, "road connection in_lanes", rc.ID, rc.InLanes)
		checkLanes(log, "road connection out_lanes", rc.ID, rc.OutLanes)
	}
	for _, p := range s.Paths {
		for _, id := range p.Links {
			if !links[id] {
				log.Errorf("path %d: unknown link %d", p.ID, id)
			}
		}
	}
	for _, sp := range s.Splits {
		if !links[sp.LinkIn] {
			log.Errorf("split for commodity %d: unknown link_in %d", sp.Commodity, sp.LinkIn)
		}
		for out, r := range sp.Ratios {
			if r < 0 || math.IsNaN(r) {
				log.Errorf("split for commodity %d on link %d: ratio to link %d must be non-negative", sp.Commodity, sp.LinkIn, out)
			}
		}
	}
}

func checkLanes(log *sim.ErrorLog, what string, id int64, lanes []int) {
	if len(lanes) != 0 && len(lanes) != 2 {
		log.Errorf("%s of %d must be [from, to], got %v", what, id, lanes)
	}
}

func (s *Scenario) validateDemand(log *sim.ErrorLog) {
	links := lo.SliceToMap(s.Links, func(l LinkSpec) (int64, bool) { return l.ID, true })
	for _, d := range s.Demands {
		if !links[d.Link] {
			log.Errorf("demand on unknown link %d", d.Link)
		}
		if len(d.Values) == 0 {
			log.Errorf("demand on link %d: values must not be empty", d.Link)
		}
		if d.Dt < 0 {
			log.Errorf("demand on link %d: dt must be non-negative, got %v", d.Link, d.Dt)
		}
		for _, v := range d.Values {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				log.Errorf("demand on link %d: rate must be finite and non-negative, got %v", d.Link, v)
				break
			}
		}
	}
}

func (s *Scenario) validateControl(log *sim.ErrorLog, roadParams map[int64]bool) {
	actuators := make(map[int64]bool, len(s.Actuators))
	for _, a := range s.Actuators {
		if actuators[a.ID] {
			log.Errorf("duplicate actuator %d", a.ID)
		}
		actuators[a.ID] = true
		if !validActuatorTypes[a.Type] {
			log.Errorf("actuator %d: unknown type %q; valid: signal, capacity, fd", a.ID, a.Type)
		}
		if a.Dt < 0 {
			log.Errorf("actuator %d: dt must be non-negative, got %v", a.ID, a.Dt)
		}
		checkLanes(log, "actuator lanes", a.ID, a.Lanes)
	}
	for i, c := range s.Controllers {
		if !validControllerTypes[c.Type] {
			log.Errorf("controller[%d]: unknown type %q; valid: static, schedule", i, c.Type)
		}
		static := make(map[int64]bool)
		for _, cmd := range c.Commands {
			if c.Type == "static" {
				if static[cmd.Actuator] {
					log.Errorf("controller[%d]: actuator %d has two static commands", i, cmd.Actuator)
				}
				static[cmd.Actuator] = true
			}
			set := lo.Count([]bool{cmd.Signal != nil, cmd.Capacity != nil, cmd.RoadParam != nil}, true)
			if set != 1 {
				log.Errorf("controller[%d]: command for actuator %d must set exactly one of signal, capacity_vph, road_param", i, cmd.Actuator)
			}
			for phase, color := range cmd.Signal {
				if !sim.SignalColor(color).IsValid() {
					log.Errorf("controller[%d]: phase %d color %q; valid: RED, YELLOW, GREEN, DARK", i, phase, color)
				}
			}
			if cmd.RoadParam != nil && !roadParams[*cmd.RoadParam] {
				log.Errorf("controller[%d]: unknown road_param %d", i, *cmd.RoadParam)
			}
			if cmd.Time < 0 {
				log.Errorf("controller[%d]: command time must be non-negative, got %v", i, cmd.Time)
			}
		}
	}
}
