package scenario

import (
	"fmt"

	"github.com/Gorky8685/otm-sim/sim"
	"github.com/Gorky8685/otm-sim/sim/trace"
)

func (rp RoadParamSpec) toSim() sim.RoadParam {
	return sim.RoadParam{ID: rp.ID, CapacityVphpl: rp.Capacity, SpeedKph: rp.Speed, JamDensityVpkpl: rp.JamDensity}
}

func (a *AddLanesSpec) toSim(side sim.Side) *sim.AddLanes {
	if a == nil {
		return nil
	}
	return &sim.AddLanes{Side: side, Lanes: a.Lanes, Length: a.Length}
}

func laneRange(lanes []int) sim.LaneRange {
	if len(lanes) != 2 {
		return sim.LaneRange{}
	}
	return sim.LaneRange{From: lanes[0], To: lanes[1]}
}

func mode(s string) (sim.RoutingMode, sim.ConservationMode) {
	if s == "strict" {
		return sim.RoutingStrict, sim.ConservationStrict
	}
	return sim.RoutingLenient, sim.ConservationLenient
}

// ToSpec converts a validated scenario into the run description.
func (s *Scenario) ToSpec() (sim.ScenarioSpec, error) {
	routing, _ := mode(s.Routing)
	_, conservation := mode(s.Conservation)
	spec := sim.ScenarioSpec{
		SimDt:         s.SimDt,
		MaxCellLength: s.MaxCellLength,
		Seed:          s.Seed,
		Routing:       routing,
		Conservation:  conservation,
		Trace:         trace.TraceConfig{Level: trace.TraceLevel(s.Trace.Level), SampleDt: s.Trace.SampleDt},
		Network:       s.network(),
	}

	for _, c := range s.Commodities {
		spec.Commodities = append(spec.Commodities, sim.Commodity{ID: sim.CommodityID(c.ID), Name: c.Name, Pathfull: c.Pathfull})
	}
	for _, p := range s.Paths {
		path := sim.Path{ID: sim.PathID(p.ID)}
		for _, l := range p.Links {
			path.Links = append(path.Links, sim.LinkID(l))
		}
		spec.Paths = append(spec.Paths, path)
	}
	if len(s.Splits) > 0 {
		spec.Splits = make(sim.SplitRatios, len(s.Splits))
		for _, sp := range s.Splits {
			ratios := make(map[sim.LinkID]float64, len(sp.Ratios))
			for out, r := range sp.Ratios {
				ratios[sim.LinkID(out)] = r
			}
			spec.Splits[sim.SplitKey{Commodity: sim.CommodityID(sp.Commodity), LinkIn: sim.LinkID(sp.LinkIn)}] = ratios
		}
	}
	for _, d := range s.Demands {
		src := sim.SourceSpec{
			Link:      sim.LinkID(d.Link),
			Commodity: sim.CommodityID(d.Commodity),
			Profile:   sim.DemandProfile{Start: d.Start, Dt: d.Dt, Values: d.Values},
			Poisson:   d.Poisson,
		}
		if d.Path != nil {
			p := sim.PathID(*d.Path)
			src.Path = &p
		}
		spec.Sources = append(spec.Sources, src)
	}
	for _, a := range s.Actuators {
		as := sim.ActuatorSpec{
			ID:       sim.ActuatorID(a.ID),
			Type:     sim.ActuatorType(a.Type),
			Target:   sim.TargetType(a.Target),
			TargetID: a.TargetID,
			Lanes:    laneRange(a.Lanes),
			Dt:       a.Dt,
		}
		for _, ph := range a.Phases {
			ps := sim.PhaseSpec{ID: sim.PhaseID(ph.ID)}
			for _, rc := range ph.RoadConns {
				ps.RoadConns = append(ps.RoadConns, sim.RoadConnID(rc))
			}
			as.Phases = append(as.Phases, ps)
		}
		spec.Actuators = append(spec.Actuators, as)
	}

	roadParams := spec.Network.RoadParams
	for i, c := range s.Controllers {
		ctrl, err := c.toSim(roadParams)
		if err != nil {
			return sim.ScenarioSpec{}, fmt.Errorf("controller[%d]: %w", i, err)
		}
		spec.Controllers = append(spec.Controllers, ctrl)
	}
	return spec, nil
}

func (s *Scenario) network() sim.NetworkSpec {
	net := sim.NetworkSpec{
		RoadParams: make(map[int64]sim.RoadParam, len(s.RoadParams)),
		Geometries: make(map[int64]*sim.RoadGeometry, len(s.Geometries)),
	}
	for _, rp := range s.RoadParams {
		net.RoadParams[rp.ID] = rp.toSim()
	}
	for _, g := range s.Geometries {
		net.Geometries[g.ID] = &sim.RoadGeometry{
			ID:    g.ID,
			DnIn:  g.DnIn.toSim(sim.SideIn),
			DnOut: g.DnOut.toSim(sim.SideOut),
			UpIn:  g.UpIn.toSim(sim.SideIn),
			UpOut: g.UpOut.toSim(sim.SideOut),
		}
	}
	for _, id := range s.Nodes {
		net.Nodes = append(net.Nodes, sim.NodeSpec{ID: sim.NodeID(id)})
	}
	for _, l := range s.Links {
		net.Links = append(net.Links, sim.LinkSpec{
			ID:        sim.LinkID(l.ID),
			StartNode: sim.NodeID(l.StartNode),
			EndNode:   sim.NodeID(l.EndNode),
			Length:    l.Length,
			FullLanes: l.FullLanes,
			RoadParam: l.RoadParam,
			Geometry:  l.Geometry,
			Model:     sim.ModelType(l.Model),
		})
	}
	for _, rc := range s.RoadConns {
		net.RoadConnections = append(net.RoadConnections, sim.RoadConnSpec{
			ID:       sim.RoadConnID(rc.ID),
			InLink:   sim.LinkID(rc.InLink),
			InLanes:  laneRange(rc.InLanes),
			OutLink:  sim.LinkID(rc.OutLink),
			OutLanes: laneRange(rc.OutLanes),
		})
	}
	return net
}

func (cs CommandSpec) toSim(roadParams map[int64]sim.RoadParam) (sim.Command, error) {
	switch {
	case cs.Signal != nil:
		colors := make(map[sim.PhaseID]sim.SignalColor, len(cs.Signal))
		for phase, c := range cs.Signal {
			colors[sim.PhaseID(phase)] = sim.SignalColor(c)
		}
		return sim.SignalCommand{Colors: colors}, nil
	case cs.Capacity != nil:
		return sim.CapacityCommand{MaxFlowVph: *cs.Capacity}, nil
	case cs.RoadParam != nil:
		rp, ok := roadParams[*cs.RoadParam]
		if !ok {
			return nil, fmt.Errorf("unknown road_param %d", *cs.RoadParam)
		}
		return sim.FDCommand{RoadParam: rp}, nil
	}
	return nil, fmt.Errorf("command for actuator %d is empty", cs.Actuator)
}

func (c ControllerSpec) toSim(roadParams map[int64]sim.RoadParam) (sim.Controller, error) {
	switch c.Type {
	case "static":
		commands := make(map[sim.ActuatorID]sim.Command, len(c.Commands))
		for _, cs := range c.Commands {
			cmd, err := cs.toSim(roadParams)
			if err != nil {
				return nil, err
			}
			commands[sim.ActuatorID(cs.Actuator)] = cmd
		}
		return &sim.StaticController{Commands: commands}, nil
	case "schedule":
		entries := make([]sim.ScheduleEntry, 0, len(c.Commands))
		for _, cs := range c.Commands {
			cmd, err := cs.toSim(roadParams)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sim.ScheduleEntry{Time: cs.Time, Actuator: sim.ActuatorID(cs.Actuator), Command: cmd})
		}
		return sim.NewScheduleController(entries), nil
	}
	return nil, fmt.Errorf("unknown controller type %q", c.Type)
}
