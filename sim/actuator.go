package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ActuatorType selects what an actuator changes.
type ActuatorType string

const (
	ActuatorSignal   ActuatorType = "signal"
	ActuatorCapacity ActuatorType = "capacity"
	ActuatorFD       ActuatorType = "fd"
)

// TargetType names the kind of element an actuator acts on.
type TargetType string

const (
	TargetNode           TargetType = "node"
	TargetLink           TargetType = "link"
	TargetLaneGroups     TargetType = "lanegroups"
	TargetRoadConnection TargetType = "roadconnection"
)

// SignalColor is the indication shown by a signal phase.
type SignalColor string

const (
	Red    SignalColor = "RED"
	Yellow SignalColor = "YELLOW"
	Green  SignalColor = "GREEN"
	Dark   SignalColor = "DARK"
)

// IsValid reports whether c is one of the known colors.
func (c SignalColor) IsValid() bool {
	switch c {
	case Red, Yellow, Green, Dark:
		return true
	}
	return false
}

// maxFlowVps is the road connection cap a color imposes.
func (c SignalColor) maxFlowVps() float64 {
	if c == Red {
		return 0
	}
	return inf
}

// PhaseSpec is a signal phase and the road connections it controls.
type PhaseSpec struct {
	ID        PhaseID
	RoadConns []RoadConnID
}

// ActuatorSpec configures an actuator.
type ActuatorSpec struct {
	ID     ActuatorID
	Type   ActuatorType
	Target TargetType
	// TargetID is the node, link or road connection id. Lane group targets
	// name their link here and select lanes with Lanes.
	TargetID int64
	Lanes    LaneRange
	// Dt is the poke period in seconds. Zero picks the default for the
	// target's model.
	Dt     float64
	Phases []PhaseSpec
}

// Command is what a controller hands an actuator. It is one of
// SignalCommand, CapacityCommand or FDCommand.
type Command interface {
	isCommand()
}

// SignalCommand sets phase colors. Phases it omits go RED.
type SignalCommand struct {
	Colors map[PhaseID]SignalColor
}

// CapacityCommand caps throughput in veh/hr. +Inf lifts the cap.
type CapacityCommand struct {
	MaxFlowVph float64
}

// FDCommand replaces the fundamental diagram of the target links.
type FDCommand struct {
	RoadParam RoadParam
}

func (SignalCommand) isCommand()   {}
func (CapacityCommand) isCommand() {}
func (FDCommand) isCommand()       {}

// SignalPhase is the live state of a phase.
type SignalPhase struct {
	ID        PhaseID
	RoadConns []*RoadConnection
	Color     SignalColor
}

// Actuator applies commands from its controller to its target. It is
// uninitialized until start registers its first poke.
type Actuator struct {
	ID   ActuatorID
	Type ActuatorType
	// Dt is the poke period; zero means the actuator fires only when poked
	// by its controller.
	Dt float64

	env        *Env
	controller Controller

	links      []*Link
	laneGroups []*LaneGroup
	roadConns  []*RoadConnection
	phases     []*SignalPhase

	initialized bool
}

// newActuator resolves the target of spec. It returns nil, after a
// warning, when the target cannot be resolved; such an actuator never fires.
func newActuator(env *Env, spec ActuatorSpec) (*Actuator, error) {
	a := &Actuator{ID: spec.ID, Type: spec.Type, env: env}
	switch spec.Type {
	case ActuatorSignal, ActuatorCapacity, ActuatorFD:
	default:
		return nil, fmt.Errorf("actuator %d: unknown type %q", spec.ID, spec.Type)
	}
	if !a.resolveTarget(spec) {
		env.Log.Warnf("actuator %d: %s target %d cannot be resolved, it will not fire", spec.ID, spec.Target, spec.TargetID)
		return nil, nil
	}
	a.Dt = spec.Dt
	if a.Dt <= 0 && lo.SomeBy(a.links, func(l *Link) bool { return l.ModelType.IsMacro() }) {
		a.Dt = env.SimDt
	}
	return a, nil
}

func (a *Actuator) resolveTarget(spec ActuatorSpec) bool {
	net := a.env.Net
	switch {
	case spec.Type == ActuatorSignal:
		node, ok := net.Nodes[NodeID(spec.TargetID)]
		if spec.Target != TargetNode || !ok || len(spec.Phases) == 0 {
			return false
		}
		for _, ps := range spec.Phases {
			phase := &SignalPhase{ID: ps.ID, Color: Red}
			for _, id := range ps.RoadConns {
				rc, ok := net.RoadConnections[id]
				if !ok || net.Links[rc.StartLink].EndNode != node.ID {
					a.env.Log.Warnf("actuator %d phase %d: road connection %d is not at node %d", spec.ID, ps.ID, id, node.ID)
					continue
				}
				phase.RoadConns = append(phase.RoadConns, rc)
				a.addRoadConn(rc)
			}
			a.phases = append(a.phases, phase)
		}
		return len(a.roadConns) > 0
	case spec.Type == ActuatorFD:
		link, ok := net.Links[LinkID(spec.TargetID)]
		if spec.Target != TargetLink || !ok {
			return false
		}
		a.links = []*Link{link}
		a.laneGroups = net.AllLinkLaneGroups(link)
		return true
	case spec.Target == TargetLink:
		link, ok := net.Links[LinkID(spec.TargetID)]
		if !ok {
			return false
		}
		a.links = []*Link{link}
		a.laneGroups = net.AllLinkLaneGroups(link)
		return true
	case spec.Target == TargetLaneGroups:
		link, ok := net.Links[LinkID(spec.TargetID)]
		if !ok {
			return false
		}
		lanes, ok := spec.Lanes.resolve(link.NumDnLanes())
		if !ok {
			return false
		}
		for _, lg := range net.LinkLaneGroups(link) {
			if lg.StartLane <= lanes.To && lg.EndLane() >= lanes.From {
				a.laneGroups = append(a.laneGroups, lg)
			}
		}
		a.links = []*Link{link}
		return len(a.laneGroups) > 0
	case spec.Target == TargetRoadConnection:
		rc, ok := net.RoadConnections[RoadConnID(spec.TargetID)]
		if !ok {
			return false
		}
		a.addRoadConn(rc)
		return true
	}
	return false
}

func (a *Actuator) addRoadConn(rc *RoadConnection) {
	if lo.Contains(a.roadConns, rc) {
		return
	}
	a.roadConns = append(a.roadConns, rc)
	link := a.env.Net.Links[rc.StartLink]
	if !lo.Contains(a.links, link) {
		a.links = append(a.links, link)
	}
}

// Bind attaches the controller the actuator pulls commands from.
func (a *Actuator) Bind(c Controller) {
	a.controller = c
}

// Initialized reports whether the first poke was registered.
func (a *Actuator) Initialized() bool {
	return a.initialized
}

func (a *Actuator) start(now float64) error {
	a.initialized = true
	_, err := a.env.Dispatcher.Register(now, PriorityActuator, a)
	return err
}

// Poke fetches the controller's command and applies it. Without a
// controller or a command the actuator waits.
func (a *Actuator) Poke(d *Dispatcher, timestamp float64) error {
	a.env.Telemetry.ActuatorPokes.WithLabelValues(string(a.Type)).Inc()
	if a.controller != nil {
		if cmd, ok := a.controller.Command(a.ID, timestamp); ok {
			if err := a.Apply(timestamp, cmd); err != nil {
				return err
			}
		}
	}
	if a.Dt > 0 {
		_, err := d.Register(timestamp+a.Dt, PriorityActuator, a)
		return err
	}
	return nil
}

// Apply changes the target according to cmd and notifies the lane groups
// whose release limits changed.
func (a *Actuator) Apply(timestamp float64, cmd Command) error {
	var affected []*LaneGroup
	switch c := cmd.(type) {
	case SignalCommand:
		if a.Type != ActuatorSignal {
			return a.mismatch(cmd)
		}
		affected = a.applySignal(c)
	case CapacityCommand:
		if a.Type != ActuatorCapacity {
			return a.mismatch(cmd)
		}
		affected = a.applyCapacity(c)
	case FDCommand:
		if a.Type != ActuatorFD {
			return a.mismatch(cmd)
		}
		if err := c.RoadParam.Validate(); err != nil {
			return fmt.Errorf("actuator %d: %w", a.ID, err)
		}
		for _, link := range a.links {
			link.RoadParam = c.RoadParam
		}
		for _, lg := range a.laneGroups {
			lg.Model.SetRoadParam(c.RoadParam)
		}
		affected = a.laneGroups
	default:
		return a.mismatch(cmd)
	}
	logrus.Debugf("[t=%.3f] actuator %d applied %T to %d lane groups", timestamp, a.ID, cmd, len(affected))
	for _, lg := range affected {
		if err := lg.Model.OnCapacityChanged(timestamp); err != nil {
			return fmt.Errorf("actuator %d: lane group %d: %w", a.ID, lg.ID, err)
		}
	}
	return nil
}

func (a *Actuator) mismatch(cmd Command) error {
	return fmt.Errorf("actuator %d of type %s cannot apply %T", a.ID, a.Type, cmd)
}

func (a *Actuator) applySignal(c SignalCommand) []*LaneGroup {
	open := make(map[*RoadConnection]bool, len(a.roadConns))
	for _, phase := range a.phases {
		color, ok := c.Colors[phase.ID]
		if !ok || !color.IsValid() {
			color = Red
		}
		phase.Color = color
		for _, rc := range phase.RoadConns {
			open[rc] = open[rc] || color.maxFlowVps() > 0
		}
	}
	for _, rc := range a.roadConns {
		if open[rc] {
			rc.ExternalMaxFlowVps = Green.maxFlowVps()
		} else {
			rc.ExternalMaxFlowVps = Red.maxFlowVps()
		}
	}
	return a.upstreamOf(a.roadConns)
}

func (a *Actuator) applyCapacity(c CapacityCommand) []*LaneGroup {
	vph := math.Max(0, c.MaxFlowVph)
	if len(a.roadConns) > 0 {
		for _, rc := range a.roadConns {
			rc.ExternalMaxFlowVps = vph / 3600
		}
		return a.upstreamOf(a.roadConns)
	}
	for _, lg := range a.laneGroups {
		lg.MaxFlowVph = vph
	}
	return a.laneGroups
}

// upstreamOf returns the lane groups feeding rcs, ordered by id. Upstream
// add-lane groups count when they exit through one of rcs.
func (a *Actuator) upstreamOf(rcs []*RoadConnection) []*LaneGroup {
	net := a.env.Net
	var ids []LaneGroupID
	for _, rc := range rcs {
		ids = append(ids, rc.InLaneGroups...)
		for _, lg := range net.AllLinkLaneGroups(net.Links[rc.StartLink]) {
			if lg.FlowDir == FlowUp && lo.Contains(lg.OutRoadConns[rc.EndLink], rc.ID) {
				ids = append(ids, lg.ID)
			}
		}
	}
	ids = lo.Uniq(ids)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return lo.Map(ids, func(id LaneGroupID, _ int) *LaneGroup { return net.LaneGroups[id] })
}

// PhaseColor returns the current color of a phase.
func (a *Actuator) PhaseColor(id PhaseID) (SignalColor, bool) {
	for _, p := range a.phases {
		if p.ID == id {
			return p.Color, true
		}
	}
	return "", false
}

// LaneGroups returns the lane groups the actuator acts on directly.
func (a *Actuator) LaneGroups() []*LaneGroup {
	return a.laneGroups
}
