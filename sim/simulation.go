// Implements the Simulation, which owns one run: the network built from a
// ScenarioSpec, the shared event queue and everything poked from it.

package sim

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

// ScenarioSpec is everything needed to build a run.
type ScenarioSpec struct {
	Network NetworkSpec

	// SimDt is the step of cell-based and car-following models, in seconds.
	SimDt         float64
	MaxCellLength float64

	Commodities []Commodity
	Paths       []Path
	Splits      SplitRatios
	Sources     []SourceSpec

	Actuators   []ActuatorSpec
	Controllers []Controller

	Seed         int64
	Routing      RoutingMode
	Conservation ConservationMode
	Trace        trace.TraceConfig
}

// Simulation is one run. It is not safe for concurrent use.
type Simulation struct {
	RunID string
	Env   *Env

	Commodities map[CommodityID]*Commodity
	Sources     []Source
	Actuators   map[ActuatorID]*Actuator
	Controllers []Controller

	rng         *PartitionedRNG
	initialized bool
}

// NewSimulation validates spec and builds the network, models, router,
// sources and actuators. Construction errors are fatal; warnings are kept
// in Env.Log.
func NewSimulation(spec ScenarioSpec) (*Simulation, error) {
	runID := uuid.NewString()
	log := &ErrorLog{}
	env := &Env{
		Dispatcher:    NewDispatcher(0),
		VehicleIDs:    &VehicleIDGenerator{},
		SimDt:         spec.SimDt,
		MaxCellLength: spec.MaxCellLength,
		Conservation:  spec.Conservation,
		Log:           log,
		Metrics:       NewMetrics(),
		Telemetry:     NewTelemetry(runID),
		Trace:         trace.NewSimulationTrace(spec.Trace),
	}
	s := &Simulation{
		RunID:       runID,
		Env:         env,
		Commodities: make(map[CommodityID]*Commodity),
		Actuators:   make(map[ActuatorID]*Actuator),
		Controllers: spec.Controllers,
		rng:         NewPartitionedRNG(NewSimulationKey(spec.Seed)),
	}

	net, err := BuildNetwork(spec.Network, BuildEnv{SimDt: spec.SimDt, Log: log, NewModel: env.NewModel})
	if err != nil {
		return nil, err
	}
	env.Net = net

	paths, err := s.addCommodities(spec)
	if err != nil {
		return nil, err
	}
	env.Router = NewRouter(env, paths, spec.Splits, s.rng.ForSubsystem(SubsystemSplits), spec.Routing)

	if s.Sources, err = buildSources(env, spec.Sources, s.rng); err != nil {
		return nil, err
	}
	for _, as := range spec.Actuators {
		if _, dup := s.Actuators[as.ID]; dup {
			return nil, fmt.Errorf("duplicate actuator %d", as.ID)
		}
		a, err := newActuator(env, as)
		if err != nil {
			return nil, err
		}
		if a != nil {
			s.Actuators[a.ID] = a
		}
	}
	for _, c := range s.Controllers {
		for _, id := range c.Actuators() {
			a, ok := s.Actuators[id]
			if !ok {
				log.Warnf("controller drives unknown or unresolved actuator %d", id)
				continue
			}
			a.Bind(c)
		}
	}
	if err := log.Err(); err != nil {
		return nil, err
	}
	logrus.Infof("[run %s] built %d nodes, %d links, %d lane groups, %d road connections",
		runID, len(net.Nodes), len(net.Links), len(net.LaneGroups), len(net.RoadConnections))
	return s, nil
}

// addCommodities checks commodities, paths and sources against the network
// and returns the path table.
func (s *Simulation) addCommodities(spec ScenarioSpec) (map[PathID]*Path, error) {
	net := s.Env.Net
	paths := make(map[PathID]*Path, len(spec.Paths))
	for i := range spec.Paths {
		p := &spec.Paths[i]
		if _, dup := paths[p.ID]; dup {
			return nil, fmt.Errorf("duplicate path %d", p.ID)
		}
		if len(p.Links) == 0 {
			return nil, fmt.Errorf("path %d has no links", p.ID)
		}
		for j, id := range p.Links {
			link, ok := net.Links[id]
			if !ok {
				return nil, fmt.Errorf("path %d: unknown link %d", p.ID, id)
			}
			if j > 0 && net.Links[p.Links[j-1]].EndNode != link.StartNode {
				return nil, fmt.Errorf("path %d: link %d does not follow link %d", p.ID, id, p.Links[j-1])
			}
		}
		paths[p.ID] = p
	}
	for i := range spec.Commodities {
		c := &spec.Commodities[i]
		if _, dup := s.Commodities[c.ID]; dup {
			return nil, fmt.Errorf("duplicate commodity %d", c.ID)
		}
		s.Commodities[c.ID] = c
	}
	for _, src := range spec.Sources {
		c, ok := s.Commodities[src.Commodity]
		if !ok {
			return nil, fmt.Errorf("source on link %d: unknown commodity %d", src.Link, src.Commodity)
		}
		switch {
		case c.Pathfull && src.Path == nil:
			return nil, fmt.Errorf("source on link %d: commodity %d needs a path", src.Link, c.ID)
		case src.Path != nil:
			p, ok := paths[*src.Path]
			if !ok {
				return nil, fmt.Errorf("source on link %d: unknown path %d", src.Link, *src.Path)
			}
			if p.Links[0] != src.Link {
				return nil, fmt.Errorf("source on link %d: path %d starts on link %d", src.Link, p.ID, p.Links[0])
			}
		}
	}
	return paths, nil
}

// Initialize sets the clock to start and registers the first poke of every
// self-scheduling element.
func (s *Simulation) Initialize(start float64) error {
	if s.initialized {
		return fmt.Errorf("run %s already initialized", s.RunID)
	}
	if math.IsNaN(start) || start < 0 {
		return fmt.Errorf("%w: start %v", ErrInvalidTimestamp, start)
	}
	env := s.Env
	env.Dispatcher = NewDispatcher(start)
	env.Dispatcher.OnFire = func(e *Event) {
		env.Telemetry.EventsFired.WithLabelValues(fmt.Sprintf("%T", e.Target)).Inc()
	}
	env.Metrics.SimStart = start
	env.Metrics.SimEnd = start

	if len(env.macro) > 0 {
		if _, err := env.Dispatcher.Register(start, PriorityMacroStep, &macroStep{env: env}); err != nil {
			return err
		}
	}
	if env.newell != nil {
		if _, err := env.Dispatcher.Register(start, PriorityVehicleModel, env.newell); err != nil {
			return err
		}
	}
	for _, m := range env.pq {
		if err := m.start(start); err != nil {
			return err
		}
	}
	for _, src := range s.Sources {
		if err := src.start(start); err != nil {
			return err
		}
	}
	ids := lo.Keys(s.Actuators)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := s.Actuators[id].start(start); err != nil {
			return err
		}
	}
	for _, c := range s.Controllers {
		if sc, ok := c.(*ScheduleController); ok {
			if err := sc.start(env.Dispatcher, start, s.Actuators); err != nil {
				return err
			}
		}
	}
	if env.Trace.SamplingEnabled() {
		if _, err := env.Dispatcher.Register(start, PrioritySample, PokeFunc(s.sample)); err != nil {
			return err
		}
	}
	s.initialized = true
	logrus.Infof("[run %s] initialized at t=%.1f", s.RunID, start)
	return nil
}

// Advance runs the events of the next duration seconds.
func (s *Simulation) Advance(duration float64) error {
	if !s.initialized {
		return fmt.Errorf("run %s advanced before Initialize", s.RunID)
	}
	if math.IsNaN(duration) || duration < 0 {
		return fmt.Errorf("%w: duration %v", ErrInvalidTimestamp, duration)
	}
	d := s.Env.Dispatcher
	err := d.Run(d.Now() + duration)
	s.collect()
	if err != nil {
		return fmt.Errorf("run %s: %w", s.RunID, err)
	}
	return nil
}

// Run initializes at start and advances by duration.
func (s *Simulation) Run(start, duration float64) error {
	if err := s.Initialize(start); err != nil {
		return err
	}
	if err := s.Advance(duration); err != nil {
		return err
	}
	logrus.Infof("[run %s] finished at t=%.1f after %d events", s.RunID, s.Env.Dispatcher.Now(), s.Env.Metrics.EventsFired)
	return nil
}

func (s *Simulation) collect() {
	m := s.Env.Metrics
	m.SimEnd = s.Env.Dispatcher.Now()
	m.EventsFired = s.Env.Dispatcher.Fired
	staleDelta := s.Env.Dispatcher.Stale - m.StaleEvents
	if staleDelta > 0 {
		s.Env.Telemetry.StaleEvents.Add(float64(staleDelta))
	}
	m.StaleEvents = s.Env.Dispatcher.Stale
	m.SourceBacklog = lo.SumBy(s.Sources, func(src Source) float64 { return src.Backlog() })
}

// LaneGroupState is a read-only view of one lane group.
type LaneGroupState struct {
	LaneGroup LaneGroupID
	Link      LinkID
	Model     ModelType
	Vehicles  float64
	ByRoute   map[RouteKey]float64
	Demand    float64
	Supply    float64
	Space     float64
}

// Snapshot returns the state of every lane group, ordered by id.
func (s *Simulation) Snapshot() []LaneGroupState {
	net := s.Env.Net
	out := make([]LaneGroupState, 0, len(net.LaneGroups))
	for _, lg := range net.LaneGroups {
		out = append(out, LaneGroupState{
			LaneGroup: lg.ID,
			Link:      lg.Link,
			Model:     net.Links[lg.Link].ModelType,
			Vehicles:  lg.Model.TotalVehicles(),
			ByRoute:   lg.Model.VehiclesByRoute(),
			Demand:    lg.Model.Demand(),
			Supply:    lg.Model.Supply(),
			Space:     lg.Model.Space(),
		})
	}
	return out
}

// LinkVehicles sums the vehicles held on a link.
func (s *Simulation) LinkVehicles(id LinkID) float64 {
	link, ok := s.Env.Net.Links[id]
	if !ok {
		return 0
	}
	return lo.SumBy(s.Env.Net.AllLinkLaneGroups(link), func(lg *LaneGroup) float64 { return lg.Model.TotalVehicles() })
}

// Actuator returns a resolved actuator by id.
func (s *Simulation) Actuator(id ActuatorID) (*Actuator, bool) {
	a, ok := s.Actuators[id]
	return a, ok
}

func (s *Simulation) sample(d *Dispatcher, timestamp float64) error {
	for _, st := range s.Snapshot() {
		byRoute := make(map[string]float64, len(st.ByRoute))
		for key, n := range st.ByRoute {
			byRoute[key.String()] = n
		}
		s.Env.Trace.RecordSample(trace.LaneGroupSample{
			Time:      timestamp,
			LaneGroup: int(st.LaneGroup),
			Link:      int64(st.Link),
			Vehicles:  st.Vehicles,
			Demand:    st.Demand,
			Supply:    st.Supply,
			ByRoute:   byRoute,
		})
		s.Env.Telemetry.LaneGroupLoad.WithLabelValues(
			strconv.FormatInt(int64(st.Link), 10), strconv.Itoa(int(st.LaneGroup)),
		).Set(st.Vehicles)
	}
	_, err := d.Register(timestamp+s.Env.Trace.Config.SampleDt, PrioritySample, PokeFunc(s.sample))
	return err
}
