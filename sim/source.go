package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// DemandProfile is a piecewise-constant demand in veh/hr. Values[i] holds
// from Start+i*Dt until the next step; the last value holds forever. A zero
// Dt means a single constant value.
type DemandProfile struct {
	Start  float64
	Dt     float64
	Values []float64
}

// RateAt returns the demand in veh/hr at time t.
func (p DemandProfile) RateAt(t float64) float64 {
	if len(p.Values) == 0 || t < p.Start {
		return 0
	}
	if p.Dt <= 0 {
		return p.Values[0]
	}
	i := int(math.Floor((t - p.Start) / p.Dt))
	i = lo.Clamp(i, 0, len(p.Values)-1)
	return p.Values[i]
}

// NextChange returns the first time after t at which the rate changes, or +Inf.
func (p DemandProfile) NextChange(t float64) float64 {
	if len(p.Values) == 0 {
		return inf
	}
	if t < p.Start {
		return p.Start
	}
	if p.Dt <= 0 {
		return inf
	}
	i := int(math.Floor((t-p.Start)/p.Dt)) + 1
	if i >= len(p.Values) {
		return inf
	}
	return p.Start + float64(i)*p.Dt
}

// SourceSpec describes one demand entering the network on a link.
type SourceSpec struct {
	Link      LinkID
	Commodity CommodityID
	// Path is set for pathfull commodities.
	Path    *PathID
	Profile DemandProfile
	// Poisson draws exponential headways instead of deterministic ones.
	Poisson bool
}

func (s SourceSpec) routeKey() RouteKey {
	if s.Path != nil {
		return RouteKey{Commodity: s.Commodity, PathOrLink: int64(*s.Path), IsPath: true}
	}
	return RouteKey{Commodity: s.Commodity, PathOrLink: int64(s.Link)}
}

// Source injects demand on its link. Cell-based links take fluid once per
// step; every other model takes whole vehicles.
type Source interface {
	Pokable
	// Backlog is the demand generated but not yet injected, in vehicles.
	Backlog() float64
	start(now float64) error
}

func newSource(env *Env, spec SourceSpec, rng *rand.Rand) (Source, error) {
	link, ok := env.Net.Links[spec.Link]
	if !ok {
		return nil, fmt.Errorf("source on unknown link %d", spec.Link)
	}
	if link.ModelType.IsMacro() {
		return &fluidSource{env: env, link: link, spec: spec, key: spec.routeKey()}, nil
	}
	return &vehicleSource{env: env, link: link, spec: spec, key: spec.routeKey(), rng: rng, nextArrival: inf}, nil
}

// linkSupply is the room left on the lane groups of link, in vehicles.
func linkSupply(env *Env, link *Link) float64 {
	total := 0.0
	for _, lg := range env.Net.AllLinkLaneGroups(link) {
		total += math.Max(0, lg.Model.Supply())
	}
	return total
}

// fluidSource adds rate*dt to a backlog each step and injects as much as
// the link can take.
type fluidSource struct {
	env     *Env
	link    *Link
	spec    SourceSpec
	key     RouteKey
	backlog float64
}

func (s *fluidSource) start(now float64) error {
	_, err := s.env.Dispatcher.Register(now, PrioritySource, s)
	return err
}

func (s *fluidSource) Backlog() float64 { return s.backlog }

func (s *fluidSource) Poke(d *Dispatcher, timestamp float64) error {
	s.backlog += s.spec.Profile.RateAt(timestamp) * s.env.SimDt / 3600
	amount := math.Min(s.backlog, linkSupply(s.env, s.link))
	if amount > 0 {
		s.backlog -= amount
		s.env.Metrics.FluidEntered += amount
		pkt := &LinkPacket{Fluid: map[RouteKey]float64{s.key: amount}}
		if err := s.env.Router.Route(timestamp, s.link.ID, pkt); err != nil {
			return fmt.Errorf("source on link %d: %w", s.link.ID, err)
		}
	}
	_, err := d.Register(timestamp+s.env.SimDt, PrioritySource, s)
	return err
}

// vehicleSource creates vehicles at arrival times and holds them in a FIFO
// until the link has room.
type vehicleSource struct {
	env  *Env
	link *Link
	spec SourceSpec
	key  RouteKey
	rng  *rand.Rand

	queue       VehicleQueue
	nextArrival float64
}

// sourceRetryDt is the wait before a blocked vehicle source tries again
// when the run has no step.
const sourceRetryDt = 1.0

func (s *vehicleSource) start(now float64) error {
	s.nextArrival = s.arrivalAfter(now)
	return s.scheduleNext(now)
}

func (s *vehicleSource) Backlog() float64 { return float64(s.queue.Len()) }

// arrivalAfter returns the next arrival time after t, skipping periods of
// zero demand.
func (s *vehicleSource) arrivalAfter(t float64) float64 {
	for !math.IsInf(t, 1) {
		rate := s.spec.Profile.RateAt(t)
		if rate <= 0 {
			t = s.spec.Profile.NextChange(t)
			continue
		}
		headway := 3600 / rate
		if s.spec.Poisson {
			headway = s.rng.ExpFloat64() * 3600 / rate
		}
		return t + headway
	}
	return inf
}

func (s *vehicleSource) scheduleNext(now float64) error {
	next := s.nextArrival
	if s.queue.Len() > 0 {
		retry := s.env.SimDt
		if retry <= 0 {
			retry = sourceRetryDt
		}
		next = math.Min(next, now+retry)
	}
	if math.IsInf(next, 1) {
		return nil
	}
	_, err := s.env.Dispatcher.Register(next, PrioritySource, s)
	return err
}

func (s *vehicleSource) Poke(d *Dispatcher, timestamp float64) error {
	for s.nextArrival <= timestamp {
		s.queue.Enqueue(NewVehicle(s.env.VehicleIDs, s.key), s.nextArrival)
		s.nextArrival = s.arrivalAfter(s.nextArrival)
	}
	for s.queue.Len() > 0 && linkSupply(s.env, s.link) >= 1 {
		v := s.queue.Dequeue()
		s.env.Metrics.VehiclesEntered++
		s.env.Telemetry.VehiclesEntered.WithLabelValues(strconv.FormatInt(int64(v.Commodity), 10)).Inc()
		if err := s.env.Router.Route(timestamp, s.link.ID, &LinkPacket{Vehicles: []*Vehicle{v}}); err != nil {
			return fmt.Errorf("source on link %d: %w", s.link.ID, err)
		}
	}
	if s.queue.Len() > 0 {
		logrus.Debugf("[t=%.3f] source on link %d holding %d vehicles", timestamp, s.link.ID, s.queue.Len())
	}
	return s.scheduleNext(timestamp)
}

// buildSources creates sources in link, commodity order. Each vehicle
// source draws from its own RNG stream.
func buildSources(env *Env, specs []SourceSpec, rng *PartitionedRNG) ([]Source, error) {
	ordered := append([]SourceSpec(nil), specs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Link != ordered[j].Link {
			return ordered[i].Link < ordered[j].Link
		}
		return ordered[i].Commodity < ordered[j].Commodity
	})
	out := make([]Source, 0, len(ordered))
	for i, spec := range ordered {
		s, err := newSource(env, spec, rng.ForSubsystem(SubsystemSource(i)))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
