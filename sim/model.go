package sim

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

var inf = math.Inf(1)

// LaneGroupModel is the flow state and transition logic of one lane group.
// Each link picks its implementation once, at construction.
type LaneGroupModel interface {
	// ReceivePacket accepts flow routed to this lane group.
	ReceivePacket(timestamp float64, p *LaneGroupPacket) error
	// Demand is what the lane group wants to send downstream, in vehicles
	// (per step for time-stepped models).
	Demand() float64
	// Supply is the room left for arrivals, in vehicles (per step for
	// time-stepped models). The node model balances flows against it.
	Supply() float64
	// Space is the storage room left, in vehicles. Vehicle releases into
	// the lane group check it.
	Space() float64
	// Release moves flow out of the lane group through its road connections.
	Release(timestamp float64) error
	// OnCapacityChanged re-derives rate limits after an actuator changed a
	// road connection, the lane group cap, or the road parameters.
	OnCapacityChanged(timestamp float64) error
	// SetRoadParam replaces the fundamental diagram.
	SetRoadParam(rp RoadParam)
	// TotalVehicles counts everything held, including partial vehicles.
	TotalVehicles() float64
	// VehiclesByRoute breaks TotalVehicles down by route key.
	VehiclesByRoute() map[RouteKey]float64
	// TravelTime estimates the current traversal time in seconds.
	TravelTime() (float64, error)
}

// ConservationMode selects how negative mass is handled.
type ConservationMode int

const (
	// ConservationLenient clamps negative mass to zero and warns.
	ConservationLenient ConservationMode = iota
	// ConservationStrict fails the run with ErrConservation.
	ConservationStrict
)

// DefaultMaxCellLength is the cell length cap, in meters, when none is configured.
const DefaultMaxCellLength = 100.0

// Env is the run context shared by every model: the topology, the event
// queue, the router and the per-run counters.
type Env struct {
	Net        *Network
	Dispatcher *Dispatcher
	Router     *Router
	VehicleIDs *VehicleIDGenerator

	SimDt         float64
	MaxCellLength float64
	Conservation  ConservationMode

	Log       *ErrorLog
	Metrics   *Metrics
	Telemetry *Telemetry
	Trace     *trace.SimulationTrace

	macro     []*ctmLaneGroup
	macroByLG map[LaneGroupID]*ctmLaneGroup
	pq        []*pqLaneGroup
	pqByLG    map[LaneGroupID]*pqLaneGroup
	newell    *newellModel
}

// NewModel is the ModelFactory of a run.
func (env *Env) NewModel(net *Network, link *Link, lg *LaneGroup) (LaneGroupModel, error) {
	env.Net = net
	switch link.ModelType {
	case ModelCTM, ModelCTMMultiNode:
		maxCell := env.MaxCellLength
		if maxCell <= 0 {
			maxCell = DefaultMaxCellLength
		}
		m := newCTMLaneGroup(env, link, lg, maxCell)
		env.macro = append(env.macro, m)
		if env.macroByLG == nil {
			env.macroByLG = make(map[LaneGroupID]*ctmLaneGroup)
		}
		env.macroByLG[lg.ID] = m
		return m, nil
	case ModelPointQueue:
		return newPQLaneGroup(env, link, lg), nil
	case ModelNewell:
		if env.newell == nil {
			env.newell = newNewellModel(env)
		}
		return env.newell.add(link, lg), nil
	case ModelNone:
		return newPassthroughLaneGroup(env, link, lg), nil
	default:
		return nil, fmt.Errorf("unknown model %q", link.ModelType)
	}
}

// LaneGroupProportions returns the share of a routed packet each candidate
// lane group receives. Cell-based links weight by capacity, the others
// split uniformly. Shares are non-negative and sum to exactly 1.
func LaneGroupProportions(net *Network, candidates []LaneGroupID) []float64 {
	if len(candidates) == 0 {
		return nil
	}
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, id := range candidates {
		lg := net.LaneGroups[id]
		link := net.Links[lg.Link]
		w := 1.0
		if link.ModelType.IsMacro() {
			w = math.Min(link.RoadParam.CapacityVphpl*float64(lg.NumLanes), lg.MaxFlowVph)
		}
		weights[i] = w
		total += w
	}
	shares := make([]float64, len(candidates))
	if total <= 0 {
		for i := range shares {
			shares[i] = 1 / float64(len(shares))
		}
		total = 1
		copy(weights, shares)
	}
	rest := 1.0
	for i := 0; i < len(shares)-1; i++ {
		shares[i] = weights[i] / total
		rest -= shares[i]
	}
	shares[len(shares)-1] = math.Max(rest, 0)
	return shares
}

// nonNegative applies the conservation mode to a state value that must not
// be negative.
func (env *Env) nonNegative(where string, v float64) (float64, error) {
	if v >= 0 {
		return v, nil
	}
	if v >= -conservationTolerance {
		return 0, nil
	}
	if env.Conservation == ConservationStrict {
		return 0, fmt.Errorf("%w: %s is %g", ErrConservation, where, v)
	}
	env.Metrics.ConservationClamps++
	logrus.Warnf("clamping negative mass %g at %s", v, where)
	return 0, nil
}

// checkBalance verifies before + in - out == after within tolerance.
func (env *Env) checkBalance(where string, before, in, out, after float64) error {
	if diff := before + in - out - after; math.Abs(diff) > conservationTolerance*math.Max(1, before+in) {
		if env.Conservation == ConservationStrict {
			return fmt.Errorf("%w: %s off by %g", ErrConservation, where, diff)
		}
		env.Metrics.ConservationClamps++
		logrus.Warnf("mass imbalance %g at %s", diff, where)
	}
	return nil
}

func (env *Env) vehicleEntered(timestamp float64, v *Vehicle, link LinkID) {
	v.EnteredLinkAt = timestamp
	if env.Trace.Enabled() {
		env.Trace.RecordVehicle(trace.VehicleRecord{
			Time: timestamp, VehicleID: int64(v.ID), Commodity: int64(v.Commodity),
			Link: int64(link), Kind: trace.VehicleEntered,
		})
	}
}

func (env *Env) vehicleLeftLink(timestamp float64, v *Vehicle, link LinkID) {
	if env.Trace.Enabled() {
		env.Trace.RecordVehicle(trace.VehicleRecord{
			Time: timestamp, VehicleID: int64(v.ID), Commodity: int64(v.Commodity),
			Link: int64(link), Kind: trace.VehicleExited,
		})
	}
}

// vehicleExitedNetwork accounts for a vehicle leaving through a sink.
func (env *Env) vehicleExitedNetwork(timestamp float64, v *Vehicle, link LinkID) {
	env.vehicleLeftLink(timestamp, v, link)
	env.Metrics.VehiclesExited++
	env.Telemetry.VehiclesExited.WithLabelValues(strconv.FormatInt(int64(v.Commodity), 10)).Inc()
	v.Leader = nil
	v.LaneGroup = NoLaneGroup
}

func (env *Env) fluidExitedNetwork(amount float64) {
	env.Metrics.FluidExited += amount
	env.Telemetry.FluidExited.Add(amount)
}
