package sim

import (
	"cmp"
	"math"
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
)

// LinkPacket is a batch of flow and vehicles entering a link. ArriveTo lists
// the lane groups the upstream road connection lands on.
type LinkPacket struct {
	Fluid    map[RouteKey]float64
	Vehicles []*Vehicle
	ArriveTo []LaneGroupID
}

// IsEmpty reports whether the packet carries neither mass nor vehicles.
func (p *LinkPacket) IsEmpty() bool {
	return p == nil || (len(p.Vehicles) == 0 && fluidTotal(p.Fluid) <= 0)
}

// Size returns the number of vehicles carried, counting fluid mass.
func (p *LinkPacket) Size() float64 {
	return float64(len(p.Vehicles)) + fluidTotal(p.Fluid)
}

// LaneGroupPacket is the share of a LinkPacket delivered to one lane group.
// Route keys are already resolved for the receiving link.
type LaneGroupPacket struct {
	Fluid    map[RouteKey]float64
	Vehicles []*Vehicle
}

func newLaneGroupPacket() *LaneGroupPacket {
	return &LaneGroupPacket{Fluid: make(map[RouteKey]float64)}
}

func (p *LaneGroupPacket) isEmpty() bool {
	return len(p.Vehicles) == 0 && fluidTotal(p.Fluid) <= 0
}

// fluidTotal sums m in key order so repeated runs add identically.
func fluidTotal(m map[RouteKey]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	return floats.Sum(lo.Map(sortedKeys(m), func(k RouteKey, _ int) float64 { return m[k] }))
}

// sortedKeys returns the route keys of m in a fixed order.
func sortedKeys[V any](m map[RouteKey]V) []RouteKey {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return routeKeyLess(keys[i], keys[j]) })
	return keys
}

// sortedIDs returns the keys of an id-keyed map in ascending order.
func sortedIDs[K cmp.Ordered, V any](m map[K]V) []K {
	ids := lo.Keys(m)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func routeKeyLess(a, b RouteKey) bool {
	if a.Commodity != b.Commodity {
		return a.Commodity < b.Commodity
	}
	if a.IsPath != b.IsPath {
		return !a.IsPath
	}
	return a.PathOrLink < b.PathOrLink
}

// partialVehicleMemory turns fluid arriving at a vehicle model into whole
// vehicles. The fractional remainder of each route key is carried to the
// next arrival and counted as present.
type partialVehicleMemory map[RouteKey]float64

// materialize adds fluid to the remainders and returns the whole vehicles
// that became available, ordered by route key.
func (m partialVehicleMemory) materialize(fluid map[RouteKey]float64, ids *VehicleIDGenerator) []*Vehicle {
	var out []*Vehicle
	for _, key := range sortedKeys(fluid) {
		total := m[key] + fluid[key]
		// guard against 0.9999999 from repeated proportional splits
		whole := math.Floor(total + 1e-9)
		for i := 0; i < int(whole); i++ {
			out = append(out, NewVehicle(ids, key))
		}
		if rem := total - whole; rem > 1e-9 {
			m[key] = rem
		} else {
			delete(m, key)
		}
	}
	return out
}

func (m partialVehicleMemory) total() float64 {
	return fluidTotal(m)
}

// dematerialize folds vehicles into a fluid map, one unit each.
func dematerialize(vehicles []*Vehicle, into map[RouteKey]float64) {
	for _, v := range vehicles {
		into[v.Key]++
	}
}
