package sim

import "math"

// VehicleIDGenerator hands out vehicle ids for one simulation run.
// It is owned by the Simulation and passed to every vehicle-creating call.
type VehicleIDGenerator struct {
	next VehicleID
}

// Next returns a fresh id.
func (g *VehicleIDGenerator) Next() VehicleID {
	g.next++
	return g.next
}

// Vehicle is a discrete vehicle held by a point-queue or car-following lane group.
// Vehicles are moved between lane groups, never copied.
type Vehicle struct {
	ID        VehicleID
	Commodity CommodityID
	Key       RouteKey
	LaneGroup LaneGroupID

	// WaitingForLaneChange blocks a point-queue lane group while the vehicle
	// sits at the head of its waiting queue.
	WaitingForLaneChange bool

	// car-following state
	Pos     float64 // meters from the lane group's upstream end
	NewPos  float64
	Headway float64
	Leader  *Vehicle

	EnteredLinkAt float64
}

// NewVehicle creates a vehicle with a fresh id and no leader.
func NewVehicle(ids *VehicleIDGenerator, key RouteKey) *Vehicle {
	return &Vehicle{
		ID:        ids.Next(),
		Commodity: key.Commodity,
		Key:       key,
		LaneGroup: NoLaneGroup,
		Headway:   math.Inf(1),
	}
}
