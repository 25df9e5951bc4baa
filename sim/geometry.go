package sim

import "fmt"

// Identity types
type (
	NodeID      int64
	LinkID      int64
	RoadConnID  int64
	CommodityID int64
	PathID      int64
	ActuatorID  int64
	PhaseID     int64
	VehicleID   int64
)

// LaneGroupID indexes Network.LaneGroups.
type LaneGroupID int

// NoLaneGroup marks an absent lane group reference.
const NoLaneGroup LaneGroupID = -1

// Side is the geometric side of a lane group.
type Side string

const (
	SideIn   Side = "in"   // inner add-lane
	SideFull Side = "full" // full-width lanes
	SideOut  Side = "out"  // outer add-lane
)

// FlowDirection tells whether an add-lane lane group sits at the upstream
// side of the link or runs to its downstream end.
type FlowDirection string

const (
	FlowUp FlowDirection = "up"
	FlowDn FlowDirection = "dn"
)

// AddLanes describes a pocket of lanes added on one side of a link.
type AddLanes struct {
	Side   Side
	Lanes  int
	Length float64 // meters
}

// RoadGeometry holds the optional add-lanes of a link. Any field may be nil.
type RoadGeometry struct {
	ID    int64
	DnIn  *AddLanes
	DnOut *AddLanes
	UpIn  *AddLanes
	UpOut *AddLanes
}

func (g *RoadGeometry) dnInLanes() int {
	if g == nil || g.DnIn == nil {
		return 0
	}
	return g.DnIn.Lanes
}

func (g *RoadGeometry) dnOutLanes() int {
	if g == nil || g.DnOut == nil {
		return 0
	}
	return g.DnOut.Lanes
}

func (g *RoadGeometry) upInLanes() int {
	if g == nil || g.UpIn == nil {
		return 0
	}
	return g.UpIn.Lanes
}

func (g *RoadGeometry) upOutLanes() int {
	if g == nil || g.UpOut == nil {
		return 0
	}
	return g.UpOut.Lanes
}

// RoadParam is the fundamental diagram of a link.
type RoadParam struct {
	ID              int64
	CapacityVphpl   float64 // veh/hr/lane
	SpeedKph        float64 // free-flow speed
	JamDensityVpkpl float64 // veh/km/lane
}

// Validate checks the parameter ranges.
func (r RoadParam) Validate() error {
	if r.CapacityVphpl <= 0 {
		return fmt.Errorf("road param %d: capacity must be positive, got %v", r.ID, r.CapacityVphpl)
	}
	if r.SpeedKph <= 0 {
		return fmt.Errorf("road param %d: speed must be positive, got %v", r.ID, r.SpeedKph)
	}
	if r.JamDensityVpkpl <= 0 {
		return fmt.Errorf("road param %d: jam density must be positive, got %v", r.ID, r.JamDensityVpkpl)
	}
	if r.CapacityVphpl/r.SpeedKph >= r.JamDensityVpkpl {
		return fmt.Errorf("road param %d: critical density %.1f must be below jam density %.1f",
			r.ID, r.CapacityVphpl/r.SpeedKph, r.JamDensityVpkpl)
	}
	return nil
}

// SpeedMps returns the free-flow speed in m/s.
func (r RoadParam) SpeedMps() float64 {
	return r.SpeedKph / 3.6
}
