// Package trace provides observation recording for traffic simulation runs.
// This package has no dependencies on sim/; it stores pure data types.
package trace

// VehicleEventKind tags a vehicle record.
type VehicleEventKind string

const (
	VehicleEntered VehicleEventKind = "enter"
	VehicleExited  VehicleEventKind = "exit"
)

// VehicleRecord captures a vehicle entering or leaving a link.
type VehicleRecord struct {
	Time      float64
	VehicleID int64
	Commodity int64
	Link      int64
	Kind      VehicleEventKind
}

// LaneGroupSample is a periodic snapshot of one lane group.
type LaneGroupSample struct {
	Time      float64
	LaneGroup int
	Link      int64
	Vehicles  float64
	Demand    float64
	Supply    float64
	ByRoute   map[string]float64 // route key → vehicles (may be nil)
}

// DropRecord captures flow discarded by lenient routing.
type DropRecord struct {
	Time     float64
	Link     int64
	NextLink int64
	Amount   float64
}
