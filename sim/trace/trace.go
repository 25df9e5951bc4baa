package trace

// TraceLevel controls the verbosity of observation recording.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelVehicles captures vehicle enter/exit events and drops.
	TraceLevelVehicles TraceLevel = "vehicles"
	// TraceLevelFull additionally captures periodic lane group samples.
	TraceLevelFull TraceLevel = "full"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:     true,
	TraceLevelVehicles: true,
	TraceLevelFull:     true,
	"":                 true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level    TraceLevel
	SampleDt float64 // seconds between lane group samples; 0 disables sampling
}

// SimulationTrace collects observation records during a run.
type SimulationTrace struct {
	Config   TraceConfig
	Vehicles []VehicleRecord
	Samples  []LaneGroupSample
	Drops    []DropRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config:   config,
		Vehicles: make([]VehicleRecord, 0),
		Samples:  make([]LaneGroupSample, 0),
		Drops:    make([]DropRecord, 0),
	}
}

// Enabled reports whether anything is recorded.
func (st *SimulationTrace) Enabled() bool {
	return st != nil && st.Config.Level != TraceLevelNone && st.Config.Level != ""
}

// SamplingEnabled reports whether lane group samples are recorded.
func (st *SimulationTrace) SamplingEnabled() bool {
	return st != nil && st.Config.Level == TraceLevelFull && st.Config.SampleDt > 0
}

// RecordVehicle appends a vehicle record.
func (st *SimulationTrace) RecordVehicle(record VehicleRecord) {
	st.Vehicles = append(st.Vehicles, record)
}

// RecordSample appends a lane group sample.
func (st *SimulationTrace) RecordSample(sample LaneGroupSample) {
	st.Samples = append(st.Samples, sample)
}

// RecordDrop appends a drop record.
func (st *SimulationTrace) RecordDrop(record DropRecord) {
	st.Drops = append(st.Drops, record)
}
