// Package scenario reads run descriptions from YAML and turns them into a
// sim.ScenarioSpec.
package scenario

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Gorky8685/otm-sim/sim/trace"
)

// Scenario is the top-level YAML document.
type Scenario struct {
	Name          string           `yaml:"name,omitempty"`
	SimDt         float64          `yaml:"sim_dt"`
	MaxCellLength float64          `yaml:"max_cell_length,omitempty"`
	Seed          int64            `yaml:"seed"`
	Routing       string           `yaml:"routing,omitempty"`      // strict | lenient
	Conservation  string           `yaml:"conservation,omitempty"` // strict | lenient
	Trace         TraceSpec        `yaml:"trace,omitempty"`
	RoadParams    []RoadParamSpec  `yaml:"road_params"`
	Geometries    []GeometrySpec   `yaml:"geometries,omitempty"`
	Nodes         []int64          `yaml:"nodes"`
	Links         []LinkSpec       `yaml:"links"`
	RoadConns     []RoadConnSpec   `yaml:"road_connections,omitempty"`
	Commodities   []CommoditySpec  `yaml:"commodities"`
	Paths         []PathSpec       `yaml:"paths,omitempty"`
	Splits        []SplitSpec      `yaml:"splits,omitempty"`
	Demands       []DemandSpec     `yaml:"demands,omitempty"`
	Actuators     []ActuatorSpec   `yaml:"actuators,omitempty"`
	Controllers   []ControllerSpec `yaml:"controllers,omitempty"`
}

type TraceSpec struct {
	Level    string  `yaml:"level,omitempty"`
	SampleDt float64 `yaml:"sample_dt,omitempty"`
}

// RoadParamSpec is a fundamental diagram: veh/hr/lane, km/h, veh/km/lane.
type RoadParamSpec struct {
	ID         int64   `yaml:"id"`
	Capacity   float64 `yaml:"capacity"`
	Speed      float64 `yaml:"speed"`
	JamDensity float64 `yaml:"jam_density"`
}

type AddLanesSpec struct {
	Lanes  int     `yaml:"lanes"`
	Length float64 `yaml:"length"`
}

type GeometrySpec struct {
	ID    int64         `yaml:"id"`
	DnIn  *AddLanesSpec `yaml:"dn_in,omitempty"`
	DnOut *AddLanesSpec `yaml:"dn_out,omitempty"`
	UpIn  *AddLanesSpec `yaml:"up_in,omitempty"`
	UpOut *AddLanesSpec `yaml:"up_out,omitempty"`
}

type LinkSpec struct {
	ID        int64   `yaml:"id"`
	StartNode int64   `yaml:"start_node"`
	EndNode   int64   `yaml:"end_node"`
	Length    float64 `yaml:"length"`
	FullLanes int     `yaml:"full_lanes"`
	RoadParam int64   `yaml:"road_param"`
	Geometry  int64   `yaml:"geometry,omitempty"`
	Model     string  `yaml:"model,omitempty"`
}

// RoadConnSpec lanes are [from, to], 1-based and inclusive. An empty list
// selects every lane.
type RoadConnSpec struct {
	ID       int64 `yaml:"id"`
	InLink   int64 `yaml:"in_link"`
	InLanes  []int `yaml:"in_lanes,omitempty"`
	OutLink  int64 `yaml:"out_link"`
	OutLanes []int `yaml:"out_lanes,omitempty"`
}

type CommoditySpec struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Pathfull bool   `yaml:"pathfull,omitempty"`
}

type PathSpec struct {
	ID    int64   `yaml:"id"`
	Links []int64 `yaml:"links"`
}

// SplitSpec gives the out-link proportions of a commodity leaving LinkIn.
type SplitSpec struct {
	Commodity int64             `yaml:"commodity"`
	LinkIn    int64             `yaml:"link_in"`
	Ratios    map[int64]float64 `yaml:"ratios"`
}

// DemandSpec is a piecewise-constant demand in veh/hr.
type DemandSpec struct {
	Link      int64     `yaml:"link"`
	Commodity int64     `yaml:"commodity"`
	Path      *int64    `yaml:"path,omitempty"`
	Start     float64   `yaml:"start,omitempty"`
	Dt        float64   `yaml:"dt,omitempty"`
	Values    []float64 `yaml:"values"`
	Poisson   bool      `yaml:"poisson,omitempty"`
}

type PhaseSpec struct {
	ID        int64   `yaml:"id"`
	RoadConns []int64 `yaml:"road_connections"`
}

type ActuatorSpec struct {
	ID       int64       `yaml:"id"`
	Type     string      `yaml:"type"`
	Target   string      `yaml:"target"`
	TargetID int64       `yaml:"target_id"`
	Lanes    []int       `yaml:"lanes,omitempty"`
	Dt       float64     `yaml:"dt,omitempty"`
	Phases   []PhaseSpec `yaml:"phases,omitempty"`
}

// CommandSpec sets exactly one of its fields.
type CommandSpec struct {
	Actuator  int64            `yaml:"actuator"`
	Time      float64          `yaml:"time,omitempty"`
	Signal    map[int64]string `yaml:"signal,omitempty"`
	Capacity  *float64         `yaml:"capacity_vph,omitempty"`
	RoadParam *int64           `yaml:"road_param,omitempty"`
}

// ControllerSpec is a static command table or a time schedule.
type ControllerSpec struct {
	Type     string        `yaml:"type"` // static | schedule
	Commands []CommandSpec `yaml:"commands"`
}

// Load reads a scenario file. Unknown fields are errors.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario and fills in defaults.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	if s.Routing == "" {
		s.Routing = "lenient"
	}
	if s.Conservation == "" {
		s.Conservation = "lenient"
	}
	if s.Trace.Level == "" {
		s.Trace.Level = string(trace.TraceLevelNone)
	}
	if len(s.Commodities) == 0 {
		logrus.Warnf("scenario %q declares no commodities; using commodity 1", s.Name)
		s.Commodities = []CommoditySpec{{ID: 1, Name: "default"}}
	}
}
