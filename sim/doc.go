// Package sim provides the core discrete-event engine of the traffic simulator.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - dispatcher.go: the event queue, ordered by (timestamp, priority, sequence)
//   - network_builder.go: lanes partitioned into lane groups, road connections
//     resolved, neighbors linked, models attached
//   - packet_router.go: how a packet entering a link is split across lane groups
//   - simulation.go: building and running a scenario
//
// # Models
//
// Every link picks one lane group model at construction:
//   - ctm, mn: cell transmission (model_ctm.go) with node flow resolution
//     (node_model.go), stepped network-wide by one macro step poke
//   - pq: point queue with a capacity-bounded release cycle (model_pq.go)
//   - newell: car following, stepped by one poke over all its lane groups
//     (model_newell.go)
//   - none: pass-through (model_none.go)
//
// Models interoperate only through LinkPacket and LaneGroupModel. Fluid
// entering a vehicle model is turned into whole vehicles; vehicles entering
// a cell model dissolve into fluid.
//
// # Control
//
// Actuators (actuator.go) pull commands from controllers (controller.go)
// and change signal phases, throughput caps or road parameters. Lane groups
// behind a changed element are told through OnCapacityChanged.
//
// Sub-packages:
//   - sim/trace/: vehicle, sample and drop records
//   - sim/scenario/: YAML scenario files
package sim
