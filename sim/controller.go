package sim

import (
	"math"
	"sort"

	"github.com/samber/lo"
)

// Controller produces commands for the actuators bound to it.
type Controller interface {
	// Command returns the command in force for actuator at timestamp, or
	// false when the controller has nothing for it.
	Command(actuator ActuatorID, timestamp float64) (Command, bool)
	// Actuators lists the actuators the controller drives.
	Actuators() []ActuatorID
}

// StaticController always returns the same command per actuator.
type StaticController struct {
	Commands map[ActuatorID]Command
}

func (c *StaticController) Command(actuator ActuatorID, timestamp float64) (Command, bool) {
	cmd, ok := c.Commands[actuator]
	return cmd, ok
}

func (c *StaticController) Actuators() []ActuatorID {
	ids := lo.Keys(c.Commands)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ScheduleEntry switches an actuator to Command at Time.
type ScheduleEntry struct {
	Time     float64
	Actuator ActuatorID
	Command  Command
}

// ScheduleController plays a time table of commands. At each entry time it
// pokes the event-based actuators the entry addresses, so they pick up the
// change; periodic actuators read it on their next poke.
type ScheduleController struct {
	entries   []ScheduleEntry
	actuators map[ActuatorID]*Actuator
}

// NewScheduleController sorts entries by time. Entries sharing a time
// keep their order.
func NewScheduleController(entries []ScheduleEntry) *ScheduleController {
	sorted := append([]ScheduleEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	return &ScheduleController{entries: sorted}
}

func (c *ScheduleController) Command(actuator ActuatorID, timestamp float64) (Command, bool) {
	var cmd Command
	for _, e := range c.entries {
		if e.Time > timestamp {
			break
		}
		if e.Actuator == actuator {
			cmd = e.Command
		}
	}
	return cmd, cmd != nil
}

func (c *ScheduleController) Actuators() []ActuatorID {
	ids := lo.Uniq(lo.Map(c.entries, func(e ScheduleEntry, _ int) ActuatorID { return e.Actuator }))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// start registers a controller poke at every entry time after now. The
// entry at now, if any, is served by the actuators' first pokes.
func (c *ScheduleController) start(d *Dispatcher, now float64, actuators map[ActuatorID]*Actuator) error {
	c.actuators = actuators
	last := math.Inf(-1)
	for _, e := range c.entries {
		if e.Time <= now || e.Time == last {
			continue
		}
		last = e.Time
		if _, err := d.Register(e.Time, PriorityController, c); err != nil {
			return err
		}
	}
	return nil
}

// Poke wakes the event-based actuators with an entry at timestamp.
func (c *ScheduleController) Poke(d *Dispatcher, timestamp float64) error {
	woken := make(map[ActuatorID]bool)
	for _, e := range c.entries {
		if e.Time != timestamp || woken[e.Actuator] {
			continue
		}
		woken[e.Actuator] = true
		a := c.actuators[e.Actuator]
		if a == nil || a.Dt > 0 {
			continue
		}
		if _, err := d.Register(timestamp, PriorityActuator, a); err != nil {
			return err
		}
	}
	return nil
}
