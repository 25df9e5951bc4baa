package sim

// Pokable is anything the dispatcher can wake up: model steps, lane group
// releases, sources, actuators and controllers.
// A poke runs to completion and may register further events, including one
// for itself.
type Pokable interface {
	Poke(d *Dispatcher, timestamp float64) error
}

// PokeFunc adapts a plain function to the Pokable interface.
type PokeFunc func(d *Dispatcher, timestamp float64) error

// Poke calls f.
func (f PokeFunc) Poke(d *Dispatcher, timestamp float64) error {
	return f(d, timestamp)
}

// Event is one scheduled poke.
// Ordering: timestamp → priority → sequence number.
type Event struct {
	Timestamp float64
	Priority  int
	Seq       uint64
	Target    Pokable
}

// EventHandle identifies a registered event. It is the event's sequence number.
type EventHandle uint64

// Event priorities for simultaneous pokes. Lower values fire first.
const (
	PriorityController   = 1
	PriorityActuator     = 3
	PrioritySource       = 4
	PriorityMacroStep    = 5
	PriorityVehicleModel = 6
	PriorityRelease      = 7
	PriorityTransit      = 8
	PrioritySample       = 9
)

// generation is a staleness counter carried by the subject of a self-repeating
// poke. A poke captured at an older generation is stale and must no-op.
type generation uint64

func (g *generation) bump() generation {
	*g++
	return *g
}
