package sim

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// eventHeap implements heap.Interface with deterministic ordering.
// Order by: timestamp → priority → sequence number.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ei, ej := h[i], h[j]

	// Primary: timestamp (lower first)
	if ei.Timestamp != ej.Timestamp {
		return ei.Timestamp < ej.Timestamp
	}

	// Secondary: priority (lower value = processed first)
	if ei.Priority != ej.Priority {
		return ei.Priority < ej.Priority
	}

	// Tertiary: insertion order
	return ei.Seq < ej.Seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// Dispatcher is the discrete-event scheduler. It is the only thing that
// advances simulated time.
//
// Thread-safety: NOT thread-safe. Every poke runs on the caller's goroutine.
type Dispatcher struct {
	events  eventHeap
	clock   float64
	nextSeq uint64

	// Fired counts events popped and executed; Stale counts pokes that
	// reported themselves outdated through MarkStale.
	Fired int64
	Stale int64

	// OnFire, when set, is called after each event executes.
	OnFire func(e *Event)
}

// NewDispatcher creates a dispatcher with its clock at start.
func NewDispatcher(start float64) *Dispatcher {
	d := &Dispatcher{
		events: make(eventHeap, 0),
		clock:  start,
	}
	heap.Init(&d.events)
	return d
}

// Now returns the current simulation time in seconds.
func (d *Dispatcher) Now() float64 {
	return d.clock
}

// Len returns the number of pending events.
func (d *Dispatcher) Len() int {
	return d.events.Len()
}

// Register schedules target to be poked at timestamp.
// NaN, infinite, negative and past timestamps are rejected.
func (d *Dispatcher) Register(timestamp float64, priority int, target Pokable) (EventHandle, error) {
	if target == nil {
		panic("Register: target must not be nil")
	}
	if math.IsNaN(timestamp) || math.IsInf(timestamp, 0) || timestamp < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, timestamp)
	}
	if timestamp < d.clock {
		return 0, fmt.Errorf("%w: %v is before clock %v", ErrInvalidTimestamp, timestamp, d.clock)
	}
	d.nextSeq++
	heap.Push(&d.events, &Event{
		Timestamp: timestamp,
		Priority:  priority,
		Seq:       d.nextSeq,
		Target:    target,
	})
	return EventHandle(d.nextSeq), nil
}

// PopNext removes and returns the next event. The clock is not advanced.
func (d *Dispatcher) PopNext() (*Event, bool) {
	if d.events.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&d.events).(*Event), true
}

// Peek returns the next event without removing it.
func (d *Dispatcher) Peek() (*Event, bool) {
	if d.events.Len() == 0 {
		return nil, false
	}
	return d.events[0], true
}

// MarkStale records that a poke found its subject superseded.
func (d *Dispatcher) MarkStale() {
	d.Stale++
}

// Run fires every event with timestamp <= until, in order, then sets the
// clock to until. The first poke error aborts the run.
func (d *Dispatcher) Run(until float64) error {
	if math.IsNaN(until) || until < d.clock {
		return fmt.Errorf("%w: cannot run until %v from clock %v", ErrInvalidTimestamp, until, d.clock)
	}
	for {
		next, ok := d.Peek()
		if !ok || next.Timestamp > until {
			break
		}
		e, _ := d.PopNext()

		// Clock monotonicity
		if e.Timestamp < d.clock {
			panic(fmt.Sprintf("clock went backwards: %v < %v", e.Timestamp, d.clock))
		}
		d.clock = e.Timestamp

		logrus.Tracef("[t=%10.3f] poke %T (priority %d, seq %d)", e.Timestamp, e.Target, e.Priority, e.Seq)
		if err := e.Target.Poke(d, e.Timestamp); err != nil {
			return fmt.Errorf("poke %T at t=%v: %w", e.Target, e.Timestamp, err)
		}
		d.Fired++
		if d.OnFire != nil {
			d.OnFire(e)
		}
	}
	d.clock = until
	return nil
}
