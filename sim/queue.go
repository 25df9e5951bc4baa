// Implements the VehicleQueue, the FIFO used by point-queue lane groups and
// sources. Vehicles are moved in and out, never copied.

package sim

import (
	"fmt"
	"strings"
)

// queuedVehicle is a vehicle with the time it becomes eligible to leave.
type queuedVehicle struct {
	v       *Vehicle
	readyAt float64
}

// VehicleQueue represents a FIFO queue of vehicles.
type VehicleQueue struct {
	queue []queuedVehicle
}

// Enqueue adds a vehicle to the back of the queue.
func (q *VehicleQueue) Enqueue(v *Vehicle, readyAt float64) {
	if v == nil {
		panic("Enqueue: vehicle must not be nil")
	}
	q.queue = append(q.queue, queuedVehicle{v: v, readyAt: readyAt})
}

func (q *VehicleQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, item := range q.queue {
		sb.WriteString(fmt.Sprint(item.v.ID))
		if i < len(q.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of vehicles in the queue.
func (q *VehicleQueue) Len() int {
	return len(q.queue)
}

// Peek returns the vehicle at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (q *VehicleQueue) Peek() *Vehicle {
	if len(q.queue) == 0 {
		return nil
	}
	return q.queue[0].v
}

// PeekReadyAt returns the ready time of the head vehicle.
func (q *VehicleQueue) PeekReadyAt() (float64, bool) {
	if len(q.queue) == 0 {
		return 0, false
	}
	return q.queue[0].readyAt, true
}

// Dequeue removes and returns the vehicle at the front of the queue.
func (q *VehicleQueue) Dequeue() *Vehicle {
	if len(q.queue) == 0 {
		return nil
	}
	v := q.queue[0].v
	q.queue[0] = queuedVehicle{}
	q.queue = q.queue[1:]
	return v
}

// Vehicles returns the queued vehicles, front first. The slice is a copy.
func (q *VehicleQueue) Vehicles() []*Vehicle {
	out := make([]*Vehicle, len(q.queue))
	for i, item := range q.queue {
		out[i] = item.v
	}
	return out
}
