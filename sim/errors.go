package sim

import "errors"

// Sentinel errors returned by the engine. Callers match them with errors.Is.
var (
	// ErrInvalidTimestamp is returned when an event is registered at a NaN,
	// infinite, negative, or already-elapsed time.
	ErrInvalidTimestamp = errors.New("invalid event timestamp")

	// ErrNotImplemented marks a capability that a model family does not provide.
	ErrNotImplemented = errors.New("capability not implemented by model")

	// ErrConservation is returned in strict mode when a state update would
	// create or destroy mass beyond numerical tolerance.
	ErrConservation = errors.New("flow conservation violated")

	// ErrUnreachableDownstream is returned in strict routing mode when a packet
	// is addressed to a downstream link with no local lane group reaching it.
	ErrUnreachableDownstream = errors.New("downstream link not reachable from link")
)

// conservationTolerance is the absolute slack allowed on mass balances.
const conservationTolerance = 1e-6
