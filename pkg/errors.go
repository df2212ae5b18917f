package pkg

import "errors"

var (
	// ErrQueueFull is returned when a node's inbound queue is at capacity
	ErrQueueFull = errors.New("queue full")

	// ErrUnreachable is returned when the next hop is not a live node
	ErrUnreachable = errors.New("node unreachable")

	// ErrListenerExists is returned when a correlation key is registered twice
	ErrListenerExists = errors.New("listener already registered")

	// ErrNodeExists is returned when joining an Id that is already live
	ErrNodeExists = errors.New("node already exists")

	// ErrNodeNotFound is returned when an operation names an unknown node
	ErrNodeNotFound = errors.New("node not found")

	// ErrEventInPast is returned when an event is scheduled before the scheduler cursor
	ErrEventInPast = errors.New("event scheduled in the past")

	// ErrNotConverged is returned when the ring does not settle within the step budget
	ErrNotConverged = errors.New("ring did not converge")
)
