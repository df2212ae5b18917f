package chord

import (
	"math/rand"

	"github.com/zde37/chordsim/internal/ring"
)

// Env is everything a Node needs from the simulated network. It keeps the
// node independent of the step loop and avoids a dependency cycle between
// chord and sim.
type Env interface {
	// Now returns the current simulated step.
	Now() int64

	// Send enqueues msg for to after delay steps. On success ownership of msg
	// moves to the receiver. It returns pkg.ErrUnreachable when to is not a
	// live node, including a handle left over from an earlier node at the same
	// ID, and pkg.ErrQueueFull when its inbox is at capacity. The caller keeps
	// ownership on error.
	Send(from, to *NodeHandle, msg *RouteMessage, delay int64) error

	// Pool returns the message pool shared by the simulation.
	Pool() *MessagePool

	// Rand returns the simulation's deterministic random source.
	Rand() *rand.Rand

	// Stats returns the simulation's counters.
	Stats() *Stats

	// Bootstrap returns some live node other than exclude, or nil.
	Bootstrap(exclude ring.ID) *NodeHandle

	// Maintaining reports whether periodic stabilization is enabled.
	Maintaining() bool
}

// Application is the upcall surface for code running on top of a node.
type Application interface {
	// Forward is asked before a DATA message leaves this node; returning false
	// drops it.
	Forward(msg *RouteMessage) bool

	// Deliver hands a payload to its final destination.
	Deliver(id ring.ID, payload any)

	// Update reports a neighbor-set change.
	Update(node *NodeHandle, joined bool)

	// ByStep is called once at the end of every node step.
	ByStep()
}

// Stats are the counters the protocol reports. They are plain integers
// because a simulation runs on a single goroutine.
type Stats struct {
	MessagesSent      uint64
	DeliveryFailures  uint64
	RequestsDropped   uint64
	ListenersDropped  uint64
	ListenersExpired  uint64
	ListenerAnomalies uint64
	Delivered         uint64
	Broadcasts        uint64
	LookupHops        uint64
	Lookups           uint64
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	*s = Stats{}
}
