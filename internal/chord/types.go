package chord

import (
	"fmt"

	"github.com/zde37/chordsim/internal/ring"
)

// NodeHandle is a lightweight, possibly stale reference to a node in the ring.
// The network owns one canonical handle per live node; fingers, successor
// lists and messages share that pointer and never own the node itself.
type NodeHandle struct {
	ID        ring.ID // Position on the ring
	Alive     bool    // Cleared when the node leaves or fails
	Proximity int     // Extra delivery latency towards this node, in steps
}

// NewNodeHandle creates a live handle for id.
func NewNodeHandle(id ring.ID, proximity int) *NodeHandle {
	return &NodeHandle{
		ID:        id,
		Alive:     true,
		Proximity: proximity,
	}
}

// String returns a human-readable representation of the handle.
func (h *NodeHandle) String() string {
	if h == nil {
		return "NodeHandle{nil}"
	}
	state := "alive"
	if !h.Alive {
		state = "dead"
	}
	return fmt.Sprintf("NodeHandle{ID: %s, %s}", h.ID, state)
}

// Equals checks whether two handles name the same node. Identity is by ID.
func (h *NodeHandle) Equals(other *NodeHandle) bool {
	if h == nil || other == nil {
		return h == nil && other == nil
	}
	return h.ID.Equal(other.ID)
}

// IsLive reports whether h is non-nil and not known to be dead.
func (h *NodeHandle) IsLive() bool {
	return h != nil && h.Alive
}

// idString is a nil-safe short ID for log fields.
func idString(h *NodeHandle) string {
	if h == nil {
		return "nil"
	}
	return h.ID.Short()
}
