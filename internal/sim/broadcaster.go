package sim

import (
	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/scheduler"
)

// Ring update event types
const (
	EventNodeJoin  = "node_join"
	EventNodeLeave = "node_leave"
	EventNodeFail  = "node_fail"
	EventSnapshot  = "snapshot"
)

// RingUpdateBroadcaster is notified as the simulation advances. It lets
// external observers (like WebSocket clients) follow the ring without the
// simulator depending on them.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change or a periodic snapshot.
type RingUpdateEvent struct {
	Type     string    `json:"type"`    // "node_join", "node_leave", "node_fail", "snapshot"
	NodeID   string    `json:"node_id"` // ID of the node that triggered the event
	Step     int64     `json:"step"`    // Simulated step
	Message  string    `json:"message"` // Human-readable message
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// NodeView is the JSON shape of one node's routing state.
type NodeView struct {
	ID               string   `json:"id"`
	Successor        string   `json:"successor"`
	Predecessor      string   `json:"predecessor,omitempty"`
	Successors       []string `json:"successors"`
	Fingers          []string `json:"fingers"`
	Handler          string   `json:"handler"`
	Joined           bool     `json:"joined"`
	PendingListeners int      `json:"pending_listeners"`
	Inbox            int      `json:"inbox"`
}

// Snapshot is the whole network at one step.
type Snapshot struct {
	Step   int64       `json:"step"`
	Digest uint64      `json:"digest"`
	Nodes  []NodeView  `json:"nodes"`
	Stats  chord.Stats `json:"stats"`
	Report Report      `json:"report"`
}

func viewOf(n *chord.Node) NodeView {
	v := NodeView{
		ID:               n.ID().String(),
		Successor:        n.Successor().ID.String(),
		Successors:       handleStrings(n.SuccessorList()),
		Fingers:          handleStrings(n.Fingers()),
		Handler:          n.Handler(),
		Joined:           n.Joined(),
		PendingListeners: n.PendingListeners(),
		Inbox:            n.InboxLen(),
	}
	if p := n.Predecessor(); p != nil {
		v.Predecessor = p.ID.String()
	}
	return v
}

func handleStrings(hs []*chord.NodeHandle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		if h != nil {
			out[i] = h.ID.String()
		}
	}
	return out
}

func updateFor(ev scheduler.Event, step int64) RingUpdateEvent {
	u := RingUpdateEvent{NodeID: ev.From.String(), Step: step, Message: ev.String()}
	switch ev.Type {
	case scheduler.EventJoin:
		u.Type = EventNodeJoin
	case scheduler.EventLeave:
		u.Type = EventNodeLeave
	case scheduler.EventFail:
		u.Type = EventNodeFail
	}
	return u
}
