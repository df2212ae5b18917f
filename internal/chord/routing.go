package chord

import (
	"github.com/zde37/chordsim/internal/ring"
)

// ClosestPrecedingFinger returns the live finger that most closely precedes
// target, or self if none qualifies.
func (n *Node) ClosestPrecedingFinger(target ring.ID) *NodeHandle {
	for i := len(n.fingers) - 1; i >= 0; i-- {
		f := n.fingers[i]
		if !f.IsLive() {
			continue
		}
		if f.ID.Between(n.self.ID, target) {
			return f
		}
	}
	return n.self
}

// findPredecessor starts an iterative predecessor search for target. The
// listener under key is resumed with successor(target) either locally or
// when the FIND_PRE reply arrives.
func (n *Node) findPredecessor(key string, target ring.ID) {
	succ := n.Successor()

	if target.Equal(n.self.ID) {
		n.complete(key, n.self, 0)
		return
	}
	if succ.Equals(n.self) || target.BetweenE(n.self.ID, succ.ID) {
		n.complete(key, succ, 0)
		return
	}

	next := n.ClosestPrecedingFinger(target)
	if next.Equals(n.self) {
		n.complete(key, succ, 0)
		return
	}

	n.send(next, n.newMessage(TypeFindPre, ModeRequest, key, next, LookupPayload{Target: target}))
}

// Lookup resolves the node responsible for target. done receives the owner
// and hop count, or a nil owner and -1 if the lookup was lost.
func (n *Node) Lookup(target ring.ID, done func(owner *NodeHandle, hops int)) {
	key := n.listen(ResumeLookup{Target: target, Started: n.env.Now(), Done: done})
	n.findPredecessor(key, target)
}

// Route sends payload for appID towards the node responsible for target.
func (n *Node) Route(appID string, target ring.ID, payload any) {
	msg := n.env.Pool().Acquire()
	msg.Type = TypeData
	msg.Mode = ModeRequest
	msg.Source = n.self
	msg.Destination = &NodeHandle{ID: target}
	msg.AppID = appID
	msg.Payload = payload

	if !n.routeData(msg) {
		n.env.Pool().Release(msg)
	}
}

func (n *Node) onData(msg *RouteMessage) bool {
	switch msg.Mode {
	case ModeRefresh:
		n.scheduleDelivery(msg)
		return true
	case ModeRequest:
		return n.routeData(msg)
	}
	return false
}

// routeData moves a DATA message one hop closer to the owner of its
// destination key, or schedules local delivery if this node owns it.
func (n *Node) routeData(msg *RouteMessage) bool {
	if app, ok := n.apps[msg.AppID]; ok && !app.Forward(msg) {
		n.logger.Debug().
			Str("app", msg.AppID).
			Str("target", msg.Destination.ID.Short()).
			Msg("Application vetoed forward")
		return false
	}

	target := msg.Destination.ID
	succ := n.Successor()
	pred := n.predecessor

	if succ.Equals(n.self) || target.Equal(n.self.ID) ||
		(pred.IsLive() && target.BetweenE(pred.ID, n.self.ID)) {
		n.scheduleDelivery(msg)
		return true
	}

	msg.Hops++
	if target.BetweenE(n.self.ID, succ.ID) {
		// The successor owns it; deliver there without asking again.
		msg.Mode = ModeRefresh
		n.send(succ, msg)
		return true
	}

	next := n.ClosestPrecedingFinger(target)
	if next.Equals(n.self) {
		next = succ
	}
	n.send(next, msg)
	return true
}

// Broadcast delivers data to every other node in the ring exactly once,
// provided the finger tables are correct and no node fails meanwhile.
func (n *Node) Broadcast(appID string, data any) {
	n.env.Stats().Broadcasts++
	n.fanOut(appID, n.self.ID, data)
}

func (n *Node) onBroadcast(msg *RouteMessage) {
	p, ok := msg.Payload.(BroadcastPayload)
	if !ok {
		n.logger.Warn().Str("from", idString(msg.Source)).Msg("Malformed BROADCAST")
		return
	}
	n.fanOut(msg.AppID, p.Limit, p.Data)
	n.deliverLocal(msg.AppID, n.self.ID, p.Data)
}

// fanOut forwards data to each distinct finger inside (self, limit). Each
// receiver is made responsible for the arc up to the next finger, so arcs
// never overlap. limit equal to self means the whole ring.
func (n *Node) fanOut(appID string, limit ring.ID, data any) {
	fingers := make([]*NodeHandle, 0, len(n.fingers))
	for _, f := range n.fingers {
		if f.IsLive() {
			fingers = append(fingers, f)
		}
	}

	full := limit.Equal(n.self.ID)
	inside := func(h *NodeHandle) bool {
		if h.Equals(n.self) {
			return false
		}
		return full || h.ID.Between(n.self.ID, limit)
	}

	for i, f := range fingers {
		var next *NodeHandle
		if i+1 < len(fingers) {
			next = fingers[i+1]
		}
		if next.Equals(f) || !inside(f) {
			continue
		}

		bound := limit
		if next != nil && inside(next) && next.ID.Between(f.ID, limit) {
			bound = next.ID
		}

		msg := n.newMessage(TypeBroadcast, ModeRefresh, "", f, BroadcastPayload{Limit: bound, Data: data})
		msg.AppID = appID
		n.send(f, msg)
	}
}
