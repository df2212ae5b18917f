package chord

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

// dispatch is the protocol state machine. It reports whether ownership of
// msg was passed on.
func (n *Node) dispatch(msg *RouteMessage) bool {
	if msg.Mode == ModeError {
		return n.onError(msg)
	}
	if msg.Mode == ModeReply && msg.Key != "" {
		n.onReply(msg)
		return false
	}

	switch msg.Type {
	case TypeFindSucc:
		n.onFindSucc(msg)
		return false
	case TypeFindPre:
		return n.onFindPre(msg)
	case TypeGetPre:
		return n.reply(msg, HandlePayload{Node: n.predecessor})
	case TypeSetSucc:
		n.onSetSucc(msg)
		return false
	case TypeSetPre:
		n.onSetPre(msg)
		return false
	case TypeNotify:
		n.onNotify(msg)
		return false
	case TypeSuccList:
		return n.onSuccList(msg)
	case TypeBroadcast:
		n.onBroadcast(msg)
		return false
	case TypeData:
		return n.onData(msg)
	}

	n.logger.Warn().
		Str("type", msg.Type.String()).
		Str("mode", msg.Mode.String()).
		Msg("Unhandled message")
	return false
}

// reply turns msg around in place and sends it back to its source.
func (n *Node) reply(msg *RouteMessage, payload any) bool {
	to := msg.Source
	if to == nil {
		return false
	}
	msg.Mode = ModeReply
	msg.Source = n.self
	msg.Destination = to
	msg.Payload = payload
	n.send(to, msg)
	return true
}

// onReply resumes the continuation waiting on msg.Key.
func (n *Node) onReply(msg *RouteMessage) {
	cont, ok := n.listeners.Resolve(msg.Key)
	if !ok {
		n.env.Stats().ListenerAnomalies++
		n.logger.Warn().
			Str("key", msg.Key).
			Str("type", msg.Type.String()).
			Str("from", idString(msg.Source)).
			Msg("Reply without listener")
		return
	}

	var answer *NodeHandle
	if p, ok := msg.Payload.(HandlePayload); ok {
		answer = p.Node
	}
	n.resume(cont, answer, msg.Hops)
}

// complete resolves a listener of this node without a round trip.
func (n *Node) complete(key string, answer *NodeHandle, hops int) {
	cont, ok := n.listeners.Resolve(key)
	if !ok {
		n.env.Stats().ListenerAnomalies++
		n.logger.Warn().Str("key", key).Msg("Local completion without listener")
		return
	}
	n.resume(cont, answer, hops)
}

func (n *Node) resume(cont Continuation, answer *NodeHandle, hops int) {
	switch c := cont.(type) {
	case ResumeFindSucc:
		if c.Requester == nil {
			return
		}
		msg := n.newMessage(TypeFindSucc, ModeReply, c.RequesterKey, c.Requester, HandlePayload{Node: answer})
		msg.Hops = hops
		n.send(c.Requester, msg)

	case ResumeJoin:
		n.completeJoin(answer)

	case ResumeStabilize:
		n.completeStabilize(answer)

	case ResumeFixFinger:
		if answer.IsLive() && c.Index > 0 && c.Index < len(n.fingers) {
			n.fingers[c.Index] = answer
		}

	case ResumeLookup:
		stats := n.env.Stats()
		stats.Lookups++
		stats.LookupHops += uint64(hops)
		if c.Done != nil {
			c.Done(answer, hops)
		}
	}
}

// onListenerLost runs when a continuation will never be resumed. dead is the
// unreachable node, or nil when the listener simply timed out.
func (n *Node) onListenerLost(cont Continuation, dead *NodeHandle) {
	switch c := cont.(type) {
	case ResumeJoin:
		n.joinKey = ""
	case ResumeFindSucc:
		// Tell the asker now rather than letting its listener time out.
		if c.Requester.IsLive() && !c.Requester.Equals(n.self) {
			notice := n.newMessage(TypeFindSucc, ModeError, c.RequesterKey, c.Requester, nil)
			notice.NextHop = dead
			if err := n.env.Send(n.self, c.Requester, notice, n.cfg.MessageDelay); err != nil {
				n.env.Pool().Release(notice)
			}
		}
	case ResumeLookup:
		if c.Done != nil {
			c.Done(nil, -1)
		}
	}
}

// onError handles a delivery failure: repair state that referenced the
// unreachable node, then drop the waiting listener or relay the notice to the
// node that originated the request.
func (n *Node) onError(msg *RouteMessage) bool {
	dead := msg.NextHop
	n.logger.Debug().
		Str("type", msg.Type.String()).
		Str("unreachable", idString(dead)).
		AnErr("cause", msg.Cause).
		Msg("Handling delivery failure")

	if n.unreachable(dead, msg.Cause) {
		n.repair(dead)
	}

	if msg.Key == "" {
		return false
	}

	if cont, ok := n.listeners.Resolve(msg.Key); ok {
		n.env.Stats().ListenersDropped++
		n.logger.Warn().
			Str("key", msg.Key).
			Str("operation", cont.String()).
			Str("unreachable", idString(dead)).
			Msg("Dropping listener after delivery failure")
		n.onListenerLost(cont, dead)
		return false
	}

	src := msg.Source
	if !src.IsLive() || src.Equals(n.self) {
		return false
	}
	if err := n.env.Send(n.self, src, msg, n.cfg.MessageDelay); err != nil {
		return false
	}
	return true
}

// unreachable tells a dead peer from a busy one. A full inbox on a live node
// is backpressure: the request is lost but the node stays in our tables.
func (n *Node) unreachable(h *NodeHandle, cause error) bool {
	if h == nil {
		return false
	}
	return !h.Alive || errors.Is(cause, pkg.ErrUnreachable)
}

// repair removes a node that could not be reached from the routing state.
// Losing the successor promotes the next successor-list entry, then the
// nearest live finger. With neither left the node joins again.
func (n *Node) repair(dead *NodeHandle) {
	if dead == nil || dead.Equals(n.self) {
		return
	}

	// Compare handles, not ids: a newer node may already hold dead's id.
	wasSucc := n.Successor() == dead

	kept := n.successors[:0]
	for _, s := range n.successors {
		if s == dead || !s.Alive {
			continue
		}
		kept = append(kept, s)
	}
	clear(n.successors[len(kept):])
	n.successors = kept

	for i := 1; i < len(n.fingers); i++ {
		if n.fingers[i] == dead {
			n.fingers[i] = nil
		}
	}

	if n.predecessor == dead && !dead.Alive {
		n.predecessor = nil
	}

	if !wasSucc {
		return
	}
	n.notifyApps(dead, false)

	if len(n.successors) == 0 {
		n.fingers[0] = n.self
		for _, f := range n.fingers[1:] {
			if f.IsLive() && !f.Equals(n.self) {
				n.adoptSuccessor(f)
				n.logger.Warn().
					Str("failed", idString(dead)).
					Str("successor", idString(f)).
					Msg("Successor list exhausted, falling back to finger")
				return
			}
		}
		n.joined = false
		n.joinKey = ""
		n.logger.Warn().
			Str("successor", idString(dead)).
			Msg("Lost successor with no fallback, rejoining")
		return
	}

	next := n.successors[0]
	n.fingers[0] = next
	n.notifyApps(next, true)
	n.logger.Info().
		Str("failed", idString(dead)).
		Str("successor", idString(next)).
		Msg("Promoted next successor after failure")

	n.send(next, n.newMessage(TypeSetPre, ModeRefresh, "", next, HandlePayload{Node: n.self}))
}

// onFindSucc answers a successor query for another node. The answer comes
// from this node's own predecessor search.
func (n *Node) onFindSucc(msg *RouteMessage) {
	p, ok := msg.Payload.(LookupPayload)
	if !ok || msg.Source == nil {
		n.logger.Warn().Str("from", idString(msg.Source)).Msg("Malformed FIND_SUCC request")
		return
	}
	key := n.listen(ResumeFindSucc{Requester: msg.Source, RequesterKey: msg.Key})
	n.findPredecessor(key, p.Target)
}

// onFindPre is one hop of an iterative predecessor search. A node whose
// successor owns the target replies straight to the originator; otherwise the
// request moves on to the closest preceding finger.
func (n *Node) onFindPre(msg *RouteMessage) bool {
	p, ok := msg.Payload.(LookupPayload)
	if !ok {
		n.logger.Warn().Str("from", idString(msg.Source)).Msg("Malformed FIND_PRE request")
		return false
	}

	succ := n.Successor()
	if succ.Equals(n.self) || p.Target.BetweenE(n.self.ID, succ.ID) {
		return n.reply(msg, HandlePayload{Node: succ})
	}

	next := n.ClosestPrecedingFinger(p.Target)
	if next.Equals(n.self) {
		return n.reply(msg, HandlePayload{Node: succ})
	}

	msg.Hops++
	msg.Destination = next
	n.send(next, msg)
	return true
}

func (n *Node) onSetSucc(msg *RouteMessage) {
	p, _ := msg.Payload.(HandlePayload)
	node := p.Node

	if msg.Source != nil && n.Successor().Equals(msg.Source) {
		n.forget(msg.Source)
	}

	if node == nil || node.Equals(n.self) {
		clear(n.successors)
		n.successors = n.successors[:0]
		n.fingers[0] = n.self
		n.logger.Debug().Msg("Successor handed back to self")
		return
	}

	n.adoptSuccessor(node)
}

func (n *Node) onSetPre(msg *RouteMessage) {
	p, _ := msg.Payload.(HandlePayload)
	if p.Node == nil || p.Node.Equals(n.self) {
		n.setPredecessor(nil)
		return
	}
	n.setPredecessor(p.Node)
}

// onNotify accepts the sender as predecessor if it is closer than the
// current one.
func (n *Node) onNotify(msg *RouteMessage) {
	claimant := msg.Source
	if !claimant.IsLive() || claimant.Equals(n.self) {
		return
	}

	pred := n.predecessor
	if !pred.IsLive() || claimant.ID.Between(pred.ID, n.self.ID) {
		n.setPredecessor(claimant)
	}

	if n.Successor().Equals(n.self) {
		n.adoptSuccessor(claimant)
	}
}

func (n *Node) onSuccList(msg *RouteMessage) bool {
	switch msg.Mode {
	case ModeRequest:
		return n.reply(msg, SuccListPayload{List: n.SuccessorList()})
	case ModeReply:
		// Only the current successor's view is authoritative.
		if !msg.Source.Equals(n.Successor()) {
			return false
		}
		p, _ := msg.Payload.(SuccListPayload)
		n.mergeSuccessors(msg.Source, p.List)
	}
	return false
}

// mergeSuccessors rebuilds the successor list as head followed by head's
// own list, skipping self, dead handles and duplicates.
func (n *Node) mergeSuccessors(head *NodeHandle, list []*NodeHandle) {
	seen := mapset.NewThreadUnsafeSet[ring.ID]()
	merged := make([]*NodeHandle, 0, n.cfg.SuccessorListSize)

	add := func(h *NodeHandle) {
		if len(merged) >= n.cfg.SuccessorListSize || !h.IsLive() || h.Equals(n.self) {
			return
		}
		if !seen.Add(h.ID) {
			return
		}
		merged = append(merged, h)
	}
	add(head)
	for _, h := range list {
		add(h)
	}

	n.successors = merged
	if len(merged) > 0 && !n.fingers[0].Equals(merged[0]) {
		n.fingers[0] = merged[0]
		n.notifyApps(merged[0], true)
	}
}

// adoptSuccessor makes h finger[0] and the head of the successor list.
func (n *Node) adoptSuccessor(h *NodeHandle) {
	if h == nil || h.Equals(n.self) {
		return
	}
	changed := !n.fingers[0].Equals(h)

	list := make([]*NodeHandle, 0, n.cfg.SuccessorListSize)
	list = append(list, h)
	for _, s := range n.successors {
		if len(list) >= n.cfg.SuccessorListSize {
			break
		}
		if s.Equals(h) || s.Equals(n.self) {
			continue
		}
		list = append(list, s)
	}
	n.successors = list
	n.fingers[0] = h

	if changed {
		n.logger.Debug().
			Str("successor", idString(h)).
			Msg("Successor updated")
		n.notifyApps(h, true)
	}
}

// forget drops h from the successor list and the upper fingers.
func (n *Node) forget(h *NodeHandle) {
	kept := n.successors[:0]
	for _, s := range n.successors {
		if !s.Equals(h) {
			kept = append(kept, s)
		}
	}
	clear(n.successors[len(kept):])
	n.successors = kept

	for i := 1; i < len(n.fingers); i++ {
		if n.fingers[i].Equals(h) {
			n.fingers[i] = nil
		}
	}
}

func (n *Node) setPredecessor(h *NodeHandle) {
	if n.predecessor.Equals(h) {
		return
	}
	old := n.predecessor
	n.predecessor = h

	n.logger.Debug().
		Str("predecessor", idString(h)).
		Msg("Predecessor updated")
	if old != nil {
		n.notifyApps(old, false)
	}
	if h != nil {
		n.notifyApps(h, true)
	}
}

func (n *Node) completeJoin(succ *NodeHandle) {
	n.joinKey = ""
	if !succ.IsLive() || succ.Equals(n.self) {
		n.logger.Warn().
			Str("successor", idString(succ)).
			Msg("Join returned no usable successor, will retry")
		return
	}

	n.joined = true
	n.adoptSuccessor(succ)
	for i := 1; i < len(n.fingers); i++ {
		n.fingers[i] = succ
	}

	n.send(succ, n.newMessage(TypeNotify, ModeRefresh, "", succ, nil))
	n.send(succ, n.newMessage(TypeSuccList, ModeRequest, "", succ, nil))

	n.logger.Info().
		Str("successor", idString(succ)).
		Msg("Joined ring")
}

func (n *Node) completeStabilize(x *NodeHandle) {
	succ := n.Successor()

	if x.IsLive() && !x.Equals(n.self) {
		if succ.Equals(n.self) || x.ID.Between(n.self.ID, succ.ID) {
			n.adoptSuccessor(x)
			succ = x
		}
	}
	if succ.Equals(n.self) {
		return
	}

	n.send(succ, n.newMessage(TypeNotify, ModeRefresh, "", succ, nil))
	n.send(succ, n.newMessage(TypeSuccList, ModeRequest, "", succ, nil))

	n.logger.Debug().
		Str("successor", idString(succ)).
		Msg("Stabilize completed")
}
