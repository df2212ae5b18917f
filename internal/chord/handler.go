package chord

// ProtocolHandler decides what a node does with each inbound message.
// Handle reports whether ownership of msg was passed on (forwarded, replied
// in place or scheduled); when it returns false the node releases msg.
type ProtocolHandler interface {
	Handle(n *Node, msg *RouteMessage) (retained bool)
	Name() string
}

// Honest returns the handler that follows the protocol.
func Honest() ProtocolHandler {
	return honestHandler{}
}

// Faulty returns a handler that never relays broadcasts and drops incoming
// requests with probability dropRate. Everything else follows the protocol.
func Faulty(dropRate float64) ProtocolHandler {
	return faultyHandler{dropRate: dropRate}
}

type honestHandler struct{}

func (honestHandler) Name() string { return "honest" }

func (honestHandler) Handle(n *Node, msg *RouteMessage) bool {
	return n.dispatch(msg)
}

type faultyHandler struct {
	dropRate float64
}

func (faultyHandler) Name() string { return "faulty" }

func (h faultyHandler) Handle(n *Node, msg *RouteMessage) bool {
	if msg.Type == TypeBroadcast && msg.Mode != ModeError {
		// Consumed locally, never relayed.
		if p, ok := msg.Payload.(BroadcastPayload); ok {
			n.deliverLocal(msg.AppID, n.self.ID, p.Data)
		}
		return false
	}

	if msg.Mode == ModeRequest && h.dropRate > 0 && n.env.Rand().Float64() < h.dropRate {
		n.env.Stats().RequestsDropped++
		n.logger.Debug().
			Str("type", msg.Type.String()).
			Str("from", idString(msg.Source)).
			Msg("Dropping request")
		return false
	}

	return n.dispatch(msg)
}
