package chord

import (
	"fmt"

	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/queue"
	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

// timer is a zero-delay local delivery, run after the inbox drain.
type timer struct {
	due int64
	msg *RouteMessage
}

// Node is a simulated Chord peer. It owns its finger table, successor list,
// predecessor and listener registry; other nodes only affect it through
// messages placed in its inbox. A Node is driven by Step and is not safe for
// concurrent use.
type Node struct {
	// Node identity
	self *NodeHandle

	// Configuration
	cfg *config.Config

	// Simulation services (clock, transport, pool)
	env Env

	// Logger
	logger *pkg.Logger

	// Dispatch strategy
	handler ProtocolHandler

	// Finger table (index 0 to bits-1)
	// fingers[i] points to successor of (n + 2^i) mod 2^bits; fingers[0] is the successor
	fingers []*NodeHandle

	// Successor list for fault tolerance, never containing self
	successors []*NodeHandle

	// Predecessor
	predecessor *NodeHandle

	inbox     *queue.Queue[*RouteMessage]
	listeners *listenerRegistry
	timers    []timer

	apps     map[string]Application
	appOrder []string

	// Lifecycle
	joinedAt   int64
	joined     bool
	joinKey    string
	nextFinger int
	keySeq     uint64
}

// NewNode creates a node for self. A nil handler selects the honest protocol.
func NewNode(self *NodeHandle, cfg *config.Config, env Env, logger *pkg.Logger, handler ProtocolHandler) (*Node, error) {
	if self == nil {
		return nil, fmt.Errorf("node handle cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if env == nil {
		return nil, fmt.Errorf("env cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if self.ID.Bits() != cfg.Bits {
		return nil, fmt.Errorf("node id is %d bits, ring is %d bits", self.ID.Bits(), cfg.Bits)
	}
	if handler == nil {
		handler = Honest()
	}

	n := &Node{
		self:       self,
		cfg:        cfg,
		env:        env,
		logger:     logger.WithFields(pkg.Fields{"node_id": self.ID.Short()}),
		handler:    handler,
		fingers:    make([]*NodeHandle, cfg.Bits),
		successors: make([]*NodeHandle, 0, cfg.SuccessorListSize),
		inbox:      queue.New[*RouteMessage](cfg.QueueCapacity),
		listeners:  newListenerRegistry(),
		apps:       make(map[string]Application),
		joinedAt:   env.Now(),
		nextFinger: 1,
	}
	n.fingers[0] = self

	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() ring.ID {
	return n.self.ID
}

// Self returns the node's canonical handle.
func (n *Node) Self() *NodeHandle {
	return n.self
}

// Handler returns the dispatch strategy name.
func (n *Node) Handler() string {
	return n.handler.Name()
}

// Joined reports whether the node has found its place in a ring.
func (n *Node) Joined() bool {
	return n.joined
}

// Successor returns finger[0].
func (n *Node) Successor() *NodeHandle {
	if n.fingers[0] == nil {
		return n.self
	}
	return n.fingers[0]
}

// Predecessor returns the current predecessor, or nil.
func (n *Node) Predecessor() *NodeHandle {
	return n.predecessor
}

// Fingers returns a copy of the finger table. Unknown entries are nil.
func (n *Node) Fingers() []*NodeHandle {
	out := make([]*NodeHandle, len(n.fingers))
	copy(out, n.fingers)
	return out
}

// SuccessorList returns a copy of the successor list.
func (n *Node) SuccessorList() []*NodeHandle {
	out := make([]*NodeHandle, len(n.successors))
	copy(out, n.successors)
	return out
}

// PendingListeners returns the number of unresolved continuations.
func (n *Node) PendingListeners() int {
	return n.listeners.Len()
}

// ListenerKeys returns the unresolved correlation keys, sorted.
func (n *Node) ListenerKeys() []string {
	return n.listeners.Keys()
}

// InboxLen returns the number of queued inbound messages.
func (n *Node) InboxLen() int {
	return n.inbox.Len()
}

// Busy reports whether the node has queued messages or local deliveries.
func (n *Node) Busy() bool {
	return n.inbox.Len() > 0 || len(n.timers) > 0
}

// Register attaches an application under appID.
func (n *Node) Register(appID string, app Application) error {
	if app == nil {
		return fmt.Errorf("application cannot be nil")
	}
	if _, ok := n.apps[appID]; ok {
		return fmt.Errorf("application %q already registered", appID)
	}
	n.apps[appID] = app
	n.appOrder = append(n.appOrder, appID)
	return nil
}

// Enqueue places msg in the inbox, visible from step due. It returns
// pkg.ErrQueueFull when the inbox is at capacity.
func (n *Node) Enqueue(msg *RouteMessage, due int64) error {
	return n.inbox.Push(msg, due)
}

// EnqueueNotice places an ERROR-mode notice in the inbox regardless of capacity.
func (n *Node) EnqueueNotice(msg *RouteMessage, due int64) {
	n.inbox.PushForce(msg, due)
}

// Create starts a new ring with this node as the only member.
func (n *Node) Create() {
	n.predecessor = nil
	n.successors = n.successors[:0]
	for i := range n.fingers {
		n.fingers[i] = n.self
	}
	n.joined = true
	n.joinKey = ""

	n.logger.Info().Msg("Created new Chord ring")
}

// Join asks bootstrap for this node's successor. The node becomes part of
// the ring once the reply arrives.
func (n *Node) Join(bootstrap *NodeHandle) error {
	if bootstrap == nil {
		return fmt.Errorf("bootstrap handle cannot be nil")
	}
	if bootstrap.Equals(n.self) {
		return fmt.Errorf("node cannot bootstrap from itself")
	}

	n.joined = false
	n.successors = n.successors[:0]
	n.fingers[0] = n.self

	// Ask for the successor of self+1: a node rejoining in place may still be
	// listed by its old neighbors, and must not be handed back to itself.
	n.joinKey = n.listen(ResumeJoin{Bootstrap: bootstrap})
	n.send(bootstrap, n.newMessage(TypeFindSucc, ModeRequest, n.joinKey, bootstrap, LookupPayload{Target: n.self.ID.Shift(0)}))

	n.logger.Debug().
		Str("bootstrap", idString(bootstrap)).
		Msg("Asking bootstrap node for successor")
	return nil
}

// Leave departs gracefully: the predecessor is handed our successor and the
// successor is handed our predecessor.
func (n *Node) Leave() {
	pred := n.predecessor
	succ := n.Successor()

	if pred.IsLive() && !pred.Equals(n.self) {
		n.send(pred, n.newMessage(TypeSetSucc, ModeRefresh, "", pred, HandlePayload{Node: succ}))
	}
	if !succ.Equals(n.self) {
		n.send(succ, n.newMessage(TypeSetPre, ModeRefresh, "", succ, HandlePayload{Node: pred}))
	}

	n.logger.Info().
		Str("predecessor", idString(pred)).
		Str("successor", idString(succ)).
		Msg("Leaving ring")
}

// Shutdown stops the node and returns every message still in its inbox.
// Pending local deliveries are released and listeners are discarded.
func (n *Node) Shutdown() []*RouteMessage {
	pending := n.inbox.Clear()
	for _, t := range n.timers {
		n.env.Pool().Release(t.msg)
	}
	n.timers = nil
	n.listeners.Clear()
	return pending
}

// Step advances the node by one simulated step: drain due messages through
// the protocol handler, run zero-delay deliveries, then periodic maintenance
// on this node's own cadence.
func (n *Node) Step(now int64) {
	for _, msg := range n.inbox.Drain(now) {
		n.process(msg)
	}
	n.runTimers(now)

	if n.env.Maintaining() {
		age := now - n.joinedAt
		if age > 0 && age%n.cfg.StabilizeInterval == 0 {
			n.maintain(now)
		}
		if n.joined && age > 0 && age%n.cfg.FixFingersInterval == 0 {
			n.fixFinger()
		}
	}

	for _, id := range n.appOrder {
		n.apps[id].ByStep()
	}
}

// process runs msg through the handler and releases it unless the handler
// passed ownership on.
func (n *Node) process(msg *RouteMessage) {
	n.env.Pool().MustLive(msg)
	if !n.handler.Handle(n, msg) {
		n.env.Pool().Release(msg)
	}
}

func (n *Node) runTimers(now int64) {
	i := 0
	for i < len(n.timers) {
		t := n.timers[i]
		if t.due > now {
			i++
			continue
		}
		n.timers = append(n.timers[:i], n.timers[i+1:]...)
		n.deliverLocal(t.msg.AppID, t.msg.Destination.ID, t.msg.Payload)
		n.env.Pool().Release(t.msg)
	}
}

// scheduleDelivery hands msg to the local application later in this step.
func (n *Node) scheduleDelivery(msg *RouteMessage) {
	n.timers = append(n.timers, timer{due: n.env.Now(), msg: msg})
}

func (n *Node) deliverLocal(appID string, id ring.ID, data any) {
	n.env.Stats().Delivered++
	app, ok := n.apps[appID]
	if !ok {
		n.logger.Debug().
			Str("app", appID).
			Msg("No application registered for delivery")
		return
	}
	app.Deliver(id, data)
}

func (n *Node) notifyApps(h *NodeHandle, joined bool) {
	for _, id := range n.appOrder {
		n.apps[id].Update(h, joined)
	}
}

// maintain is the periodic stabilization round.
func (n *Node) maintain(now int64) {
	for _, e := range n.listeners.Expire(now) {
		n.env.Stats().ListenersExpired++
		n.logger.Warn().
			Str("key", e.key).
			Str("operation", e.cont.String()).
			Msg("Listener expired without reply")
		n.onListenerLost(e.cont, nil)
	}

	if n.predecessor != nil && !n.predecessor.Alive {
		dead := n.predecessor
		n.predecessor = nil
		n.notifyApps(dead, false)
		n.logger.Debug().
			Str("predecessor", idString(dead)).
			Msg("Cleared dead predecessor")
	}

	if !n.joined {
		n.retryJoin()
		return
	}
	n.stabilize()
}

// retryJoin re-issues a join whose continuation was lost. A node that was
// cut off but still has a live predecessor closes the ring through it
// instead.
func (n *Node) retryJoin() {
	if n.joinKey != "" && n.listeners.Has(n.joinKey) {
		return
	}
	if pred := n.predecessor; pred.IsLive() && !pred.Equals(n.self) {
		n.joinKey = ""
		n.joined = true
		n.adoptSuccessor(pred)
		n.logger.Info().
			Str("successor", idString(pred)).
			Msg("Rejoined through predecessor")
		return
	}
	bootstrap := n.env.Bootstrap(n.self.ID)
	if bootstrap == nil {
		n.Create()
		return
	}
	n.logger.Info().
		Str("bootstrap", idString(bootstrap)).
		Msg("Retrying join")
	if err := n.Join(bootstrap); err != nil {
		n.logger.Error().Err(err).Msg("Join retry failed")
	}
}

// stabilize verifies the node's immediate successor and tells the successor about this node.
func (n *Node) stabilize() {
	succ := n.Successor()

	if succ.Equals(n.self) {
		pred := n.predecessor
		if !pred.IsLive() || pred.Equals(n.self) {
			// Alone in the ring
			return
		}
		// Another node joined us. Close the ring through it.
		n.adoptSuccessor(pred)
		succ = pred
	}

	key := n.listen(ResumeStabilize{Successor: succ})
	n.send(succ, n.newMessage(TypeGetPre, ModeRequest, key, succ, nil))
}

// fixFinger refreshes the next finger in round-robin order. Finger 0 is
// owned by stabilization.
func (n *Node) fixFinger() {
	if len(n.fingers) < 2 {
		return
	}
	if n.nextFinger < 1 || n.nextFinger >= len(n.fingers) {
		n.nextFinger = 1
	}
	i := n.nextFinger
	n.nextFinger++

	key := n.listen(ResumeFixFinger{Index: i})
	n.findPredecessor(key, n.self.ID.Shift(i))
}

// listen registers cont under a fresh correlation key. Keys carry the step
// the node was created at, so a reply meant for an earlier node with the
// same ID never resolves one of ours.
func (n *Node) listen(cont Continuation) string {
	n.keySeq++
	key := fmt.Sprintf("%s@%d#%d", n.self.ID, n.joinedAt, n.keySeq)
	if err := n.listeners.Register(key, cont, n.env.Now()+n.cfg.ListenerTTL); err != nil {
		// Keys are unique per node; a collision is a protocol defect.
		panic(err)
	}
	return key
}

func (n *Node) newMessage(typ MessageType, mode Mode, key string, to *NodeHandle, payload any) *RouteMessage {
	m := n.env.Pool().Acquire()
	m.Type = typ
	m.Mode = mode
	m.Key = key
	m.Source = n.self
	m.Destination = to
	m.NextHop = to
	m.Payload = payload
	return m
}

// send transfers ownership of msg. If the network rejects it, the message
// comes back to this node as an ERROR notice on the next step; an ERROR that
// cannot be delivered is released.
func (n *Node) send(to *NodeHandle, msg *RouteMessage) {
	msg.NextHop = to
	delay := n.cfg.MessageDelay + int64(to.Proximity)

	err := n.env.Send(n.self, to, msg, delay)
	if err == nil {
		return
	}

	if msg.Mode == ModeError {
		n.logger.Debug().
			Err(err).
			Str("to", idString(to)).
			Msg("Dropping undeliverable error notice")
		n.env.Pool().Release(msg)
		return
	}

	n.logger.Debug().
		Err(err).
		Str("type", msg.Type.String()).
		Str("to", idString(to)).
		Msg("Delivery failed, raising error notice")

	msg.Mode = ModeError
	msg.Cause = err
	n.inbox.PushForce(msg, n.env.Now()+1)
}
