package sim

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/internal/scheduler"
	"github.com/zde37/chordsim/pkg"
)

// Network owns every simulated node and is the only transport between
// them. It implements chord.Env.
type Network struct {
	ctx         *Context
	nodes       map[ring.ID]*chord.Node
	order       []*chord.Node // join order, the step iteration order
	maintaining bool
	logger      *pkg.Logger
}

// NewNetwork creates an empty network on ctx.
func NewNetwork(ctx *Context) *Network {
	return &Network{
		ctx:         ctx,
		nodes:       make(map[ring.ID]*chord.Node),
		maintaining: true,
		logger:      ctx.Logger.WithFields(pkg.Fields{"component": "network"}),
	}
}

// Now implements chord.Env.
func (nw *Network) Now() int64 {
	return nw.ctx.step
}

// Pool implements chord.Env.
func (nw *Network) Pool() *chord.MessagePool {
	return nw.ctx.Pool
}

// Rand implements chord.Env.
func (nw *Network) Rand() *rand.Rand {
	return nw.ctx.rng
}

// Stats implements chord.Env.
func (nw *Network) Stats() *chord.Stats {
	return nw.ctx.Stats
}

// Maintaining implements chord.Env.
func (nw *Network) Maintaining() bool {
	return nw.maintaining
}

// SetMaintenance turns periodic stabilization on or off for every node.
func (nw *Network) SetMaintenance(on bool) {
	nw.maintaining = on
}

// Send enqueues msg at to's inbox, due delay steps from now (at least one).
func (nw *Network) Send(from, to *chord.NodeHandle, msg *chord.RouteMessage, delay int64) error {
	nw.ctx.Pool.MustLive(msg)

	// Handles are per incarnation: one held for a failed node must not
	// reach a newer node that joined at the same ID.
	node, ok := nw.nodes[to.ID]
	if !ok || node.Self() != to || !to.Alive {
		nw.ctx.Stats.DeliveryFailures++
		return fmt.Errorf("%w: %s", pkg.ErrUnreachable, to.ID.Short())
	}
	if delay < 1 {
		delay = 1
	}
	if err := node.Enqueue(msg, nw.ctx.step+delay); err != nil {
		nw.ctx.Stats.DeliveryFailures++
		return fmt.Errorf("send %s to %s: %w", msg.Type, to.ID.Short(), err)
	}

	nw.ctx.Stats.MessagesSent++
	return nil
}

// Bootstrap implements chord.Env: the earliest-joined live member other
// than exclude, preferring nodes that already belong to a ring.
func (nw *Network) Bootstrap(exclude ring.ID) *chord.NodeHandle {
	var fallback *chord.NodeHandle
	for _, n := range nw.order {
		if n.ID().Equal(exclude) || !n.Self().Alive {
			continue
		}
		if n.Joined() {
			return n.Self()
		}
		if fallback == nil {
			fallback = n.Self()
		}
	}
	return fallback
}

// Join adds a node at id. It bootstraps from the given node when that node
// is live, otherwise from any live node; with no live node it starts a new
// ring.
func (nw *Network) Join(id ring.ID, bootstrap *ring.ID, faulty bool) (*chord.Node, error) {
	if !nw.ctx.Space.Contains(id) {
		return nil, fmt.Errorf("id %s is not on a %d-bit ring", id, nw.ctx.Space.Bits())
	}
	if n, ok := nw.nodes[id]; ok && n.Self().Alive {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNodeExists, id)
	}

	proximity := 0
	if spread := nw.ctx.Config.MaxProximity; spread > 0 {
		proximity = nw.ctx.rng.Intn(spread + 1)
	}

	var handler chord.ProtocolHandler
	if faulty {
		handler = chord.Faulty(nw.ctx.Config.FaultyDropRate)
	}

	node, err := chord.NewNode(chord.NewNodeHandle(id, proximity), nw.ctx.Config, nw, nw.ctx.Logger, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	var boot *chord.NodeHandle
	if bootstrap != nil {
		if b, ok := nw.nodes[*bootstrap]; ok && b.Self().Alive {
			boot = b.Self()
		} else {
			nw.logger.Warn().
				Str("node_id", id.Short()).
				Str("bootstrap", bootstrap.Short()).
				Msg("Bootstrap node unavailable, picking another")
		}
	}
	if boot == nil {
		boot = nw.Bootstrap(id)
	}

	nw.nodes[id] = node
	nw.order = append(nw.order, node)

	if boot == nil {
		node.Create()
	} else if err := node.Join(boot); err != nil {
		nw.detach(node)
		return nil, err
	}

	nw.logger.Info().
		Str("node_id", id.Short()).
		Str("handler", node.Handler()).
		Int("proximity", proximity).
		Int("nodes", len(nw.order)).
		Msg("Node joined")
	return node, nil
}

// Leave removes a node gracefully: it hands its neighbors to each other
// before going away.
func (nw *Network) Leave(id ring.ID) error {
	node, err := nw.live(id)
	if err != nil {
		return err
	}
	node.Leave()
	nw.remove(node)

	nw.logger.Info().Str("node_id", id.Short()).Int("nodes", len(nw.order)).Msg("Node left")
	return nil
}

// Fail removes a node without notice.
func (nw *Network) Fail(id ring.ID) error {
	node, err := nw.live(id)
	if err != nil {
		return err
	}
	nw.remove(node)

	nw.logger.Info().Str("node_id", id.Short()).Int("nodes", len(nw.order)).Msg("Node failed")
	return nil
}

// Apply executes one scheduled event.
func (nw *Network) Apply(ev scheduler.Event) error {
	switch ev.Type {
	case scheduler.EventJoin:
		_, err := nw.Join(ev.From, ev.To, ev.Faulty)
		return err
	case scheduler.EventLeave:
		return nw.Leave(ev.From)
	case scheduler.EventFail:
		return nw.Fail(ev.From)
	}
	return fmt.Errorf("unknown event type %d", ev.Type)
}

func (nw *Network) live(id ring.ID) (*chord.Node, error) {
	node, ok := nw.nodes[id]
	if !ok || !node.Self().Alive {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNodeNotFound, id)
	}
	return node, nil
}

// remove takes node out of the network. Keyed requests still sitting in its
// inbox are turned into ERROR notices for their sources so no listener
// waits on a node that will never answer; everything else is released.
func (nw *Network) remove(node *chord.Node) {
	self := node.Self()
	self.Alive = false

	for _, msg := range node.Shutdown() {
		nw.bounce(self, msg)
	}
	nw.detach(node)

	nw.ctx.Subs.Notify(self.ID, false)
	nw.ctx.Subs.DropOwner(self.ID)
}

func (nw *Network) bounce(dead *chord.NodeHandle, msg *chord.RouteMessage) {
	if msg.Mode == chord.ModeRequest && msg.Key != "" && msg.Source.IsLive() && !msg.Source.Equals(dead) {
		if src, ok := nw.nodes[msg.Source.ID]; ok && src.Self() == msg.Source {
			msg.Mode = chord.ModeError
			msg.Cause = pkg.ErrUnreachable
			msg.NextHop = dead
			src.EnqueueNotice(msg, nw.ctx.step+nw.ctx.Config.MessageDelay)
			return
		}
	}
	nw.ctx.Pool.Release(msg)
}

func (nw *Network) detach(node *chord.Node) {
	delete(nw.nodes, node.ID())
	for i, n := range nw.order {
		if n == node {
			nw.order = append(nw.order[:i], nw.order[i+1:]...)
			break
		}
	}
}

// Step advances every node by one step in join order.
func (nw *Network) Step(now int64) {
	for _, n := range nw.order {
		n.Step(now)
	}
}

// Pending reports whether any node still has queued messages or
// deliveries.
func (nw *Network) Pending() bool {
	for _, n := range nw.order {
		if n.Busy() {
			return true
		}
	}
	return false
}

// Node returns the live node at id.
func (nw *Network) Node(id ring.ID) (*chord.Node, bool) {
	n, ok := nw.nodes[id]
	return n, ok
}

// Nodes returns the live nodes in join order.
func (nw *Network) Nodes() []*chord.Node {
	out := make([]*chord.Node, len(nw.order))
	copy(out, nw.order)
	return out
}

// Len returns the number of live nodes.
func (nw *Network) Len() int {
	return len(nw.order)
}

// Watch subscribes owner to liveness changes of target. Both must be live.
func (nw *Network) Watch(owner, target ring.ID, fn LivenessFunc) (Token, error) {
	if _, err := nw.live(owner); err != nil {
		return 0, err
	}
	if _, err := nw.live(target); err != nil {
		return 0, err
	}
	return nw.ctx.Subs.Subscribe(owner, target, fn), nil
}

// sortedNodes returns the live nodes ordered by id.
func (nw *Network) sortedNodes() []*chord.Node {
	out := nw.Nodes()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Cmp(out[j].ID()) < 0 })
	return out
}

// Digest hashes the routing state of every node. Two networks with equal
// digests have identical successors, predecessors, successor lists and
// fingers.
func (nw *Network) Digest() uint64 {
	d := xxhash.New()
	var none [32]byte

	write := func(h *chord.NodeHandle) {
		if h == nil {
			d.Write(none[:])
			return
		}
		b := h.ID.Bytes32()
		d.Write(b[:])
	}

	for _, n := range nw.sortedNodes() {
		write(n.Self())
		write(n.Predecessor())
		for _, s := range n.SuccessorList() {
			write(s)
		}
		d.Write([]byte{0xff})
		for _, f := range n.Fingers() {
			write(f)
		}
	}
	return d.Sum64()
}
