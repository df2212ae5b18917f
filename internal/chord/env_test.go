package chord

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

// testEnv is a minimal in-package network for driving nodes by hand.
type testEnv struct {
	t        *testing.T
	cfg      *config.Config
	space    *ring.Space
	now      int64
	nodes    map[ring.ID]*Node
	order    []*Node
	pool     *MessagePool
	stats    Stats
	rng      *rand.Rand
	maintain bool
}

func newTestEnv(t *testing.T, bits int) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Bits = bits
	cfg.SuccessorListSize = 3
	cfg.StabilizeInterval = 2
	cfg.FixFingersInterval = 1
	cfg.ListenerTTL = 16
	cfg.DebugPool = true

	space, err := ring.NewSpace(bits)
	require.NoError(t, err)

	return &testEnv{
		t:        t,
		cfg:      cfg,
		space:    space,
		nodes:    make(map[ring.ID]*Node),
		pool:     NewMessagePool(true),
		rng:      rand.New(rand.NewSource(7)),
		maintain: true,
	}
}

func (e *testEnv) Now() int64 { return e.now }
func (e *testEnv) Pool() *MessagePool { return e.pool }
func (e *testEnv) Rand() *rand.Rand { return e.rng }
func (e *testEnv) Stats() *Stats { return &e.stats }
func (e *testEnv) Maintaining() bool { return e.maintain }
func (e *testEnv) id(v uint64) ring.ID { return e.space.NewID(v) }
func (e *testEnv) node(v uint64) *Node { return e.nodes[e.id(v)] }
func (e *testEnv) handle(v uint64) *NodeHandle { return e.node(v).Self() }

func (e *testEnv) Send(from, to *NodeHandle, msg *RouteMessage, delay int64) error {
	e.pool.MustLive(msg)
	n, ok := e.nodes[to.ID]
	if !ok || n.Self() != to || !to.Alive {
		e.stats.DeliveryFailures++
		return pkg.ErrUnreachable
	}
	if delay < 1 {
		delay = 1
	}
	if err := n.Enqueue(msg, e.now+delay); err != nil {
		e.stats.DeliveryFailures++
		return err
	}
	e.stats.MessagesSent++
	return nil
}

func (e *testEnv) Bootstrap(exclude ring.ID) *NodeHandle {
	for _, n := range e.order {
		if n.Self().Alive && !n.ID().Equal(exclude) {
			return n.Self()
		}
	}
	return nil
}

// add creates a node at v without joining it.
func (e *testEnv) add(v uint64, handler ProtocolHandler) *Node {
	e.t.Helper()
	n, err := NewNode(NewNodeHandle(e.id(v), 0), e.cfg, e, pkg.NewNop(), handler)
	require.NoError(e.t, err)
	e.nodes[n.ID()] = n
	e.order = append(e.order, n)
	return n
}

// ring builds a converged ring from ids by joining them one at a time.
func (e *testEnv) ring(ids ...uint64) {
	e.t.Helper()
	for i, v := range ids {
		n := e.add(v, nil)
		if i == 0 {
			n.Create()
			continue
		}
		require.NoError(e.t, n.Join(e.node(ids[0]).Self()))
		e.run(8)
	}
	e.run(40 * int64(e.cfg.Bits))
}

func (e *testEnv) step() {
	for _, n := range e.order {
		if n.Self().Alive {
			n.Step(e.now)
		}
	}
	e.now++
}

func (e *testEnv) run(steps int64) {
	for i := int64(0); i < steps; i++ {
		e.step()
	}
}

// kill fails n abruptly and releases whatever it had queued.
func (e *testEnv) kill(n *Node) {
	n.Self().Alive = false
	for _, m := range n.Shutdown() {
		e.pool.Release(m)
	}
}

// recorder is an Application that records what reaches it.
type recorder struct {
	delivered []any
	updates   []string
	veto      bool
}

func (r *recorder) Forward(*RouteMessage) bool { return !r.veto }
func (r *recorder) Deliver(_ ring.ID, payload any) { r.delivered = append(r.delivered, payload) }
func (r *recorder) Update(h *NodeHandle, joined bool) {
	state := "left"
	if joined {
		state = "joined"
	}
	r.updates = append(r.updates, h.ID.String()+":"+state)
}
func (r *recorder) ByStep() {}
