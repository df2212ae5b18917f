package sim

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emirpasic/gods/trees/avltree"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/ring"
)

// maxProblems caps how many findings a Report spells out.
const maxProblems = 32

// Report is the result of checking every live node's routing state against
// the ideal ring built from the set of live ids.
type Report struct {
	Nodes int `json:"nodes"`

	// RingConsistent: successor pointers form one cycle through every node
	// and each predecessor mirrors it.
	RingConsistent bool `json:"ring_consistent"`

	SuccessorListsCorrect bool `json:"successor_lists_correct"`
	FingersCorrect        bool `json:"fingers_correct"`

	Issues   int      `json:"issues"`
	Problems []string `json:"problems,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	return r.RingConsistent && r.SuccessorListsCorrect && r.FingersCorrect
}

func (r *Report) addf(format string, args ...any) {
	r.Issues++
	if len(r.Problems) < maxProblems {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}
}

func idComparator(a, b any) int {
	return a.(ring.ID).Cmp(b.(ring.ID))
}

// idealRing answers successor queries over the live id set.
type idealRing struct {
	tree *avltree.Tree
	one  ring.ID
}

func newIdealRing(space *ring.Space, nodes []*chord.Node) *idealRing {
	t := avltree.NewWith(idComparator)
	for _, n := range nodes {
		t.Put(n.ID(), n)
	}
	return &idealRing{tree: t, one: space.NewID(1)}
}

// owner is the first live id at or clockwise after k.
func (r *idealRing) owner(k ring.ID) ring.ID {
	if node, ok := r.tree.Ceiling(k); ok {
		return node.Key.(ring.ID)
	}
	return r.tree.Left().Key.(ring.ID)
}

// next is the live id clockwise after x.
func (r *idealRing) next(x ring.ID) ring.ID {
	return r.owner(x.Add(r.one))
}

// Verify checks the network's routing state. It never mutates anything.
func (nw *Network) Verify() Report {
	nodes := nw.sortedNodes()
	rep := Report{
		Nodes:                 len(nodes),
		RingConsistent:        true,
		SuccessorListsCorrect: true,
		FingersCorrect:        true,
	}
	if len(nodes) == 0 {
		return rep
	}

	ideal := newIdealRing(nw.ctx.Space, nodes)
	size := nw.ctx.Config.SuccessorListSize

	// Walk the successor cycle from the smallest id.
	visited := mapset.NewThreadUnsafeSet[ring.ID]()
	cur := nodes[0]
	for i := 0; i < len(nodes); i++ {
		if !visited.Add(cur.ID()) {
			rep.RingConsistent = false
			rep.addf("successor cycle revisits %s after %d hops", cur.ID(), i)
			break
		}
		succ, ok := nw.nodes[cur.Successor().ID]
		if !ok || succ.Self() != cur.Successor() {
			rep.RingConsistent = false
			rep.addf("successor of %s is not live: %s", cur.ID(), cur.Successor().ID)
			break
		}
		cur = succ
	}
	if rep.RingConsistent && (!cur.ID().Equal(nodes[0].ID()) || visited.Cardinality() != len(nodes)) {
		rep.RingConsistent = false
		rep.addf("successor cycle covers %d of %d nodes", visited.Cardinality(), len(nodes))
	}

	for idx, n := range nodes {
		id := n.ID()
		want := ideal.next(id)

		if got := n.Successor().ID; !got.Equal(want) {
			rep.RingConsistent = false
			rep.addf("successor of %s is %s, want %s", id, got, want)
		}

		if len(nodes) > 1 {
			pred := n.Predecessor()
			wantPred := nodes[(idx+len(nodes)-1)%len(nodes)].ID()
			if pred == nil || !pred.ID.Equal(wantPred) {
				rep.RingConsistent = false
				rep.addf("predecessor of %s is %s, want %s", id, handleID(pred), wantPred)
			}
		}

		list := n.SuccessorList()
		wantLen := min(size, len(nodes)-1)
		if len(list) != wantLen {
			rep.SuccessorListsCorrect = false
			rep.addf("successor list of %s has %d entries, want %d", id, len(list), wantLen)
		}
		expect := id
		for i := 0; i < len(list) && i < wantLen; i++ {
			expect = ideal.next(expect)
			if !list[i].ID.Equal(expect) {
				rep.SuccessorListsCorrect = false
				rep.addf("successor list of %s has %s at %d, want %s", id, list[i].ID, i, expect)
				break
			}
		}

		for i, f := range n.Fingers() {
			wantFinger := ideal.owner(id.Shift(i))
			if f == nil || !f.ID.Equal(wantFinger) {
				rep.FingersCorrect = false
				rep.addf("finger %d of %s is %s, want %s", i, id, handleID(f), wantFinger)
			}
		}
	}

	return rep
}

func handleID(h *chord.NodeHandle) string {
	if h == nil {
		return "none"
	}
	return h.ID.String()
}
