package scheduler

import (
	"fmt"
	"math/rand"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/zde37/chordsim/internal/ring"
)

// ChurnOptions shapes a generated event timeline.
type ChurnOptions struct {
	Nodes       int   // Number of JOINs
	Faulty      int   // How many of the joiners run the faulty handler
	Failures    int   // FAIL events after the joins
	Leaves      int   // LEAVE events after the joins
	Start       int64 // Step of the first JOIN
	JoinSpacing int64 // Steps between consecutive events
	Settle      int64 // Quiet steps between the last JOIN and the first departure
}

// DefaultChurnOptions returns options for a join-only ring.
func DefaultChurnOptions(nodes int) ChurnOptions {
	return ChurnOptions{
		Nodes:       nodes,
		JoinSpacing: 2,
		Settle:      100,
	}
}

// GenerateChurn builds a random timeline: Nodes JOINs at distinct Ids, each
// bootstrapping from the first node, followed by the departures. The first
// node never departs and is never faulty.
func GenerateChurn(space *ring.Space, rng *rand.Rand, opts ChurnOptions) ([]Event, error) {
	if opts.Nodes <= 0 {
		return nil, fmt.Errorf("nodes must be positive, got %d", opts.Nodes)
	}
	if space.Bits() < 63 && uint64(opts.Nodes) > uint64(1)<<space.Bits() {
		return nil, fmt.Errorf("%d nodes do not fit a %d-bit ring", opts.Nodes, space.Bits())
	}
	if opts.Failures < 0 || opts.Leaves < 0 || opts.Faulty < 0 {
		return nil, fmt.Errorf("churn counts cannot be negative")
	}
	if opts.Failures+opts.Leaves > opts.Nodes-1 {
		return nil, fmt.Errorf("cannot remove %d of %d nodes", opts.Failures+opts.Leaves, opts.Nodes)
	}
	if opts.Faulty > opts.Nodes-1 {
		return nil, fmt.Errorf("cannot mark %d of %d nodes faulty", opts.Faulty, opts.Nodes)
	}
	if opts.JoinSpacing < 1 {
		opts.JoinSpacing = 1
	}

	seen := mapset.NewThreadUnsafeSet[ring.ID]()
	nodeIDs := make([]ring.ID, 0, opts.Nodes)
	for len(nodeIDs) < opts.Nodes {
		id := space.Random(rng)
		if seen.Add(id) {
			nodeIDs = append(nodeIDs, id)
		}
	}

	faulty := mapset.NewThreadUnsafeSet[int]()
	for _, i := range rng.Perm(opts.Nodes - 1)[:opts.Faulty] {
		faulty.Add(i + 1)
	}

	events := make([]Event, 0, opts.Nodes+opts.Failures+opts.Leaves)
	bootstrap := nodeIDs[0]
	t := opts.Start
	for i, id := range nodeIDs {
		ev := Event{From: id, Type: EventJoin, Time: t, Faulty: faulty.Contains(i)}
		if i > 0 {
			to := bootstrap
			ev.To = &to
		}
		events = append(events, ev)
		t += opts.JoinSpacing
	}

	t += opts.Settle
	victims := rng.Perm(opts.Nodes - 1)
	for k := 0; k < opts.Failures+opts.Leaves; k++ {
		typ := EventFail
		if k >= opts.Failures {
			typ = EventLeave
		}
		events = append(events, Event{From: nodeIDs[victims[k]+1], Type: typ, Time: t})
		t += opts.JoinSpacing
	}

	return events, nil
}
