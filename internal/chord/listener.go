package chord

import (
	"fmt"
	"sort"

	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

// Continuation is the typed state a node needs to resume a multi-hop
// operation once its reply arrives. Each variant carries exactly that state.
type Continuation interface {
	continuation()
	String() string
}

// ResumeJoin completes this node's own join once its successor is known.
type ResumeJoin struct {
	Bootstrap *NodeHandle
}

// ResumeFindSucc answers a FIND_SUCC asked by another node.
type ResumeFindSucc struct {
	Requester    *NodeHandle
	RequesterKey string
}

// ResumeStabilize checks the successor's predecessor.
type ResumeStabilize struct {
	Successor *NodeHandle
}

// ResumeFixFinger stores the owner of a finger start.
type ResumeFixFinger struct {
	Index int
}

// ResumeLookup reports a user lookup result.
type ResumeLookup struct {
	Target  ring.ID
	Started int64
	Done    func(owner *NodeHandle, hops int)
}

func (ResumeJoin) continuation()      {}
func (ResumeFindSucc) continuation()  {}
func (ResumeStabilize) continuation() {}
func (ResumeFixFinger) continuation() {}
func (ResumeLookup) continuation()    {}

func (c ResumeJoin) String() string { return "join" }
func (c ResumeFindSucc) String() string {
	return fmt.Sprintf("find_succ(for %s)", idString(c.Requester))
}
func (c ResumeStabilize) String() string { return "stabilize" }
func (c ResumeFixFinger) String() string { return fmt.Sprintf("fix_finger(%d)", c.Index) }
func (c ResumeLookup) String() string   { return fmt.Sprintf("lookup(%s)", c.Target.Short()) }

type listener struct {
	cont     Continuation
	deadline int64
}

// listenerRegistry maps correlation keys to pending continuations. Entries
// are single-shot: Resolve removes them.
type listenerRegistry struct {
	entries map[string]listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{entries: make(map[string]listener)}
}

// Register adds a continuation under key. A duplicate key is an invariant
// violation and is rejected with pkg.ErrListenerExists.
func (r *listenerRegistry) Register(key string, cont Continuation, deadline int64) error {
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %s", pkg.ErrListenerExists, key)
	}
	r.entries[key] = listener{cont: cont, deadline: deadline}
	return nil
}

// Resolve removes and returns the continuation for key.
func (r *listenerRegistry) Resolve(key string) (Continuation, bool) {
	l, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	delete(r.entries, key)
	return l.cont, true
}

// Has reports whether key is pending.
func (r *listenerRegistry) Has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Expire removes every listener whose deadline is before now and returns
// them in key order.
func (r *listenerRegistry) Expire(now int64) []expired {
	var out []expired
	for k, l := range r.entries {
		if l.deadline < now {
			out = append(out, expired{key: k, cont: l.cont})
			delete(r.entries, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Len returns the number of pending listeners.
func (r *listenerRegistry) Len() int {
	return len(r.entries)
}

// Keys returns the pending keys, sorted.
func (r *listenerRegistry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear drops everything.
func (r *listenerRegistry) Clear() {
	clear(r.entries)
}

type expired struct {
	key  string
	cont Continuation
}
