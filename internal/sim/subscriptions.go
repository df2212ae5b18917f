package sim

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/zde37/chordsim/internal/ring"
)

// Token identifies one subscription.
type Token uint64

// LivenessFunc is called when a watched node changes liveness.
type LivenessFunc func(target ring.ID, alive bool)

type subscription struct {
	owner  ring.ID
	target ring.ID
	fn     LivenessFunc
}

// Subscriptions is the liveness watch table. Every subscription belongs to
// an owner node and is removed when that owner leaves the network, so no
// callback ever reaches a removed node.
type Subscriptions struct {
	subs     map[Token]subscription
	byTarget map[ring.ID]mapset.Set[Token]
	byOwner  map[ring.ID]mapset.Set[Token]
	next     Token
}

// NewSubscriptions creates an empty table.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		subs:     make(map[Token]subscription),
		byTarget: make(map[ring.ID]mapset.Set[Token]),
		byOwner:  make(map[ring.ID]mapset.Set[Token]),
	}
}

// Subscribe registers fn to hear about target on behalf of owner.
func (s *Subscriptions) Subscribe(owner, target ring.ID, fn LivenessFunc) Token {
	s.next++
	tok := s.next
	s.subs[tok] = subscription{owner: owner, target: target, fn: fn}
	index(s.byTarget, target).Add(tok)
	index(s.byOwner, owner).Add(tok)
	return tok
}

// Unsubscribe removes one subscription. It reports whether tok was known.
func (s *Subscriptions) Unsubscribe(tok Token) bool {
	sub, ok := s.subs[tok]
	if !ok {
		return false
	}
	delete(s.subs, tok)
	unindex(s.byTarget, sub.target, tok)
	unindex(s.byOwner, sub.owner, tok)
	return true
}

// Notify calls every subscriber of target in subscription order. A node
// that is gone cannot come back under the same handle, so its watchers are
// removed after being told.
func (s *Subscriptions) Notify(target ring.ID, alive bool) int {
	set, ok := s.byTarget[target]
	if !ok {
		return 0
	}
	toks := sorted(set)
	for _, tok := range toks {
		if sub, ok := s.subs[tok]; ok {
			sub.fn(target, alive)
		}
	}
	if !alive {
		for _, tok := range toks {
			s.Unsubscribe(tok)
		}
	}
	return len(toks)
}

// DropOwner removes every subscription held by owner.
func (s *Subscriptions) DropOwner(owner ring.ID) int {
	set, ok := s.byOwner[owner]
	if !ok {
		return 0
	}
	toks := sorted(set)
	for _, tok := range toks {
		s.Unsubscribe(tok)
	}
	return len(toks)
}

// Len returns the number of live subscriptions.
func (s *Subscriptions) Len() int {
	return len(s.subs)
}

// Reset drops everything.
func (s *Subscriptions) Reset() {
	clear(s.subs)
	clear(s.byTarget)
	clear(s.byOwner)
	s.next = 0
}

func index(m map[ring.ID]mapset.Set[Token], id ring.ID) mapset.Set[Token] {
	set, ok := m[id]
	if !ok {
		set = mapset.NewThreadUnsafeSet[Token]()
		m[id] = set
	}
	return set
}

func unindex(m map[ring.ID]mapset.Set[Token], id ring.ID, tok Token) {
	set, ok := m[id]
	if !ok {
		return
	}
	set.Remove(tok)
	if set.Cardinality() == 0 {
		delete(m, id)
	}
}

func sorted(set mapset.Set[Token]) []Token {
	toks := set.ToSlice()
	sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
	return toks
}
