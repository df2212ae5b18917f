package chord

import "fmt"

// MessagePool hands out RouteMessages from a free list. Every message
// acquired must be released exactly once; a released message is wiped and
// must not be read again. In debug mode released messages stay poisoned and
// any reuse panics.
type MessagePool struct {
	free        []*RouteMessage
	debug       bool
	outstanding int
	acquired    uint64
}

// NewMessagePool creates an empty pool. debug enables poisoning checks.
func NewMessagePool(debug bool) *MessagePool {
	return &MessagePool{debug: debug}
}

// Acquire returns a zeroed message owned by the caller.
func (p *MessagePool) Acquire() *RouteMessage {
	p.outstanding++
	p.acquired++

	// Poisoned messages are never recycled in debug mode so stale pointers
	// keep reporting as released.
	if !p.debug && len(p.free) > 0 {
		m := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		m.reset()
		return m
	}
	return &RouteMessage{}
}

// Release returns m to the pool. Releasing twice is an ownership defect and
// panics.
func (p *MessagePool) Release(m *RouteMessage) {
	if m == nil {
		return
	}
	if m.released {
		panic(fmt.Sprintf("chord: double release of %s message", m.Type))
	}
	m.reset()
	m.released = true
	p.outstanding--
	if !p.debug {
		p.free = append(p.free, m)
	}
}

// MustLive panics if m has been released. The network calls it on every send.
func (p *MessagePool) MustLive(m *RouteMessage) {
	if m.released {
		panic("chord: use of released message")
	}
}

// Outstanding returns the number of acquired messages not yet released.
func (p *MessagePool) Outstanding() int {
	return p.outstanding
}

// Acquired returns the total number of messages handed out.
func (p *MessagePool) Acquired() uint64 {
	return p.acquired
}

// Reset forgets all bookkeeping.
func (p *MessagePool) Reset() {
	p.free = nil
	p.outstanding = 0
	p.acquired = 0
}
