package scheduler

import (
	"fmt"
	"strings"

	"github.com/zde37/chordsim/internal/ring"
)

// EventType is the kind of churn an Event applies.
type EventType int

const (
	EventJoin EventType = iota
	EventLeave
	EventFail
)

func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// ParseEventType accepts the names produced by String, case-insensitively.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "JOIN":
		return EventJoin, nil
	case "LEAVE":
		return EventLeave, nil
	case "FAIL":
		return EventFail, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Event is one scheduled churn action. For a JOIN, To names the bootstrap
// node; nil lets the network pick any live node, or start a new ring.
type Event struct {
	From   ring.ID
	To     *ring.ID
	Type   EventType
	Time   int64
	Faulty bool // JOIN with the faulty protocol handler
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s @%d", e.Type, e.From, e.Time)
	if e.To != nil {
		s += fmt.Sprintf(" via %s", *e.To)
	}
	if e.Faulty {
		s += " (faulty)"
	}
	return s
}
