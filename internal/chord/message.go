package chord

import "github.com/zde37/chordsim/internal/ring"

// Mode is the delivery mode of a RouteMessage.
type Mode int

const (
	ModeRequest Mode = iota
	ModeReply
	ModeRefresh
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeRequest:
		return "REQUEST"
	case ModeReply:
		return "REPLY"
	case ModeRefresh:
		return "REFRESH"
	case ModeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MessageType selects the protocol operation a RouteMessage carries.
type MessageType int

const (
	TypeFindSucc MessageType = iota
	TypeFindPre
	TypeGetPre
	TypeSetSucc
	TypeSetPre
	TypeNotify
	TypeSuccList
	TypeBroadcast
	TypeData
)

func (t MessageType) String() string {
	switch t {
	case TypeFindSucc:
		return "FIND_SUCC"
	case TypeFindPre:
		return "FIND_PRE"
	case TypeGetPre:
		return "GET_PRE"
	case TypeSetSucc:
		return "SET_SUCC"
	case TypeSetPre:
		return "SET_PRE"
	case TypeNotify:
		return "NOTIFY"
	case TypeSuccList:
		return "SUCC_LIST"
	case TypeBroadcast:
		return "BROADCAST"
	case TypeData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// RouteMessage is the envelope for all protocol and application traffic.
// It is rewritten in place as it travels hop by hop and is owned by exactly
// one node (or queue) at a time; the final owner releases it to the pool.
type RouteMessage struct {
	// Key correlates a REPLY with the listener registered for its REQUEST.
	// Empty means no continuation is waiting.
	Key         string
	Source      *NodeHandle
	Destination *NodeHandle
	NextHop     *NodeHandle
	Type        MessageType
	Mode        Mode
	AppID       string
	Payload     any

	// Hops counts forwards since the message was created.
	Hops int
	// Cause records why an ERROR-mode message was produced.
	Cause error

	released bool
}

// Released reports whether the message has been returned to its pool.
func (m *RouteMessage) Released() bool {
	return m.released
}

func (m *RouteMessage) reset() {
	*m = RouteMessage{}
}

// LookupPayload asks for the successor or predecessor of Target.
type LookupPayload struct {
	Target ring.ID
}

// HandlePayload carries a single node reference. Node may be nil, e.g. a
// GET_PRE reply from a node without a predecessor.
type HandlePayload struct {
	Node *NodeHandle
}

// SuccListPayload carries a successor list snapshot.
type SuccListPayload struct {
	List []*NodeHandle
}

// BroadcastPayload carries application data and the exclusive upper bound of
// the arc the receiver is responsible for covering.
type BroadcastPayload struct {
	Limit ring.ID
	Data  any
}
