package node

import (
	"github.com/Operative-001/huddle/internal/broadcast"
	"github.com/Operative-001/huddle/internal/group"
	"github.com/Operative-001/huddle/internal/peer"
)

// EventKind indicates what an Event reports.
type EventKind int

const (
	// PeerDiscovered: a new peer entered the live set.
	PeerDiscovered EventKind = iota + 1
	// PeerLost: a peer was silent past the liveness timeout.
	PeerLost
	// GroupCreated: this node created a group and owns it.
	GroupCreated
	// GroupJoined: a join completed and this node is a member.
	GroupJoined
	// MembersChanged: the member set grew and the epoch advanced.
	MembersChanged
	// GroupLeft: the operator left the group.
	GroupLeft
	// MessageReceived: a group message was decrypted and delivered.
	MessageReceived
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer-discovered"
	case PeerLost:
		return "peer-lost"
	case GroupCreated:
		return "group-created"
	case GroupJoined:
		return "group-joined"
	case MembersChanged:
		return "members-changed"
	case GroupLeft:
		return "group-left"
	case MessageReceived:
		return "message-received"
	}
	return "unknown"
}

// Event is delivered on the Events channel. Only the field matching Kind
// is set.
type Event struct {
	Kind    EventKind
	Peer    peer.Info
	Group   group.Group
	Message broadcast.Delivery
}

// emit delivers ev without blocking. Events are dropped when the consumer
// lags or the node is stopped.
func (n *Node) emit(ev Event) {
	n.evMu.RLock()
	defer n.evMu.RUnlock()
	if n.evClosed {
		return
	}
	select {
	case n.events <- ev:
	default:
		n.log.Warnw("event dropped, consumer lagging", "kind", ev.Kind)
	}
}
