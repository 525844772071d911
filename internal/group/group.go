// Package group is the per-node authority over group membership.
//
// A node is in exactly one of four states:
//
//	NoGroup ──Create──▶ Owner
//	NoGroup ──Join──▶ Joining ──response──▶ Member
//	                  Joining ──timeout/cancel/unwrap failure──▶ NoGroup
//
// Owner and Member only return to NoGroup through Reset. The owner is the
// only node that admits: members forward join requests to it, so the member
// set has a single writer and epochs never fork.
package group

import (
	"errors"

	"github.com/Operative-001/huddle/internal/crypto"
	"github.com/Operative-001/huddle/internal/discovery"
	"github.com/Operative-001/huddle/internal/peer"
)

var (
	ErrAlreadyInGroup = errors.New("group: already in a group")
	ErrPeerNotFound   = discovery.ErrPeerNotFound
	ErrJoinTimeout    = errors.New("group: join timed out")
	ErrJoinCancelled  = errors.New("group: join cancelled")
	ErrUnwrapFailed   = crypto.ErrUnwrapFailed
	ErrStaleEpoch     = errors.New("group: stale epoch")
	ErrNotInGroup     = errors.New("group: not in a group")
	ErrGroupMismatch  = errors.New("group: update for a different group")
)

// State is the node's position in the group lifecycle.
type State int

const (
	NoGroup State = iota
	Joining
	Owner
	Member
)

func (s State) String() string {
	switch s {
	case NoGroup:
		return "no-group"
	case Joining:
		return "joining"
	case Owner:
		return "owner"
	case Member:
		return "member"
	}
	return "unknown"
}

// Group is the local view of the group this node belongs to.
type Group struct {
	ID      string
	Owner   peer.ID
	Members []peer.ID // sorted, no duplicates
	Key     crypto.GroupKey
	Epoch   uint64
}

// HasMember reports whether id is in the member set.
func (g Group) HasMember(id peer.ID) bool {
	return peer.Contains(g.Members, id)
}

func (g Group) clone() Group {
	g.Members = append([]peer.ID(nil), g.Members...)
	return g
}

// ChangeKind says what happened to the local group.
type ChangeKind int

const (
	Created ChangeKind = iota + 1
	Joined
	MembersChanged
	Left
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Joined:
		return "joined"
	case MembersChanged:
		return "members-changed"
	case Left:
		return "left"
	}
	return "unknown"
}

// Change is delivered to the machine's listener after every transition.
// Group is the zero value for Left.
type Change struct {
	Kind  ChangeKind
	Group Group
}
