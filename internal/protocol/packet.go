// Package protocol defines the huddle wire format.
//
// Every datagram starts with a fixed header:
//
//	magic "HDL" (3) || version (1) || kind (1) || msgpack body
//
// The set of packet kinds is closed. Decode returns one of the concrete
// types below; callers dispatch on Packet.Kind.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Operative-001/huddle/internal/peer"
)

const (
	Version    byte = 1
	HeaderSize      = 5

	// MaxDatagram bounds every encoded packet so it fits a single UDP
	// datagram on a typical LAN without relying on IP fragmentation limits.
	MaxDatagram = 8192

	HandshakeSize = 32
	NonceSize     = 24
)

var magic = [3]byte{'H', 'D', 'L'}

// Kind tags a packet on the wire.
type Kind byte

const (
	KindAnnounce         Kind = 0x01
	KindJoinRequest      Kind = 0x02
	KindJoinResponse     Kind = 0x03
	KindMembershipUpdate Kind = 0x04
	KindAppMessage       Kind = 0x05
)

func (k Kind) String() string {
	switch k {
	case KindAnnounce:
		return "announce"
	case KindJoinRequest:
		return "join_request"
	case KindJoinResponse:
		return "join_response"
	case KindMembershipUpdate:
		return "membership_update"
	case KindAppMessage:
		return "app_message"
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

var (
	// ErrMalformed wraps every decode failure.
	ErrMalformed = errors.New("protocol: malformed packet")
	ErrTooLarge  = errors.New("protocol: packet exceeds MaxDatagram")
)

// Packet is implemented only by the types in this package.
type Packet interface {
	Kind() Kind
	validate() error
}

// Announce advertises a peer's presence on the segment.
type Announce struct {
	PeerID peer.ID `msgpack:"id"`
	Addr   string  `msgpack:"addr"`
}

// JoinRequest asks a group member for admission. Handshake is the
// requester's fresh X25519 public value for this join only. ReplyAddr is
// where the owner sends the response, so a forwarding member never has to
// relay it back.
type JoinRequest struct {
	RequestID string  `msgpack:"rid"`
	PeerID    peer.ID `msgpack:"id"`
	ReplyAddr string  `msgpack:"reply"`
	Handshake []byte  `msgpack:"hs"`
}

// JoinResponse admits a requester. WrappedKey is the group key sealed to the
// request's handshake value; the key itself never appears on the wire.
type JoinResponse struct {
	RequestID  string    `msgpack:"rid"`
	GroupID    string    `msgpack:"gid"`
	Owner      peer.ID   `msgpack:"owner"`
	WrappedKey []byte    `msgpack:"wk"`
	Members    []peer.ID `msgpack:"members"`
	Epoch      uint64    `msgpack:"epoch"`
}

// MembershipUpdate carries the owner's member set after a change.
type MembershipUpdate struct {
	GroupID string    `msgpack:"gid"`
	Owner   peer.ID   `msgpack:"owner"`
	Members []peer.ID `msgpack:"members"`
	Epoch   uint64    `msgpack:"epoch"`
}

// AppMessage is an encrypted group message.
type AppMessage struct {
	GroupID    string  `msgpack:"gid"`
	Epoch      uint64  `msgpack:"epoch"`
	Sender     peer.ID `msgpack:"from"`
	Seq        uint64  `msgpack:"seq"`
	Nonce      []byte  `msgpack:"n"`
	Ciphertext []byte  `msgpack:"ct"`
}

func (*Announce) Kind() Kind         { return KindAnnounce }
func (*JoinRequest) Kind() Kind      { return KindJoinRequest }
func (*JoinResponse) Kind() Kind     { return KindJoinResponse }
func (*MembershipUpdate) Kind() Kind { return KindMembershipUpdate }
func (*AppMessage) Kind() Kind       { return KindAppMessage }

func (p *Announce) validate() error {
	if p.PeerID == "" {
		return errors.New("announce without peer id")
	}
	return nil
}

func (p *JoinRequest) validate() error {
	switch {
	case p.RequestID == "":
		return errors.New("join request without request id")
	case p.PeerID == "":
		return errors.New("join request without peer id")
	case len(p.Handshake) != HandshakeSize:
		return fmt.Errorf("join request handshake is %d bytes", len(p.Handshake))
	}
	return nil
}

func (p *JoinResponse) validate() error {
	switch {
	case p.RequestID == "" || p.GroupID == "":
		return errors.New("join response without ids")
	case p.Owner == "":
		return errors.New("join response without owner")
	case len(p.WrappedKey) == 0:
		return errors.New("join response without key")
	case len(p.Members) == 0:
		return errors.New("join response without members")
	}
	return nil
}

func (p *MembershipUpdate) validate() error {
	if p.GroupID == "" || len(p.Members) == 0 {
		return errors.New("membership update without group or members")
	}
	return nil
}

func (p *AppMessage) validate() error {
	switch {
	case p.GroupID == "" || p.Sender == "":
		return errors.New("message without group or sender")
	case len(p.Nonce) != NonceSize:
		return fmt.Errorf("message nonce is %d bytes", len(p.Nonce))
	case len(p.Ciphertext) == 0:
		return errors.New("message without ciphertext")
	}
	return nil
}

// Encode serialises p with its header.
func Encode(p Packet) ([]byte, error) {
	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", p.Kind(), err)
	}
	if HeaderSize+len(body) > MaxDatagram {
		return nil, ErrTooLarge
	}
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, magic[:]...)
	out = append(out, Version, byte(p.Kind()))
	return append(out, body...), nil
}

// Decode parses a datagram. All failures wrap ErrMalformed.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: short datagram (%d bytes)", ErrMalformed, len(b))
	}
	if len(b) > MaxDatagram {
		return nil, fmt.Errorf("%w: oversized datagram (%d bytes)", ErrMalformed, len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if b[3] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[3])
	}

	var p Packet
	switch k := Kind(b[4]); k {
	case KindAnnounce:
		p = new(Announce)
	case KindJoinRequest:
		p = new(JoinRequest)
	case KindJoinResponse:
		p = new(JoinResponse)
	case KindMembershipUpdate:
		p = new(MembershipUpdate)
	case KindAppMessage:
		p = new(AppMessage)
	default:
		return nil, fmt.Errorf("%w: unknown %s", ErrMalformed, k)
	}

	if err := msgpack.Unmarshal(b[HeaderSize:], p); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, p.Kind(), err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
