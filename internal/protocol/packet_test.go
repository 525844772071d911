package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/huddle/internal/peer"
)

func TestEncodeDecodeAppMessage(t *testing.T) {
	in := &AppMessage{
		GroupID:    "g1",
		Epoch:      3,
		Sender:     "alice",
		Seq:        42,
		Nonce:      bytes.Repeat([]byte{7}, NonceSize),
		Ciphertext: []byte("sealed"),
	}
	wire, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, []byte("HDL"), wire[:3])
	assert.Equal(t, byte(KindAppMessage), wire[4])

	out, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, KindAppMessage, out.Kind())
	assert.Equal(t, in, out.(*AppMessage))
}

func TestDecodeDispatchesEveryKind(t *testing.T) {
	hs := bytes.Repeat([]byte{1}, HandshakeSize)
	tests := []Packet{
		&Announce{PeerID: "p1", Addr: "10.0.0.1:4000"},
		&JoinRequest{RequestID: "r1", PeerID: "p2", ReplyAddr: "10.0.0.2:4000", Handshake: hs},
		&JoinResponse{RequestID: "r1", GroupID: "g", Owner: "p1", WrappedKey: []byte{1, 2}, Members: []peer.ID{"p1", "p2"}, Epoch: 1},
		&MembershipUpdate{GroupID: "g", Owner: "p1", Members: []peer.ID{"p1", "p2"}, Epoch: 1},
	}
	for _, p := range tests {
		t.Run(p.Kind().String(), func(t *testing.T) {
			wire, err := Encode(p)
			require.NoError(t, err)
			got, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, p.Kind(), got.Kind())
			assert.Equal(t, p, got)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	good, err := Encode(&Announce{PeerID: "p1"})
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	badVersion := append([]byte(nil), good...)
	badVersion[3] = 9
	badKind := append([]byte(nil), good...)
	badKind[4] = 0x7f
	noID, err := Encode(&Announce{Addr: "x"})
	require.NoError(t, err)
	shortHS, err := Encode(&JoinRequest{RequestID: "r", PeerID: "p", Handshake: []byte{1}})
	require.NoError(t, err)

	tests := map[string][]byte{
		"short":        {'H', 'D'},
		"bad magic":    badMagic,
		"bad version":  badVersion,
		"unknown kind": badKind,
		"garbage body": append(append([]byte(nil), good[:HeaderSize]...), 0xc1),
		"missing id":   noID,
		"short hs":     shortHS,
		"oversized":    make([]byte, MaxDatagram+1),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(&AppMessage{
		GroupID:    "g",
		Sender:     "s",
		Nonce:      make([]byte, NonceSize),
		Ciphertext: make([]byte, MaxDatagram),
	})
	assert.ErrorIs(t, err, ErrTooLarge)
}
