// Package crypto implements group key custody for huddle.
//
//   - The group key is a random 256-bit secret created with the group.
//   - A joiner proves nothing but receives the key wrapped to a fresh X25519
//     handshake value it generated for that join only (see Wrap).
//   - Application messages are sealed under the group key with
//     XChaCha20-Poly1305 and a random nonce (see Seal).
package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// GroupKey is the symmetric key shared by all members. Epoch is the group
// epoch at which the key was generated; messages from older epochs cannot
// have been sealed under it.
type GroupKey struct {
	Secret [KeySize]byte
	Epoch  uint64
}

// GenerateGroupKey returns a fresh random key tagged with epoch.
func GenerateGroupKey(epoch uint64) (GroupKey, error) {
	k := GroupKey{Epoch: epoch}
	if _, err := io.ReadFull(rand.Reader, k.Secret[:]); err != nil {
		return GroupKey{}, err
	}
	return k, nil
}

// Handshake is an ephemeral X25519 key pair used for exactly one join.
// Public travels in the JoinRequest; the private half never leaves the node.
type Handshake struct {
	Public  [32]byte
	private [32]byte
}

// GenerateHandshake returns a fresh handshake pair. Callers must not reuse
// one across joins.
func GenerateHandshake() (*Handshake, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	// Clamp scalar
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	h := &Handshake{private: priv}
	copy(h.Public[:], pub)
	return h, nil
}

// Wipe zeroes the private half once the join is resolved.
func (h *Handshake) Wipe() {
	for i := range h.private {
		h.private[i] = 0
	}
}
