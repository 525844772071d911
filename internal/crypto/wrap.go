package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const wrapInfo = "huddle-keywrap-v1"

// wrapped layout: ephPub(32) || nonce(12) || seal(epoch(8) || secret(32)) + tag(16)
const (
	wrapPlainSize = 8 + KeySize
	WrappedSize   = 32 + chacha20poly1305.NonceSize + wrapPlainSize + chacha20poly1305.Overhead
)

// ErrUnwrapFailed is returned when wrapped key material cannot be recovered
// with the given handshake: wrong recipient, corruption, or mismatched
// associated data.
var ErrUnwrapFailed = errors.New("crypto: unwrap failed")

// Wrap seals key to recipientPub, the joiner's handshake value:
//   - Ephemeral X25519 keypair generated per wrap
//   - Shared secret via ECDH with the joiner's handshake value
//   - Key derived with HKDF-SHA256 over both public values
//   - Authenticated encryption with ChaCha20-Poly1305, binding aad
func Wrap(key GroupKey, recipientPub [32]byte, aad []byte) ([]byte, error) {
	eph, err := GenerateHandshake()
	if err != nil {
		return nil, err
	}
	defer eph.Wipe()

	shared, err := curve25519.X25519(eph.private[:], recipientPub[:])
	if err != nil {
		return nil, err
	}
	kek, err := deriveWrapKey(shared, eph.Public[:], recipientPub[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	pt := make([]byte, wrapPlainSize)
	binary.BigEndian.PutUint64(pt, key.Epoch)
	copy(pt[8:], key.Secret[:])

	out := make([]byte, 0, WrappedSize)
	out = append(out, eph.Public[:]...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, pt, aad), nil
}

// Unwrap recovers the key sealed by Wrap using the joiner's handshake.
// Any failure returns ErrUnwrapFailed and a zero key.
func Unwrap(wrapped []byte, h *Handshake, aad []byte) (GroupKey, error) {
	if h == nil || len(wrapped) != WrappedSize {
		return GroupKey{}, ErrUnwrapFailed
	}
	ephPub := wrapped[:32]
	nonce := wrapped[32 : 32+chacha20poly1305.NonceSize]
	ct := wrapped[32+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(h.private[:], ephPub)
	if err != nil {
		return GroupKey{}, ErrUnwrapFailed
	}
	kek, err := deriveWrapKey(shared, ephPub, h.Public[:])
	if err != nil {
		return GroupKey{}, ErrUnwrapFailed
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return GroupKey{}, ErrUnwrapFailed
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil || len(pt) != wrapPlainSize {
		return GroupKey{}, ErrUnwrapFailed
	}

	var k GroupKey
	k.Epoch = binary.BigEndian.Uint64(pt)
	copy(k.Secret[:], pt[8:])
	return k, nil
}

func deriveWrapKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	r := hkdf.New(sha256.New, shared, salt, []byte(wrapInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
