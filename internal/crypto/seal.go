package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUndecryptable is returned by Open for any ciphertext that does not
// authenticate under the key. Callers drop such messages.
var ErrUndecryptable = errors.New("crypto: undecryptable")

// Seal encrypts plaintext under the group key with a fresh random 24-byte
// nonce. aad is authenticated but not encrypted.
func Seal(key GroupKey, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key.Secret[:])
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts a ciphertext produced by Seal.
func Open(key GroupKey, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Secret[:])
	if err != nil {
		return nil, ErrUndecryptable
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrUndecryptable
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrUndecryptable
	}
	return pt, nil
}
