// Package envelope implements the symmetric primitive used to unwrap payloads
// protected by a key held in a KBS.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Algorithm names a symmetric wrapping algorithm.
type Algorithm string

// Supported algorithms. Both take a 32 byte key.
const (
	// A256GCM is AES-256-GCM with a 12 byte nonce; the 16 byte tag is
	// appended to the ciphertext.
	A256GCM Algorithm = "A256GCM"
	// A256CTR is AES-256 in counter mode with a 16 byte IV.
	A256CTR Algorithm = "A256CTR"
)

// KeySize is the key length expected by every algorithm.
const KeySize = 32

// ErrUnsupportedAlgorithm is returned for unknown algorithm tags.
var ErrUnsupportedAlgorithm = errors.New("unsupported wrap algorithm")

// Decrypt decrypts ciphertext with key and iv under alg.
func Decrypt(alg Algorithm, key, iv, ciphertext []byte) ([]byte, error) {
	switch alg {
	case A256GCM:
		return Open(key, iv, ciphertext, nil)
	case A256CTR:
		return ctr(key, iv, ciphertext)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Encrypt is the inverse of Decrypt.
func Encrypt(alg Algorithm, key, iv, plaintext []byte) ([]byte, error) {
	switch alg {
	case A256GCM:
		return Seal(key, iv, plaintext, nil)
	case A256CTR:
		return ctr(key, iv, plaintext)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedAlgorithm, alg)
	}
}

// NewIV returns a random IV of the size alg expects.
func NewIV(alg Algorithm) ([]byte, error) {
	var n int
	switch alg {
	case A256GCM:
		n = 12
	case A256CTR:
		n = aes.BlockSize
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedAlgorithm, alg)
	}
	iv := make([]byte, n)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// Open authenticates and decrypts an AES-256-GCM ciphertext (tag appended)
// with the given additional data.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	return pt, nil
}

// Seal encrypts plaintext with AES-256-GCM and appends the tag.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes-gcm: key is %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("aes-gcm: nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	return aead, nil
}

func ctr(key, iv, in []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes-ctr: key is %d bytes, want %d", len(key), KeySize)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes-ctr: iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}
