// Package keypair holds the RSA key pair a TEE uses to bind evidence to a KBS
// session and to unwrap the content keys of resources sent back to it.
package keypair

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

const (
	// Bits is the modulus size of generated keys.
	Bits = 2048

	// AlgRSA1_5 is the JWA name for RSAES-PKCS1-v1_5 key wrapping.
	AlgRSA1_5 = "RSA1_5"
	// AlgRSAOAEP256 is the JWA name for RSAES-OAEP with SHA-256.
	AlgRSAOAEP256 = "RSA-OAEP-256"
)

// ErrClosed is returned by operations on a key pair after Close.
var ErrClosed = errors.New("key pair is closed")

// TeeKeyPair is an RSA key pair that never leaves the TEE. Only its public
// half is exported; the private half is wiped by Close.
type TeeKeyPair struct {
	mu     sync.RWMutex
	key    *rsa.PrivateKey
	alg    string
	closed bool
}

// New generates a fresh key pair.
func New() (*TeeKeyPair, error) {
	return generate(rand.Reader)
}

func generate(r io.Reader) (*TeeKeyPair, error) {
	key, err := rsa.GenerateKey(r, Bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return &TeeKeyPair{key: key, alg: AlgRSA1_5}, nil
}

// FromPEM imports a PEM encoded private key in PKCS#1 or PKCS#8 form.
func FromPEM(data []byte) (*TeeKeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	defer clear(block.Bytes)
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", k)
		}
		key = rk
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RSA key: %w", err)
	}
	key.Precompute()
	return &TeeKeyPair{key: key, alg: AlgRSA1_5}, nil
}

// Algorithm returns the key wrapping algorithm advertised with the public key.
func (k *TeeKeyPair) Algorithm() string {
	return k.alg
}

// Public implements crypto.Signer.
func (k *TeeKeyPair) Public() crypto.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil
	}
	pub := k.key.PublicKey
	return &pub
}

// Sign implements crypto.Signer.
func (k *TeeKeyPair) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrClosed
	}
	return k.key.Sign(r, digest, opts)
}

// PublicJWK returns the public key as a JSON Web Key.
func (k *TeeKeyPair) PublicJWK() (jose.JSONWebKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return jose.JSONWebKey{}, ErrClosed
	}
	pub := k.key.PublicKey
	return jose.JSONWebKey{Key: &pub, Algorithm: k.alg, Use: "enc"}, nil
}

// PublicKeyHash returns the SHA-256 of the DER encoded public key.
func (k *TeeKeyPair) PublicKeyHash() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrClosed
	}
	der := x509.MarshalPKCS1PublicKey(&k.key.PublicKey)
	sum := sha256.Sum256(der)
	return sum[:], nil
}

// Decrypt unwraps data that was encrypted to the public key with alg.
func (k *TeeKeyPair) Decrypt(alg string, data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrClosed
	}
	switch alg {
	case AlgRSA1_5:
		return rsa.DecryptPKCS1v15(rand.Reader, k.key, data)
	case AlgRSAOAEP256:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, k.key, data, nil)
	default:
		return nil, fmt.Errorf("unsupported key wrapping algorithm %q", alg)
	}
}

// Close wipes the private key. It is safe to call more than once.
func (k *TeeKeyPair) Close() error {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	wipe(k.key.D)
	for _, p := range k.key.Primes {
		wipe(p)
	}
	wipe(k.key.Precomputed.Dp)
	wipe(k.key.Precomputed.Dq)
	wipe(k.key.Precomputed.Qinv)
	for _, crt := range k.key.Precomputed.CRTValues {
		wipe(crt.Exp)
		wipe(crt.Coeff)
		wipe(crt.R)
	}
	k.key.Precomputed = rsa.PrecomputedValues{}
	k.key = &rsa.PrivateKey{PublicKey: k.key.PublicKey}
	return nil
}

func wipe(n *big.Int) {
	if n == nil {
		return
	}
	clear(n.Bits())
	n.SetInt64(0)
}
