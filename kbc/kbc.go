// Package kbc is the key broker client used by image decryption: it fetches
// wrapping keys from a KBS and unwraps payload encryption keys with them.
package kbc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/go-kbs-client/envelope"
	"github.com/google/go-kbs-client/internal/secret"
	"github.com/google/go-kbs-client/resource"
)

var (
	ErrKeyFetchFailed   = errors.New("key fetch failed")
	ErrDecryptionFailed = errors.New("payload decryption failed")
	ErrNotSupported     = errors.New("not supported")
)

// AnnotationPacket describes a payload wrapped with a KBS held key.
// WrappedData and IV are standard base64.
type AnnotationPacket struct {
	KID         string `json:"kid"`
	WrappedData string `json:"wrapped_data"`
	IV          string `json:"iv"`
	WrapType    string `json:"wrap_type"`
}

// CheckInfo describes the KBC configuration.
type CheckInfo struct {
	KBSURL string `json:"kbs_url"`
}

// ResourceGetter fetches KBS resources. *kbs.Client implements it.
type ResourceGetter interface {
	GetResource(ctx context.Context, uri resource.URI) ([]byte, error)
}

// KBC wraps a KBS client.
type KBC struct {
	client ResourceGetter
}

// New returns a KBC backed by c.
func New(c ResourceGetter) *KBC {
	return &KBC{client: c}
}

// Check is not implemented by this KBC.
func (*KBC) Check(context.Context) (*CheckInfo, error) {
	return nil, fmt.Errorf("check: %w", ErrNotSupported)
}

// GetResource fetches a resource from the KBS.
func (k *KBC) GetResource(ctx context.Context, uri resource.URI) ([]byte, error) {
	return k.client.GetResource(ctx, uri)
}

// DecryptPayload fetches the key named by p.KID and unwraps p.WrappedData
// with it. The key is wiped before returning.
func (k *KBC) DecryptPayload(ctx context.Context, p AnnotationPacket) ([]byte, error) {
	uri, err := resource.Parse(p.KID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(p.WrappedData)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding wrapped data: %v", ErrDecryptionFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iv: %v", ErrDecryptionFailed, err)
	}

	raw, err := k.client.GetResource(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: key %s is empty", ErrKeyFetchFailed, p.KID)
	}
	key, err := secret.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}
	defer key.Close()

	plaintext, err := envelope.Decrypt(envelope.Algorithm(p.WrapType), key.Bytes(), iv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
