package kbc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/envelope"
	"github.com/google/go-kbs-client/kbs"
	"github.com/google/go-kbs-client/kbs/fake"
	"github.com/google/go-kbs-client/resource"
)

var wrappingKey = bytes.Repeat([]byte{7}, envelope.KeySize)

// stubGetter serves resources from a map and remembers what it handed out.
type stubGetter struct {
	resources map[string][]byte
	served    [][]byte
	err       error
}

func (s *stubGetter) GetResource(_ context.Context, uri resource.URI) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.resources[uri.ResourcePath()]
	if !ok {
		return nil, errors.New("not found")
	}
	out := bytes.Clone(data)
	s.served = append(s.served, out)
	return out, nil
}

func wrap(t *testing.T, alg envelope.Algorithm, plaintext []byte) AnnotationPacket {
	t.Helper()
	iv, err := envelope.NewIV(alg)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := envelope.Encrypt(alg, wrappingKey, iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return AnnotationPacket{
		KID:         "kbs:///default/image-key/1",
		WrappedData: base64.StdEncoding.EncodeToString(ct),
		IV:          base64.StdEncoding.EncodeToString(iv),
		WrapType:    string(alg),
	}
}

func TestDecryptPayload(t *testing.T) {
	layerKey := []byte("layer encryption key")
	for _, alg := range []envelope.Algorithm{envelope.A256GCM, envelope.A256CTR} {
		t.Run(string(alg), func(t *testing.T) {
			g := &stubGetter{resources: map[string][]byte{"default/image-key/1": wrappingKey}}
			got, err := New(g).DecryptPayload(context.Background(), wrap(t, alg, layerKey))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, layerKey) {
				t.Errorf("DecryptPayload() = %q, want %q", got, layerKey)
			}
			for _, served := range g.served {
				if !bytes.Equal(served, make([]byte, len(served))) {
					t.Error("fetched key was not wiped")
				}
			}
		})
	}
}

func TestDecryptPayloadFails(t *testing.T) {
	good := wrap(t, envelope.A256GCM, []byte("layer key"))
	testcases := []struct {
		name    string
		packet  func() AnnotationPacket
		getter  *stubGetter
		wantErr error
	}{
		{
			name:    "bad kid",
			packet:  func() AnnotationPacket { p := good; p.KID = "https://x/y"; return p },
			wantErr: ErrKeyFetchFailed,
		},
		{
			name:    "fetch error",
			packet:  func() AnnotationPacket { return good },
			getter:  &stubGetter{err: errors.New("unreachable")},
			wantErr: ErrKeyFetchFailed,
		},
		{
			name:    "bad base64",
			packet:  func() AnnotationPacket { p := good; p.WrappedData = "%%%"; return p },
			wantErr: ErrDecryptionFailed,
		},
		{
			name:    "unknown wrap type",
			packet:  func() AnnotationPacket { p := good; p.WrapType = "A128KW"; return p },
			wantErr: ErrDecryptionFailed,
		},
		{
			name:    "wrong key",
			packet:  func() AnnotationPacket { return good },
			getter:  &stubGetter{resources: map[string][]byte{"default/image-key/1": bytes.Repeat([]byte{8}, 32)}},
			wantErr: ErrDecryptionFailed,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			g := tc.getter
			if g == nil {
				g = &stubGetter{resources: map[string][]byte{"default/image-key/1": wrappingKey}}
			}
			if _, err := New(g).DecryptPayload(context.Background(), tc.packet()); !errors.Is(err, tc.wantErr) {
				t.Errorf("DecryptPayload() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if _, err := New(&stubGetter{}).Check(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Check() = %v, want ErrNotSupported", err)
	}
}

func TestDecryptPayloadWithKBS(t *testing.T) {
	k, err := fake.New()
	if err != nil {
		t.Fatal(err)
	}
	k.SetResource("default/image-key/1", wrappingKey)
	srv := httptest.NewTLSServer(k.Handler())
	defer srv.Close()

	c, err := kbs.NewBuilderWithEvidenceProvider(srv.URL, attester.NewSample()).
		AddKBSCert(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, err := New(c).DecryptPayload(context.Background(), wrap(t, envelope.A256GCM, []byte("layer key")))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "layer key" {
		t.Errorf("DecryptPayload() = %q", got)
	}
}
