package kbs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/token"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func TestBuild(t *testing.T) {
	c, err := NewBuilderWithEvidenceProvider("https://127.0.0.1:8081", attester.NewSample()).Build()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := c.KbsURI().Addr(); got != "127.0.0.1:8081" {
		t.Errorf("KbsURI().Addr() = %q", got)
	}
	if c.http.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.http.Timeout, DefaultTimeout)
	}
	if c.Token() != nil {
		t.Error("new client has a token")
	}
}

func TestBuildWithToken(t *testing.T) {
	c, err := NewBuilderWithTokenProvider("https://127.0.0.1:8081", token.MockProvider{}).
		SetToken(token.MockToken).
		SetTEEKey(testKeyPEM(t)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := c.Token(); got == nil || got.String() != token.MockToken {
		t.Errorf("Token() = %v, want the explicit token", got)
	}
}

func TestBuildFails(t *testing.T) {
	sample := attester.NewSample()
	testcases := []struct {
		name    string
		builder *Builder
		wantErr error
	}{
		{
			name:    "url without host",
			builder: NewBuilderWithEvidenceProvider("file:///tmp/wrong", sample),
			wantErr: ErrInvalidKBSURL,
		},
		{
			name:    "malformed certificate",
			builder: NewBuilderWithEvidenceProvider("https://127.0.0.1", sample).AddKBSCert([]byte("not a cert")),
			wantErr: ErrTLSConfig,
		},
		{
			name:    "malformed key",
			builder: NewBuilderWithEvidenceProvider("https://127.0.0.1", sample).SetTEEKey([]byte("not a key")),
			wantErr: ErrKeyImport,
		},
		{
			name:    "token without key",
			builder: NewBuilderWithTokenProvider("https://127.0.0.1", token.MockProvider{}).SetToken(token.MockToken),
			wantErr: ErrClientBuild,
		},
		{
			name: "malformed token",
			builder: NewBuilderWithTokenProvider("https://127.0.0.1", token.MockProvider{}).
				SetToken("garbage").SetTEEKey(testKeyPEM(t)),
			wantErr: ErrClientBuild,
		},
		{
			name:    "no provider",
			builder: &Builder{url: "https://127.0.0.1"},
			wantErr: ErrClientBuild,
		},
		{
			name:    "both providers",
			builder: &Builder{url: "https://127.0.0.1", evidenceProvider: sample, tokenProvider: token.MockProvider{}},
			wantErr: ErrClientBuild,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := tc.builder.Build()
			if !errors.Is(err, tc.wantErr) {
				if c != nil {
					c.Close()
				}
				t.Fatalf("Build() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
