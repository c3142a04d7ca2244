package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/envelope"
	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/kbc"
	"github.com/google/go-kbs-client/kbs/fake"
	"github.com/google/go-kbs-client/resource"
)

// execute runs RootCmd with args. Flag variables keep their values between
// runs, so they are reset first.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	output, input = "", ""
	kbsURL, asURL = "", ""
	certFiles = nil
	teeKeyFile, tokenFile = "", ""
	teeName, tpmPath = "", ""
	timeout = 0
	runtimeData = ""
	register = attester.DefaultRegister
	logOpts = logging.Options{}

	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

type testKBS struct {
	*fake.KBS
	url      string
	certFile string
}

func newTestKBS(t *testing.T) *testKBS {
	t.Helper()
	k, err := fake.New()
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewTLSServer(k.Handler())
	t.Cleanup(srv.Close)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	return &testKBS{KBS: k, url: srv.URL, certFile: writeFile(t, "kbs.pem", certPEM)}
}

func TestGetResource(t *testing.T) {
	k := newTestKBS(t)
	want := []byte("top secret")
	k.SetResource("default/key/1", want)
	out := filepath.Join(t.TempDir(), "resource")

	if err := execute(t, "get-resource", "--tee", "sample", "--kbs-url", k.url,
		"--cert-file", k.certFile, "--output", out, "kbs:///default/key/1"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("get-resource wrote %q, want %q", got, want)
	}
	if diff := cmp.Diff(fake.Counts{Auth: 1, Attest: 1, Resource: 1}, k.Counts()); diff != "" {
		t.Errorf("unexpected KBS calls (-want +got):\n%s", diff)
	}
}

func TestGetResourceFails(t *testing.T) {
	k := newTestKBS(t)
	tests := []struct {
		name string
		args []string
	}{
		{"BadURI", []string{"get-resource", "--tee", "sample", "--kbs-url", k.url, "--cert-file", k.certFile, "https://default/key/1"}},
		{"NoKBSURL", []string{"get-resource", "--tee", "sample", "kbs:///default/key/1"}},
		{"UntrustedKBS", []string{"get-resource", "--tee", "sample", "--kbs-url", k.url, "kbs:///default/key/1"}},
		{"MissingResource", []string{"get-resource", "--tee", "sample", "--kbs-url", k.url, "--cert-file", k.certFile, "kbs:///default/key/2"}},
		{"MissingCertFile", []string{"get-resource", "--tee", "sample", "--kbs-url", k.url, "--cert-file", "/does/not/exist", "kbs:///default/key/1"}},
		{"TokenWithoutKey", []string{"get-resource", "--tee", "sample", "--kbs-url", k.url, "--cert-file", k.certFile,
			"--token-file", writeFile(t, "token", []byte("a.b.c")), "kbs:///default/key/1"}},
		{"UnknownTee", []string{"get-resource", "--tee", "nope", "--kbs-url", k.url, "--cert-file", k.certFile, "kbs:///default/key/1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := execute(t, tc.args...); err == nil {
				t.Error("get-resource succeeded, want error")
			}
		})
	}
}

func TestDecryptPayload(t *testing.T) {
	k := newTestKBS(t)
	key := bytes.Repeat([]byte{0x42}, envelope.KeySize)
	k.SetResource("default/image-key/1", key)

	want := []byte("layer decryption key")
	iv, err := envelope.NewIV(envelope.A256GCM)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := envelope.Encrypt(envelope.A256GCM, key, iv, want)
	if err != nil {
		t.Fatal(err)
	}
	packet, err := json.Marshal(kbc.AnnotationPacket{
		KID:         resource.MustParse("kbs:///default/image-key/1").String(),
		WrappedData: base64.StdEncoding.EncodeToString(wrapped),
		IV:          base64.StdEncoding.EncodeToString(iv),
		WrapType:    string(envelope.A256GCM),
	})
	if err != nil {
		t.Fatal(err)
	}
	in := writeFile(t, "packet.json", packet)
	out := filepath.Join(t.TempDir(), "payload")

	if err := execute(t, "decrypt-payload", "--tee", "sample", "--kbs-url", k.url,
		"--cert-file", k.certFile, "--input", in, "--output", out); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("decrypt-payload wrote %q, want %q", got, want)
	}
}

func TestDecryptPayloadBadInput(t *testing.T) {
	k := newTestKBS(t)
	in := writeFile(t, "packet.json", []byte("not json"))
	if err := execute(t, "decrypt-payload", "--tee", "sample", "--kbs-url", k.url,
		"--cert-file", k.certFile, "--input", in); err == nil {
		t.Error("decrypt-payload succeeded, want error")
	}
	if got := k.Counts(); got.Auth != 0 {
		t.Errorf("KBS contacted %d times for a malformed packet", got.Auth)
	}
}

func TestEvidence(t *testing.T) {
	rd := []byte("runtime data")
	out := filepath.Join(t.TempDir(), "evidence")
	if err := execute(t, "evidence", "--tee", "sample", "--runtime-data", hex.EncodeToString(rd), "--output", out); err != nil {
		t.Fatal(err)
	}
	evidence, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got, err := attester.ParseSampleEvidence(evidence)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rd, got); diff != "" {
		t.Errorf("evidence report data mismatch (-want +got):\n%s", diff)
	}
}

func TestEvidenceBadRuntimeData(t *testing.T) {
	if err := execute(t, "evidence", "--tee", "sample", "--runtime-data", "xyz"); err == nil {
		t.Error("evidence succeeded with non hex runtime data")
	}
}

func TestExtend(t *testing.T) {
	if err := execute(t, "extend", "--tee", "sample", "--register", "2", "event-1", "event-2"); err != nil {
		t.Error(err)
	}
	if err := execute(t, "extend", "--tee", "sample"); err == nil {
		t.Error("extend succeeded without events")
	}
}

func TestWriteOutputError(t *testing.T) {
	output = filepath.Join(t.TempDir(), "missing", "dir", "file")
	defer func() { output = "" }()
	err := writeOutput([]byte("data"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("writeOutput() = %v, want %v", err, os.ErrNotExist)
	}
}
