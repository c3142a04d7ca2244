package teeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/kbc"
	"github.com/google/go-kbs-client/kbs"
	"github.com/google/go-kbs-client/resource"
)

type fakeBroker struct {
	resources map[string][]byte
	err       error
	packets   []kbc.AnnotationPacket
}

func (f *fakeBroker) GetResource(_ context.Context, uri resource.URI) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.resources[uri.ResourcePath()]
	if !ok {
		return nil, &kbs.StatusError{StatusCode: http.StatusNotFound, Detail: "not found"}
	}
	return data, nil
}

func (f *fakeBroker) DecryptPayload(_ context.Context, p kbc.AnnotationPacket) ([]byte, error) {
	f.packets = append(f.packets, p)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("plaintext"), nil
}

func (f *fakeBroker) Check(context.Context) (*kbc.CheckInfo, error) {
	return nil, kbc.ErrNotSupported
}

func newHandler(b KeyBroker, ev attester.EvidenceProvider) http.Handler {
	return (&agentHandler{broker: b, evidence: ev, logger: logging.Discard()}).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	data, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return w.Code, data
}

func TestGetResource(t *testing.T) {
	b := &fakeBroker{resources: map[string][]byte{"default/key/1": []byte("secret")}}
	h := newHandler(b, nil)

	code, data := do(t, h, http.MethodGet, "/v1/resource/default/key/1", "")
	if code != http.StatusOK {
		t.Errorf("got return code: %d, want: %d", code, http.StatusOK)
	}
	if string(data) != "secret" {
		t.Errorf("got content: %q, want: %q", data, "secret")
	}

	code, _ = do(t, h, http.MethodGet, "/v1/resource/default/key/2", "")
	if code != http.StatusNotFound {
		t.Errorf("got return code: %d, want: %d", code, http.StatusNotFound)
	}
	code, _ = do(t, h, http.MethodPost, "/v1/resource/default/key/1", "")
	if code != http.StatusMethodNotAllowed {
		t.Errorf("got return code: %d, want: %d", code, http.StatusMethodNotAllowed)
	}
}

func TestErrorMapping(t *testing.T) {
	testcases := []struct {
		name string
		err  error
		want int
	}{
		{"host mismatch", fmt.Errorf("wrapped: %w", kbs.ErrHostMismatch), http.StatusBadRequest},
		{"invalid uri", fmt.Errorf("%w: %w", kbc.ErrKeyFetchFailed, resource.ErrInvalidURI), http.StatusBadRequest},
		{"not found", &kbs.StatusError{StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{"not supported", attester.ErrNotSupported, http.StatusNotImplemented},
		{"rejected", fmt.Errorf("%w: %w", kbs.ErrResourceFetchFailed, &kbs.AttestationError{Stage: kbs.StageAttest}), http.StatusInternalServerError},
		{"decryption", kbc.ErrDecryptionFailed, http.StatusInternalServerError},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHandler(&fakeBroker{err: tc.err}, nil)
			if code, _ := do(t, h, http.MethodPost, "/v1/decrypt", `{"kid":"kbs:///a/b/c"}`); code != tc.want {
				t.Errorf("got return code: %d, want: %d", code, tc.want)
			}
		})
	}
}

func TestDecryptPayload(t *testing.T) {
	b := &fakeBroker{}
	h := newHandler(b, nil)
	body := `{"kid":"kbs:///default/key/1","wrapped_data":"AAAA","iv":"AAAA","wrap_type":"A256GCM"}`
	code, data := do(t, h, http.MethodPost, "/v1/decrypt", body)
	if code != http.StatusOK || string(data) != "plaintext" {
		t.Errorf("got %d %q, want 200 plaintext", code, data)
	}
	want := kbc.AnnotationPacket{KID: "kbs:///default/key/1", WrappedData: "AAAA", IV: "AAAA", WrapType: "A256GCM"}
	if len(b.packets) != 1 || b.packets[0] != want {
		t.Errorf("broker got %+v, want %+v", b.packets, want)
	}

	for _, bad := range []string{"", "{", `{"unknown":1}`} {
		if code, _ := do(t, h, http.MethodPost, "/v1/decrypt", bad); code != http.StatusBadRequest {
			t.Errorf("body %q: got return code: %d, want: %d", bad, code, http.StatusBadRequest)
		}
	}
}

func TestEvidence(t *testing.T) {
	h := newHandler(&fakeBroker{}, attester.NewSample())
	runtimeData := bytes.Repeat([]byte{1}, 32)
	body, _ := json.Marshal(EvidenceRequest{RuntimeData: runtimeData})

	code, data := do(t, h, http.MethodPost, "/v1/evidence", string(body))
	if code != http.StatusOK {
		t.Fatalf("got return code: %d, want: %d (%s)", code, http.StatusOK, data)
	}
	got, err := attester.ParseSampleEvidence(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, runtimeData) {
		t.Errorf("evidence report data = %x, want %x", got, runtimeData)
	}

	body, _ = json.Marshal(EvidenceRequest{RuntimeData: make([]byte, 65)})
	if code, _ := do(t, h, http.MethodPost, "/v1/evidence", string(body)); code != http.StatusBadRequest {
		t.Errorf("got return code: %d, want: %d", code, http.StatusBadRequest)
	}
	if code, _ := do(t, newHandler(&fakeBroker{}, nil), http.MethodPost, "/v1/evidence", string(body)); code != http.StatusNotImplemented {
		t.Errorf("got return code: %d, want: %d", code, http.StatusNotImplemented)
	}
}

func TestExtendMeasurement(t *testing.T) {
	sample := attester.NewSample()
	h := newHandler(&fakeBroker{}, sample)
	register := 2
	body, _ := json.Marshal(MeasurementRequest{Events: [][]byte{[]byte("event")}, RegisterIndex: &register})

	if code, data := do(t, h, http.MethodPost, "/v1/measurement", string(body)); code != http.StatusOK {
		t.Fatalf("got return code: %d, want: %d (%s)", code, http.StatusOK, data)
	}
	if bytes.Equal(sample.Register(2), make([]byte, 32)) {
		t.Error("register 2 was not extended")
	}
	if !bytes.Equal(sample.Register(0), make([]byte, 32)) {
		t.Error("default register was extended")
	}
	if code, _ := do(t, h, http.MethodPost, "/v1/measurement", `{"events":[]}`); code != http.StatusBadRequest {
		t.Errorf("got return code: %d, want: %d", code, http.StatusBadRequest)
	}

	tdx := newHandler(&fakeBroker{}, &attester.TDXAttester{})
	if code, _ := do(t, tdx, http.MethodPost, "/v1/measurement", string(body)); code != http.StatusNotImplemented {
		t.Errorf("got return code: %d, want: %d", code, http.StatusNotImplemented)
	}
}

func TestCheck(t *testing.T) {
	h := newHandler(&fakeBroker{}, nil)
	if code, _ := do(t, h, http.MethodGet, "/v1/check", ""); code != http.StatusNotImplemented {
		t.Errorf("got return code: %d, want: %d", code, http.StatusNotImplemented)
	}
}

func TestServeUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "agent.sock")
	b := &fakeBroker{resources: map[string][]byte{"default/key/1": []byte("secret")}}
	s, err := New(context.Background(), sock, b, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Get("http://localhost/v1/resource/default/key/1")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != "secret" {
		t.Errorf("got content: %q, want: %q", data, "secret")
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve() = %v, want http.ErrServerClosed", err)
	}
}
