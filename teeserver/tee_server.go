// Package teeserver implements the agent server run inside the TEE. It
// exposes resource retrieval, payload decryption, evidence and runtime
// measurement to other processes through a unix socket.
package teeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/kbc"
	"github.com/google/go-kbs-client/kbs"
	"github.com/google/go-kbs-client/resource"
)

const maxRequestSize = 1 << 20

// KeyBroker is the key broker client the server delegates to. *kbc.KBC
// implements it.
type KeyBroker interface {
	GetResource(ctx context.Context, uri resource.URI) ([]byte, error)
	DecryptPayload(ctx context.Context, p kbc.AnnotationPacket) ([]byte, error)
	Check(ctx context.Context) (*kbc.CheckInfo, error)
}

// EvidenceRequest is the body of POST /v1/evidence.
type EvidenceRequest struct {
	RuntimeData []byte `json:"runtime_data"`
}

// MeasurementRequest is the body of POST /v1/measurement. A missing
// RegisterIndex selects the platform default register.
type MeasurementRequest struct {
	Events        [][]byte `json:"events"`
	RegisterIndex *int     `json:"register_index,omitempty"`
}

type agentHandler struct {
	broker   KeyBroker
	evidence attester.EvidenceProvider
	logger   logging.Logger
}

// TeeServer is a server that can be called from a workload through a unix
// socket file.
type TeeServer struct {
	server      *http.Server
	netListener net.Listener
}

// New listens on unixSock and returns a server for the given key broker and
// evidence provider.
func New(ctx context.Context, unixSock string, broker KeyBroker, evidence attester.EvidenceProvider, logger logging.Logger) (*TeeServer, error) {
	nl, err := net.Listen("unix", unixSock)
	if err != nil {
		return nil, fmt.Errorf("cannot listen to the socket [%s]: %v", unixSock, err)
	}
	return &TeeServer{
		netListener: nl,
		server: &http.Server{
			Handler: (&agentHandler{
				broker:   broker,
				evidence: evidence,
				logger:   logger,
			}).Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
	}, nil
}

// Handler creates a multiplexer for the server.
func (a *agentHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	// curl --unix-socket <socket> http://localhost/v1/resource/default/key/1
	mux.HandleFunc("GET /v1/resource/{repository}/{type}/{tag}", a.getResource)
	mux.HandleFunc("POST /v1/decrypt", a.decryptPayload)
	mux.HandleFunc("POST /v1/evidence", a.getEvidence)
	mux.HandleFunc("POST /v1/measurement", a.extendMeasurement)
	mux.HandleFunc("GET /v1/check", a.check)
	return mux
}

func (a *agentHandler) getResource(w http.ResponseWriter, r *http.Request) {
	uri := resource.URI{
		Repository: r.PathValue("repository"),
		Type:       r.PathValue("type"),
		Tag:        r.PathValue("tag"),
	}
	data, err := a.broker.GetResource(r.Context(), uri)
	if err != nil {
		a.handleError(w, err, "failed to get resource "+uri.String())
		return
	}
	a.logger.Info("resource released", "resource", uri.ResourcePath())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *agentHandler) decryptPayload(w http.ResponseWriter, r *http.Request) {
	var packet kbc.AnnotationPacket
	if err := decodeBody(r, &packet); err != nil {
		a.logAndWriteHTTPError(w, http.StatusBadRequest, fmt.Errorf("failed to parse POST body as AnnotationPacket: %v", err))
		return
	}
	data, err := a.broker.DecryptPayload(r.Context(), packet)
	if err != nil {
		a.handleError(w, err, "failed to decrypt payload")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *agentHandler) getEvidence(w http.ResponseWriter, r *http.Request) {
	if a.evidence == nil {
		a.logAndWriteHTTPError(w, http.StatusNotImplemented, errors.New("no evidence provider configured"))
		return
	}
	var req EvidenceRequest
	if err := decodeBody(r, &req); err != nil {
		a.logAndWriteHTTPError(w, http.StatusBadRequest, fmt.Errorf("failed to parse POST body as EvidenceRequest: %v", err))
		return
	}
	if len(req.RuntimeData) > attester.ReportDataSize {
		a.logAndWriteHTTPError(w, http.StatusBadRequest, fmt.Errorf("runtime_data is %d bytes, at most %d allowed", len(req.RuntimeData), attester.ReportDataSize))
		return
	}
	ev, err := a.evidence.GetEvidence(r.Context(), req.RuntimeData)
	if err != nil {
		a.handleError(w, err, "failed to get evidence")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(ev)
}

func (a *agentHandler) extendMeasurement(w http.ResponseWriter, r *http.Request) {
	if a.evidence == nil {
		a.logAndWriteHTTPError(w, http.StatusNotImplemented, errors.New("no evidence provider configured"))
		return
	}
	var req MeasurementRequest
	if err := decodeBody(r, &req); err != nil {
		a.logAndWriteHTTPError(w, http.StatusBadRequest, fmt.Errorf("failed to parse POST body as MeasurementRequest: %v", err))
		return
	}
	if len(req.Events) == 0 {
		a.logAndWriteHTTPError(w, http.StatusBadRequest, errors.New("events is a required parameter"))
		return
	}
	register := attester.DefaultRegister
	if req.RegisterIndex != nil {
		register = *req.RegisterIndex
	}
	if err := a.evidence.ExtendRuntimeMeasurement(r.Context(), req.Events, register); err != nil {
		a.handleError(w, err, "failed to extend runtime measurement")
		return
	}
	a.logger.Info("runtime measurement extended", "events", len(req.Events), "register", register)
	w.WriteHeader(http.StatusOK)
}

func (a *agentHandler) check(w http.ResponseWriter, r *http.Request) {
	info, err := a.broker.Check(r.Context())
	if err != nil {
		a.handleError(w, err, "check failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func (a *agentHandler) logAndWriteHTTPError(w http.ResponseWriter, statusCode int, err error) {
	a.logger.Error(err.Error())
	w.WriteHeader(statusCode)
	w.Write([]byte(err.Error()))
}

// handleError maps caller mistakes to 4xx and everything else to 5xx.
func (a *agentHandler) handleError(w http.ResponseWriter, err error, message string) {
	err = fmt.Errorf("%s: %w", message, err)
	switch {
	case errors.Is(err, resource.ErrInvalidURI), errors.Is(err, kbs.ErrHostMismatch):
		a.logAndWriteHTTPError(w, http.StatusBadRequest, err)
	case kbs.IsNotFound(err):
		a.logAndWriteHTTPError(w, http.StatusNotFound, err)
	case errors.Is(err, kbc.ErrNotSupported), errors.Is(err, attester.ErrNotSupported):
		a.logAndWriteHTTPError(w, http.StatusNotImplemented, err)
	default:
		a.logAndWriteHTTPError(w, http.StatusInternalServerError, err)
	}
}

// Serve starts the server, will block until the server shutdown.
func (s *TeeServer) Serve() error {
	return s.server.Serve(s.netListener)
}

// Shutdown will terminate the server and the underlying listener.
func (s *TeeServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	err2 := s.netListener.Close()

	if err != nil {
		return err
	}
	if err2 != nil && !errors.Is(err2, net.ErrClosed) {
		return err2
	}
	return nil
}
