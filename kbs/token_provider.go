package kbs

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/keypair"
	"github.com/google/go-kbs-client/token"
)

// TokenProviderOpts configures NewTokenProvider.
type TokenProviderOpts struct {
	// Certs are extra PEM encoded roots trusted for the attestation service.
	Certs            [][]byte
	Timeout          time.Duration
	Logger           logging.Logger
	ReportDataBinder ReportDataBinder
}

// TokenProvider obtains tokens from an attestation service that speaks the
// KBS handshake protocol. Each token is bound to a freshly generated key
// pair.
type TokenProvider struct {
	asURL    string
	evidence attester.EvidenceProvider
	opts     TokenProviderOpts
}

// NewTokenProvider returns a token provider for the attestation service at
// asURL.
func NewTokenProvider(asURL string, p attester.EvidenceProvider, opts TokenProviderOpts) (*TokenProvider, error) {
	if _, err := ParseKbsURI(asURL); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("no evidence provider")
	}
	return &TokenProvider{asURL: asURL, evidence: p, opts: opts}, nil
}

// GetToken implements token.Provider.
func (p *TokenProvider) GetToken(ctx context.Context) (*token.Token, *keypair.TeeKeyPair, error) {
	b := NewBuilderWithEvidenceProvider(p.asURL, p.evidence).
		SetTimeout(p.opts.Timeout).
		SetLogger(p.opts.Logger).
		SetReportDataBinder(p.opts.ReportDataBinder)
	for _, cert := range p.opts.Certs {
		b.AddKBSCert(cert)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()

	s, _, err := c.ensureSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.token == nil {
		return nil, nil, &AttestationError{Stage: StageToken, Err: errors.New("attestation service returned no token")}
	}
	return s.token, c.releaseKey(), nil
}
