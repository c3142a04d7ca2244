package kbs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/keypair"
	"github.com/google/go-kbs-client/token"
)

// DefaultTimeout bounds each HTTP request made to the KBS.
const DefaultTimeout = 60 * time.Second

// Version is reported in the User-Agent header. It is overridden by the
// command line tool from its build info.
var Version = "devel"

// Builder configures a Client.
type Builder struct {
	url       string
	certs     [][]byte
	token     string
	teeKeyPEM []byte
	timeout   time.Duration
	logger    logging.Logger
	binder    ReportDataBinder

	evidenceProvider attester.EvidenceProvider
	tokenProvider    token.Provider
}

// NewBuilderWithEvidenceProvider returns a builder for a client that attests
// directly to the KBS at kbsURL (background check).
func NewBuilderWithEvidenceProvider(kbsURL string, p attester.EvidenceProvider) *Builder {
	return &Builder{url: kbsURL, evidenceProvider: p}
}

// NewBuilderWithTokenProvider returns a builder for a client that presents
// tokens obtained from p to the KBS at kbsURL (passport).
func NewBuilderWithTokenProvider(kbsURL string, p token.Provider) *Builder {
	return &Builder{url: kbsURL, tokenProvider: p}
}

// AddKBSCert adds a PEM encoded certificate to the trusted roots.
func (b *Builder) AddKBSCert(pemCert []byte) *Builder {
	b.certs = append(b.certs, pemCert)
	return b
}

// SetToken sets an already issued token, which is used until it expires. The
// TEE key the token is bound to must be set with SetTEEKey.
func (b *Builder) SetToken(raw string) *Builder {
	b.token = raw
	return b
}

// SetTEEKey sets a PEM encoded private key to use instead of a generated one.
func (b *Builder) SetTEEKey(pemKey []byte) *Builder {
	b.teeKeyPEM = pemKey
	return b
}

// SetTimeout sets the per-request timeout. Zero means DefaultTimeout.
func (b *Builder) SetTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// SetLogger sets the logger. The default discards everything.
func (b *Builder) SetLogger(l logging.Logger) *Builder {
	b.logger = l
	return b
}

// SetReportDataBinder replaces DefaultReportDataBinder.
func (b *Builder) SetReportDataBinder(f ReportDataBinder) *Builder {
	b.binder = f
	return b
}

// Build validates the configuration and returns the client.
func (b *Builder) Build() (*Client, error) {
	kbsURI, err := ParseKbsURI(b.url)
	if err != nil {
		return nil, err
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	for i, c := range b.certs {
		if !roots.AppendCertsFromPEM(c) {
			return nil, fmt.Errorf("%w: certificate %d is not a valid PEM certificate", ErrTLSConfig, i)
		}
	}

	if b.token != "" && b.teeKeyPEM == nil {
		return nil, fmt.Errorf("%w: a token requires the TEE key it is bound to", ErrClientBuild)
	}
	var initial *session
	if b.token != "" {
		tok, err := token.New(b.token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientBuild, err)
		}
		initial = &session{token: tok}
	}

	var teeKey *keypair.TeeKeyPair
	if b.teeKeyPEM != nil {
		if teeKey, err = keypair.FromPEM(b.teeKeyPEM); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyImport, err)
		}
	} else if teeKey, err = keypair.New(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientBuild, err)
	}
	if initial != nil {
		initial.teeKey = teeKey
	}

	var strat strategy
	switch {
	case b.evidenceProvider != nil && b.tokenProvider != nil:
		teeKey.Close()
		return nil, fmt.Errorf("%w: both an evidence and a token provider are set", ErrClientBuild)
	case b.evidenceProvider != nil:
		strat = &backgroundCheck{provider: b.evidenceProvider}
	case b.tokenProvider != nil:
		strat = &passport{provider: b.tokenProvider}
	default:
		teeKey.Close()
		return nil, fmt.Errorf("%w: no evidence or token provider", ErrClientBuild)
	}

	jar, err := newSessionJar()
	if err != nil {
		teeKey.Close()
		return nil, fmt.Errorf("%w: %v", ErrClientBuild, err)
	}
	timeout := b.timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}

	logger := b.logger
	if logger == nil {
		logger = logging.Discard()
	}
	binder := b.binder
	if binder == nil {
		binder = DefaultReportDataBinder
	}
	return &Client{
		kbsURI: kbsURI,
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		jar:      jar,
		teeKey:   teeKey,
		strategy: strat,
		binder:   binder,
		logger:   logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(retryInterval)
		},
		session: initial,
	}, nil
}
