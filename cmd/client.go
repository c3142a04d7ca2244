package cmd

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/kbs"
)

func newLogger() *slog.Logger {
	return logging.New(os.Stderr, logOpts)
}

// openEvidenceProvider returns the provider selected by --tee. The returned
// closer releases the device, if any.
func openEvidenceProvider() (attester.EvidenceProvider, io.Closer, error) {
	tee := attester.Tee(teeName)
	if tee == "" {
		detected, err := attester.Detect()
		if err != nil {
			return nil, nil, err
		}
		tee = detected
	}
	if tee == attester.TeeAzSNPVTPM {
		a, err := attester.OpenTPM(tpmPath)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	}
	p, err := attester.New(tee)
	if err != nil {
		return nil, nil, err
	}
	return p, nopCloser{}, nil
}

// newKBSClient builds a KBS client attesting with p from the KBS flags.
func newKBSClient(logger *slog.Logger, p attester.EvidenceProvider) (*kbs.Client, error) {
	if kbsURL == "" {
		return nil, errors.New("--kbs-url is required")
	}
	logger.Debug("using evidence provider", "tee", p.Tee())

	certs := make([][]byte, 0, len(certFiles))
	for _, f := range certFiles {
		c, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}

	var b *kbs.Builder
	if asURL != "" {
		tp, err := kbs.NewTokenProvider(asURL, p, kbs.TokenProviderOpts{
			Certs:   certs,
			Timeout: timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		b = kbs.NewBuilderWithTokenProvider(kbsURL, tp)
	} else {
		b = kbs.NewBuilderWithEvidenceProvider(kbsURL, p)
	}
	for _, c := range certs {
		b.AddKBSCert(c)
	}
	if teeKeyFile != "" {
		key, err := os.ReadFile(teeKeyFile)
		if err != nil {
			return nil, err
		}
		b.SetTEEKey(key)
	}
	if tokenFile != "" {
		tok, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, err
		}
		b.SetToken(strings.TrimSpace(string(tok)))
	}

	c, err := b.SetTimeout(timeout).SetLogger(logger).Build()
	if err != nil {
		return nil, err
	}
	return c, nil
}
