package kbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/token"
)

var errClosed = errors.New("client is closed")

// backgroundCheck attests the TEE to the KBS itself. The KBS verifies the
// evidence and keeps the session behind a cookie.
type backgroundCheck struct {
	provider attester.EvidenceProvider
}

func (*backgroundCheck) name() string { return "background-check" }

func (b *backgroundCheck) handshake(ctx context.Context, c *Client) (*session, error) {
	teeKey := c.clientKey()
	if teeKey == nil {
		return nil, errClosed
	}

	tee := b.provider.Tee()
	body, err := c.do(ctx, "auth", http.MethodPost, c.kbsURI.endpoint("auth"), Request{
		Version: ProtocolVersion,
		Tee:     string(tee),
	}, "")
	if err != nil {
		return nil, handshakeError(StageAuth, err)
	}
	var challenge Challenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, &AttestationError{Stage: StageAuth, Err: fmt.Errorf("decoding challenge: %w", err)}
	}
	if challenge.Nonce == "" {
		return nil, &AttestationError{Stage: StageAuth, Err: errors.New("challenge has no nonce")}
	}

	jwk, err := teeKey.PublicJWK()
	if err != nil {
		return nil, err
	}
	reportData, err := c.binder(challenge.Nonce, jwk)
	if err != nil {
		return nil, &AttestationError{Stage: StageEvidence, Err: err}
	}
	evidence, err := b.provider.GetEvidence(ctx, reportData)
	if err != nil {
		return nil, &AttestationError{Stage: StageEvidence, Err: fmt.Errorf("getting %s evidence: %w", tee, err)}
	}

	body, err = c.do(ctx, "attest", http.MethodPost, c.kbsURI.endpoint("attest"), Attestation{
		TeePubKey:   jwk,
		TeeEvidence: string(evidence),
	}, "")
	if err != nil {
		return nil, handshakeError(StageAttest, err)
	}

	s := &session{teeKey: teeKey}
	if len(body) == 0 {
		return s, nil
	}
	var result AttestationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &AttestationError{Stage: StageAttest, Err: fmt.Errorf("decoding attestation result: %w", err)}
	}
	if result.Token != "" {
		tok, err := token.New(result.Token)
		if err != nil {
			return nil, &AttestationError{Stage: StageAttest, Err: err}
		}
		s.token = tok
	}
	return s, nil
}
