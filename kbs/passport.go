package kbs

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-kbs-client/token"
)

// passport obtains a token from an attestation service and presents it to
// the KBS as a bearer credential.
type passport struct {
	provider token.Provider
}

func (*passport) name() string { return "passport" }

func (p *passport) handshake(ctx context.Context, _ *Client) (*session, error) {
	tok, teeKey, err := p.provider.GetToken(ctx)
	if err != nil {
		return nil, handshakeError(StageToken, err)
	}
	if teeKey == nil {
		return nil, &AttestationError{Stage: StageToken, Err: errors.New("token provider returned no TEE key")}
	}
	if err := tok.Check(time.Now()); err != nil {
		teeKey.Close()
		return nil, &AttestationError{Stage: StageToken, Err: err}
	}
	return &session{teeKey: teeKey, token: tok, ownsKey: true}, nil
}
