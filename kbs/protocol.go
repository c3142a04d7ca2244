package kbs

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/google/go-kbs-client/envelope"
	"github.com/google/go-kbs-client/keypair"
)

// ProtocolVersion is the KBS protocol version spoken by the client.
const ProtocolVersion = "0.1.0"

// SessionCookie is the name of the cookie carrying the KBS session.
const SessionCookie = "kbs-session-id"

// Request starts a handshake.
type Request struct {
	Version     string `json:"version"`
	Tee         string `json:"tee"`
	ExtraParams string `json:"extra-params"`
}

// Challenge is the KBS answer to a Request.
type Challenge struct {
	Nonce       string `json:"nonce"`
	ExtraParams string `json:"extra-params"`
}

// Attestation carries the evidence and the public key it is bound to.
type Attestation struct {
	TeePubKey   jose.JSONWebKey `json:"tee-pubkey"`
	TeeEvidence string          `json:"tee-evidence"`
}

// AttestationResult is returned by an attestation service, and optionally by
// a KBS, after successful attestation.
type AttestationResult struct {
	Token string `json:"token"`
}

// Response is a resource encrypted to the TEE public key in JWE JSON form.
// Every field is base64url encoded; Protected is also the AEAD additional
// data.
type Response struct {
	Protected    string `json:"protected"`
	EncryptedKey string `json:"encrypted_key"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

// ProtectedHeader is the decoded Response.Protected.
type ProtectedHeader struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
}

// ErrorInformation is the body of KBS error responses.
type ErrorInformation struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// RuntimeData is hashed into the report data by DefaultReportDataBinder.
type RuntimeData struct {
	Nonce     string          `json:"nonce"`
	TeePubKey jose.JSONWebKey `json:"tee-pubkey"`
}

// ReportDataBinder derives the evidence report data from the KBS nonce and
// the TEE public key.
type ReportDataBinder func(nonce string, teePubKey jose.JSONWebKey) ([]byte, error)

// DefaultReportDataBinder returns the SHA-384 digest of the JSON encoded
// RuntimeData. The 48 byte result fits the report data field of every
// supported TEE.
func DefaultReportDataBinder(nonce string, teePubKey jose.JSONWebKey) ([]byte, error) {
	data, err := json.Marshal(RuntimeData{Nonce: nonce, TeePubKey: teePubKey})
	if err != nil {
		return nil, fmt.Errorf("encoding runtime data: %w", err)
	}
	sum := sha512.Sum384(data)
	return sum[:], nil
}

// Decrypt recovers the plaintext of r with the TEE key pair.
func (r *Response) Decrypt(kp *keypair.TeeKeyPair) ([]byte, error) {
	rawHeader, err := base64.RawURLEncoding.DecodeString(r.Protected)
	if err != nil {
		return nil, fmt.Errorf("decoding protected header: %w", err)
	}
	var header ProtectedHeader
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("parsing protected header: %w", err)
	}
	if header.Enc != string(envelope.A256GCM) {
		return nil, fmt.Errorf("unsupported content encryption %q", header.Enc)
	}

	fields := map[string]string{"encrypted_key": r.EncryptedKey, "iv": r.IV, "ciphertext": r.Ciphertext, "tag": r.Tag}
	decoded := make(map[string][]byte, len(fields))
	for name, v := range fields {
		b, err := base64.RawURLEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		decoded[name] = b
	}

	cek, err := kp.Decrypt(header.Alg, decoded["encrypted_key"])
	if err != nil {
		return nil, fmt.Errorf("unwrapping content key: %w", err)
	}
	defer clear(cek)
	if len(cek) != envelope.KeySize {
		return nil, errors.New("unwrapped content key has the wrong size")
	}
	sealed := append(decoded["ciphertext"], decoded["tag"]...)
	return envelope.Open(cek, decoded["iv"], sealed, []byte(r.Protected))
}
