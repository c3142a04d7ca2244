package kbs

import (
	"errors"
	"fmt"
)

// Configuration and protocol failures. Errors returned by this package match
// one of these with errors.Is where applicable.
var (
	ErrInvalidKBSURL       = errors.New("invalid KBS URL")
	ErrHostMismatch        = errors.New("resource KBS address does not match the configured KBS")
	ErrTLSConfig           = errors.New("invalid TLS configuration")
	ErrKeyImport           = errors.New("cannot import TEE key")
	ErrClientBuild         = errors.New("cannot build KBS client")
	ErrAttestationRejected = errors.New("attestation rejected")
	ErrResourceFetchFailed = errors.New("resource fetch failed")
)

// Stage identifies the protocol step an attestation failure happened in.
type Stage string

// Protocol stages.
const (
	StageAuth     Stage = "auth"
	StageEvidence Stage = "evidence"
	StageAttest   Stage = "attest"
	StageToken    Stage = "token"
	StageResource Stage = "resource"
)

// AttestationError reports a failed handshake, or a session the KBS refused.
// It matches ErrAttestationRejected.
type AttestationError struct {
	Stage Stage
	// StatusCode is the HTTP status returned by the KBS, or 0 when the
	// failure happened locally.
	StatusCode int
	// Detail is the error detail reported by the KBS, if any.
	Detail string
	Err    error
}

func (e *AttestationError) Error() string {
	msg := fmt.Sprintf("attestation rejected at %s stage", e.Stage)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AttestationError) Unwrap() error { return e.Err }

// Is makes AttestationError match ErrAttestationRejected.
func (e *AttestationError) Is(target error) bool {
	return target == ErrAttestationRejected
}

// StatusError is an unexpected HTTP status from the KBS.
type StatusError struct {
	StatusCode int
	Type       string
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("KBS returned HTTP %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("KBS returned HTTP %d", e.StatusCode)
}

// TransportError is a failure to reach the KBS or read its response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a 404 from the KBS.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 404
}
