// Package attester produces platform evidence bound to caller supplied report
// data and extends runtime measurement registers.
package attester

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
)

// Tee names a TEE platform as understood by the KBS protocol.
type Tee string

// Supported TEE platforms.
const (
	TeeSample    Tee = "sample"
	TeeTDX       Tee = "tdx"
	TeeSNP       Tee = "snp"
	TeeAzSNPVTPM Tee = "az-snp-vtpm"
)

// DefaultRegister selects the platform specific default measurement register.
const DefaultRegister = -1

// ReportDataSize is the size of the report data field in TDX and SNP evidence.
const ReportDataSize = 64

var (
	// ErrNotSupported is returned by operations a platform does not implement.
	ErrNotSupported = errors.New("operation not supported on this platform")
	// ErrNoTEE is returned by Detect when no TEE is available.
	ErrNoTEE = errors.New("no supported TEE found")
)

// EvidenceProvider produces evidence for one TEE platform.
type EvidenceProvider interface {
	// Tee returns the platform the evidence is for.
	Tee() Tee
	// GetEvidence returns opaque evidence bound to reportData.
	GetEvidence(ctx context.Context, reportData []byte) ([]byte, error)
	// ExtendRuntimeMeasurement extends register with the SHA-256 digest of
	// each event, in order. DefaultRegister selects the platform default.
	ExtendRuntimeMeasurement(ctx context.Context, events [][]byte, register int) error
}

// New returns the evidence provider for tee.
func New(tee Tee) (EvidenceProvider, error) {
	switch tee {
	case TeeSample:
		return NewSample(), nil
	case TeeTDX:
		return &TDXAttester{}, nil
	case TeeSNP:
		return &SNPAttester{}, nil
	case TeeAzSNPVTPM:
		a, err := OpenTPM("")
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown TEE %q", tee)
	}
}

var (
	tdxPaths = []string{"/dev/tdx_guest", "/dev/tdx-guest"}
	snpPaths = []string{"/dev/sev-guest"}
	tpmPaths = []string{"/dev/tpmrm0", "/dev/tpm0"}
)

// Detect returns the TEE of the running platform. Hardware TEEs are
// preferred over a vTPM. The sample platform is never detected.
func Detect() (Tee, error) {
	switch {
	case anyExists(tdxPaths):
		return TeeTDX, nil
	case anyExists(snpPaths):
		return TeeSNP, nil
	case anyExists(tpmPaths):
		return TeeAzSNPVTPM, nil
	}
	return "", ErrNoTEE
}

func anyExists(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// reportData64 zero pads reportData to the fixed report data field size.
func reportData64(reportData []byte) ([ReportDataSize]byte, error) {
	var out [ReportDataSize]byte
	if len(reportData) > ReportDataSize {
		return out, fmt.Errorf("report data is %d bytes, at most %d allowed", len(reportData), ReportDataSize)
	}
	copy(out[:], reportData)
	return out, nil
}

// extendDigest returns SHA-256(current || SHA-256(event)).
func extendDigest(current []byte, event []byte) []byte {
	digest := sha256.Sum256(event)
	h := sha256.New()
	h.Write(current)
	h.Write(digest[:])
	return h.Sum(nil)
}
