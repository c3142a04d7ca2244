package attester

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/go-tpm-tools/client"
	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"google.golang.org/protobuf/encoding/protojson"
)

// DefaultPCR is the PCR runtime measurements are extended into by default.
const DefaultPCR = 8

const (
	maxPCR       = 23
	eventLogPath = "/sys/kernel/security/tpm0/binary_bios_measurements"
)

// tpmDevice adds the firmware event log to an opened TPM so that
// client.GetEventLog can find it.
type tpmDevice struct {
	io.ReadWriteCloser
}

func (tpmDevice) EventLog() ([]byte, error) {
	return os.ReadFile(eventLogPath)
}

// TPMAttester produces vTPM evidence: a quote of every PCR bank over the
// report data, signed by the ECC attestation key, together with the event
// log. The evidence is the JSON encoding of an attest.Attestation.
type TPMAttester struct {
	// mu serializes TPM commands.
	mu sync.Mutex
	rw io.ReadWriteCloser
}

// OpenTPM opens the TPM at path, or /dev/tpmrm0 then /dev/tpm0 when path is
// empty.
func OpenTPM(path string) (*TPMAttester, error) {
	var (
		rwc io.ReadWriteCloser
		err error
	)
	if path == "" {
		rwc, err = tpm2.OpenTPM(tpmPaths[0])
		if errors.Is(err, os.ErrNotExist) {
			rwc, err = tpm2.OpenTPM(tpmPaths[1])
		}
	} else {
		rwc, err = tpm2.OpenTPM(path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening TPM: %w", err)
	}
	return &TPMAttester{rw: tpmDevice{rwc}}, nil
}

// NewTPM returns an attester using an already opened TPM, which is closed by
// Close. If rw implements client.EventLogGetter its event log is used.
func NewTPM(rw io.ReadWriteCloser) *TPMAttester {
	return &TPMAttester{rw: rw}
}

// Tee implements EvidenceProvider.
func (*TPMAttester) Tee() Tee { return TeeAzSNPVTPM }

// GetEvidence implements EvidenceProvider.
func (a *TPMAttester) GetEvidence(_ context.Context, reportData []byte) ([]byte, error) {
	if len(reportData) == 0 {
		return nil, errors.New("report data must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ak, err := client.AttestationKeyECC(a.rw)
	if err != nil {
		return nil, fmt.Errorf("loading attestation key: %w", err)
	}
	defer ak.Close()

	attestation, err := ak.Attest(client.AttestOpts{Nonce: reportData})
	if err != nil {
		return nil, fmt.Errorf("attesting: %w", err)
	}
	return protojson.Marshal(attestation)
}

// ExtendRuntimeMeasurement implements EvidenceProvider by extending the
// SHA-256 bank of a PCR. The default register is DefaultPCR.
func (a *TPMAttester) ExtendRuntimeMeasurement(_ context.Context, events [][]byte, register int) error {
	if register == DefaultRegister {
		register = DefaultPCR
	}
	if register < 0 || register > maxPCR {
		return fmt.Errorf("invalid PCR index %d", register)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range events {
		digest := sha256.Sum256(e)
		if err := tpm2.PCRExtend(a.rw, tpmutil.Handle(register), tpm2.AlgSHA256, digest[:], ""); err != nil {
			return fmt.Errorf("extending PCR %d with event %d: %w", register, i, err)
		}
	}
	return nil
}

// Close closes the TPM.
func (a *TPMAttester) Close() error {
	return a.rw.Close()
}
