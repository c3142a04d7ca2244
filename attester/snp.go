package attester

import (
	"context"
	"encoding/json"
	"fmt"

	sevclient "github.com/google/go-sev-guest/client"
)

// SNPEvidence is the evidence format of SEV-SNP guests. CertChain is the
// certificate table returned by the host, if any.
type SNPEvidence struct {
	AttestationReport []byte `json:"attestation_report"`
	CertChain         []byte `json:"cert_chain,omitempty"`
}

// SNPAttester fetches attestation reports from /dev/sev-guest.
type SNPAttester struct{}

// Tee implements EvidenceProvider.
func (*SNPAttester) Tee() Tee { return TeeSNP }

// GetEvidence implements EvidenceProvider.
func (*SNPAttester) GetEvidence(_ context.Context, reportData []byte) ([]byte, error) {
	rd, err := reportData64(reportData)
	if err != nil {
		return nil, err
	}
	d, err := sevclient.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("opening sev-guest device: %w", err)
	}
	defer d.Close()
	report, certs, err := sevclient.GetRawExtendedReport(d, rd)
	if err != nil {
		return nil, fmt.Errorf("getting SNP report: %w", err)
	}
	return json.Marshal(SNPEvidence{AttestationReport: report, CertChain: certs})
}

// ExtendRuntimeMeasurement is not supported for SEV-SNP.
func (*SNPAttester) ExtendRuntimeMeasurement(context.Context, [][]byte, int) error {
	return fmt.Errorf("snp: %w", ErrNotSupported)
}
