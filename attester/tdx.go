package attester

import (
	"context"
	"encoding/json"
	"fmt"

	tdxclient "github.com/google/go-tdx-guest/client"
)

// TDXEvidence is the evidence format of TDX guests.
type TDXEvidence struct {
	Quote []byte `json:"quote"`
}

// TDXAttester fetches TD quotes through configfs-tsm, or the TDX guest
// device on older kernels.
type TDXAttester struct{}

// Tee implements EvidenceProvider.
func (*TDXAttester) Tee() Tee { return TeeTDX }

// GetEvidence implements EvidenceProvider.
func (*TDXAttester) GetEvidence(_ context.Context, reportData []byte) ([]byte, error) {
	rd, err := reportData64(reportData)
	if err != nil {
		return nil, err
	}
	quote, err := tdxQuote(rd)
	if err != nil {
		return nil, fmt.Errorf("getting TD quote: %w", err)
	}
	return json.Marshal(TDXEvidence{Quote: quote})
}

func tdxQuote(reportData [ReportDataSize]byte) ([]byte, error) {
	qp := &tdxclient.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}
	qd, err := tdxclient.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()
	return tdxclient.GetRawQuote(qd, reportData)
}

// ExtendRuntimeMeasurement is not supported for TDX.
func (*TDXAttester) ExtendRuntimeMeasurement(context.Context, [][]byte, int) error {
	return fmt.Errorf("tdx: %w", ErrNotSupported)
}
